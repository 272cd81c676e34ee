package overlay

import (
	"github.com/stagecraft/stagecraft/internal/types"
)

// PackageCacheMount is a scoped execution context over the mounted
// package-cache layer. Close unmounts unconditionally; use
// WithPackageCacheMount for guaranteed release.
type PackageCacheMount struct {
	manager *Manager
	closed  bool
}

// NewPackageCacheMount mounts the package-cache layer and returns the
// execution context.
func NewPackageCacheMount(manager *Manager) (*PackageCacheMount, error) {
	if err := manager.MountPkgCache(); err != nil {
		return nil, err
	}
	return &PackageCacheMount{manager: manager}, nil
}

// Close unmounts the overlay. Closing twice is a no-op.
func (c *PackageCacheMount) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.manager.Unmount()
}

// FixResolvConf repairs a dangling resolv.conf symlink in the mount
func (c *PackageCacheMount) FixResolvConf() error {
	return c.manager.FixResolvConf()
}

// RefreshPackagesList refreshes the package index inside the mount
func (c *PackageCacheMount) RefreshPackagesList() error {
	return c.manager.RefreshPackagesList()
}

// DownloadPackages downloads packages into the mounted cache
func (c *PackageCacheMount) DownloadPackages(names []string) error {
	return c.manager.DownloadPackages(names)
}

// InstallPackages installs packages inside the mount
func (c *PackageCacheMount) InstallPackages(names []string) error {
	return c.manager.InstallPackages(names)
}

// WithPackageCacheMount mounts the package-cache layer, runs fn, and
// unmounts on every exit path. The unmount happens exactly once whether
// fn succeeds or fails.
func WithPackageCacheMount(manager *Manager, fn func(*PackageCacheMount) error) error {
	ctx, err := NewPackageCacheMount(manager)
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := fn(ctx); err != nil {
		return err
	}
	return ctx.Close()
}

// LayerMount is a scoped execution context over a part's mounted layer.
// It accepts the same pkgCache toggle as Manager.MountLayer.
type LayerMount struct {
	manager *Manager
	closed  bool
}

// NewLayerMount mounts the part's layer and returns the execution context
func NewLayerMount(manager *Manager, part *types.Part, pkgCache bool) (*LayerMount, error) {
	if err := manager.MountLayer(part, pkgCache); err != nil {
		return nil, err
	}
	return &LayerMount{manager: manager}, nil
}

// Close unmounts the overlay. Closing twice is a no-op.
func (c *LayerMount) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.manager.Unmount()
}

// FixResolvConf repairs a dangling resolv.conf symlink in the mount
func (c *LayerMount) FixResolvConf() error {
	return c.manager.FixResolvConf()
}

// RefreshPackagesList refreshes the package index inside the mount
func (c *LayerMount) RefreshPackagesList() error {
	return c.manager.RefreshPackagesList()
}

// DownloadPackages downloads packages into the mounted tree
func (c *LayerMount) DownloadPackages(names []string) error {
	return c.manager.DownloadPackages(names)
}

// InstallPackages installs packages inside the mount
func (c *LayerMount) InstallPackages(names []string) error {
	return c.manager.InstallPackages(names)
}

// WithLayerMount mounts the part's layer, runs fn, and unmounts on every
// exit path. The unmount happens exactly once whether fn succeeds or
// fails.
func WithLayerMount(manager *Manager, part *types.Part, pkgCache bool, fn func(*LayerMount) error) error {
	ctx, err := NewLayerMount(manager, part, pkgCache)
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := fn(ctx); err != nil {
		return err
	}
	return ctx.Close()
}
