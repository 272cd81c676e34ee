package overlay

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	errs "github.com/stagecraft/stagecraft/internal/errors"
	"github.com/stagecraft/stagecraft/internal/log"
	"github.com/stagecraft/stagecraft/internal/types"
	"github.com/stagecraft/stagecraft/packages"
)

// Manager owns the global part build order, an optional read-only base
// layer and one reusable OverlayFS. It computes the layer chain for each
// mount request from the build order; the build order is immutable once
// the lifecycle starts.
type Manager struct {
	project      *types.ProjectInfo
	baseLayerDir string
	repo         packages.Repository

	overlayFS *OverlayFS
	mounter   Mounter
	chrooter  Chrooter
	logger    *logrus.Entry
}

// NewManager creates an overlay manager with system mount and chroot
// backends. baseLayerDir may be empty; mounting is then rejected.
func NewManager(project *types.ProjectInfo, repo packages.Repository, baseLayerDir string) *Manager {
	return NewManagerWithBackends(project, repo, baseLayerDir, NewSysMounter(), NewHostChrooter())
}

// NewManagerWithBackends creates an overlay manager with custom mount and
// chroot backends, mainly for tests.
func NewManagerWithBackends(project *types.ProjectInfo, repo packages.Repository,
	baseLayerDir string, mounter Mounter, chrooter Chrooter) *Manager {
	return &Manager{
		project:      project,
		baseLayerDir: baseLayerDir,
		repo:         repo,
		mounter:      mounter,
		chrooter:     chrooter,
		logger:       log.WithComponent("overlay"),
	}
}

// layerChain returns the lower directories for mounting part's layer:
// the optional package-cache layer, then the layers of every part built
// before it (most recently built first), then the base layer.
func (m *Manager) layerChain(part *types.Part, pkgCache bool) ([]string, error) {
	index := -1
	for i, candidate := range m.project.Parts {
		if candidate.Name == part.Name {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("part %q is not in the build order", part.Name)
	}

	var lowers []string
	if pkgCache {
		lowers = append(lowers, m.project.OverlayPackagesDir())
	}
	for i := index - 1; i >= 0; i-- {
		lowers = append(lowers, m.project.PartLayerDir(m.project.Parts[i]))
	}
	lowers = append(lowers, m.baseLayerDir)
	return lowers, nil
}

// MountLayer mounts part's layer over everything built before it. With
// pkgCache the shared package-cache layer is stacked on top of the lower
// chain. Mounting without a configured base layer, or while an overlay
// is already mounted, is rejected before any mount call.
func (m *Manager) MountLayer(part *types.Part, pkgCache bool) error {
	if m.baseLayerDir == "" {
		return ErrNoBaseLayer
	}
	if m.Mounted() {
		return ErrAlreadyMounted
	}

	lowers, err := m.layerChain(part, pkgCache)
	if err != nil {
		return err
	}

	m.logger.Debugf("Mounting layer for part %s (pkgCache=%v)", part.Name, pkgCache)
	m.overlayFS = NewOverlayFSWithMounter(
		lowers,
		m.project.PartLayerDir(part),
		m.project.OverlayWorkDir(),
		m.mounter,
	)
	return m.overlayFS.Mount(m.project.OverlayMountDir())
}

// MountPkgCache mounts the shared package-cache layer as the writable
// layer over the base. Rejected without a configured base layer.
func (m *Manager) MountPkgCache() error {
	if m.baseLayerDir == "" {
		return errs.New(errs.CategoryState, "mount",
			"request to mount the overlay package cache without a base layer")
	}
	if m.Mounted() {
		return ErrAlreadyMounted
	}

	m.logger.Debug("Mounting package cache layer")
	m.overlayFS = NewOverlayFSWithMounter(
		[]string{m.baseLayerDir},
		m.project.OverlayPackagesDir(),
		m.project.OverlayWorkDir(),
		m.mounter,
	)
	return m.overlayFS.Mount(m.project.OverlayMountDir())
}

// Unmount unmounts the current overlay. A manager that was never mounted
// fails with a state error.
func (m *Manager) Unmount() error {
	if m.overlayFS == nil {
		return ErrNotMounted
	}
	return m.overlayFS.Unmount()
}

// Mounted reports whether the manager currently holds a mounted overlay
func (m *Manager) Mounted() bool {
	return m.overlayFS != nil && m.overlayFS.Mounted()
}

// MkDirs idempotently creates the overlay directory skeleton: the mount
// point, the shared package-cache layer and the work directory.
func (m *Manager) MkDirs() error {
	for _, dir := range []string{
		m.project.OverlayMountDir(),
		m.project.OverlayPackagesDir(),
		m.project.OverlayWorkDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errs.Wrap(errs.CategoryFilesystem, "mkdirs", err, "failed to create %s", dir)
		}
	}
	return nil
}

// FixResolvConf replaces a symlinked resolv.conf in the mounted tree with
// an empty regular file. Minimal base images symlink it to a runtime
// path that dangles inside a sandboxed root, breaking name resolution.
func (m *Manager) FixResolvConf() error {
	path := filepath.Join(m.project.OverlayMountDir(), "etc", "resolv.conf")

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return nil
	}

	m.logger.Debugf("Replacing symlinked %s", path)
	if err := os.Remove(path); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return file.Close()
}

// RefreshPackagesList refreshes the package index inside the mounted tree
func (m *Manager) RefreshPackagesList() error {
	return m.inSandboxedRoot(func() error {
		return m.repo.RefreshPackagesList()
	})
}

// DownloadPackages downloads packages into the mounted tree's cache
func (m *Manager) DownloadPackages(names []string) error {
	return m.inSandboxedRoot(func() error {
		return m.repo.DownloadPackages(names)
	})
}

// InstallPackages installs packages inside the mounted tree
func (m *Manager) InstallPackages(names []string) error {
	return m.inSandboxedRoot(func() error {
		return m.repo.InstallPackages(names)
	})
}

func (m *Manager) inSandboxedRoot(fn func() error) error {
	if !m.Mounted() {
		return ErrNotMounted
	}
	return m.chrooter.Run(m.project.OverlayMountDir(), fn)
}
