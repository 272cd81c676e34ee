// Package overlay composes read-only base and part layers with a writable
// layer into one union view, and executes package operations inside the
// mounted tree through a sandboxed root.
package overlay

import (
	"strings"

	errs "github.com/stagecraft/stagecraft/internal/errors"
)

// State errors for the mount state machine. These are caller misuse,
// always fatal and never retried.
var (
	ErrAlreadyMounted = errs.New(errs.CategoryState, "mount", "filesystem is already mounted")
	ErrNotMounted     = errs.New(errs.CategoryState, "unmount", "filesystem is not mounted")
	ErrNoBaseLayer    = errs.New(errs.CategoryState, "mount", "request to mount overlay without a base layer")
)

// OverlayFS is one mountable union view: ordered lower directories (first
// has highest read precedence), one writable upper directory and one work
// directory. An instance is mounted on at most one target at a time.
type OverlayFS struct {
	lowerDirs []string
	upperDir  string
	workDir   string

	mounter    Mounter
	mountPoint string
}

// NewOverlayFS creates an overlay view backed by the system mounter
func NewOverlayFS(lowerDirs []string, upperDir, workDir string) *OverlayFS {
	return NewOverlayFSWithMounter(lowerDirs, upperDir, workDir, NewSysMounter())
}

// NewOverlayFSWithMounter creates an overlay view with a custom mounter,
// mainly for tests.
func NewOverlayFSWithMounter(lowerDirs []string, upperDir, workDir string, mounter Mounter) *OverlayFS {
	return &OverlayFS{
		lowerDirs: lowerDirs,
		upperDir:  upperDir,
		workDir:   workDir,
		mounter:   mounter,
	}
}

// Options renders the overlay mount options string. Lower directories are
// colon-joined in precedence order.
func (o *OverlayFS) Options() string {
	return "lowerdir=" + strings.Join(o.lowerDirs, ":") +
		",upperdir=" + o.upperDir +
		",workdir=" + o.workDir
}

// Mount mounts the union view on target. Mounting an already mounted
// instance is a state error.
func (o *OverlayFS) Mount(target string) error {
	if o.mountPoint != "" {
		return ErrAlreadyMounted
	}
	if err := o.mounter.Mount("overlay", target, o.Options()); err != nil {
		return errs.Wrap(errs.CategoryFilesystem, "mount", err, "failed to mount overlay on %s", target)
	}
	o.mountPoint = target
	return nil
}

// Unmount unmounts the union view. Unmounting an unmounted instance is a
// state error.
func (o *OverlayFS) Unmount() error {
	if o.mountPoint == "" {
		return ErrNotMounted
	}
	if err := o.mounter.Unmount(o.mountPoint); err != nil {
		return errs.Wrap(errs.CategoryFilesystem, "unmount", err, "failed to unmount %s", o.mountPoint)
	}
	o.mountPoint = ""
	return nil
}

// Mounted reports whether the view is currently mounted
func (o *OverlayFS) Mounted() bool {
	return o.mountPoint != ""
}

// MountPoint returns the current mount target, empty when unmounted
func (o *OverlayFS) MountPoint() string {
	return o.mountPoint
}
