package overlay

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	errs "github.com/stagecraft/stagecraft/internal/errors"
	"github.com/stagecraft/stagecraft/internal/log"
)

// Chrooter runs a function inside a sandboxed root. The host
// implementation chroots into target and escapes through a saved root
// descriptor on every exit path.
type Chrooter interface {
	Run(target string, fn func() error) error
}

type hostChrooter struct {
	logger *logrus.Entry
}

// NewHostChrooter returns the chroot-backed sandboxed root
func NewHostChrooter() Chrooter {
	return &hostChrooter{logger: log.WithComponent("overlay")}
}

func (c *hostChrooter) Run(target string, fn func() error) (err error) {
	root, err := os.Open("/")
	if err != nil {
		return errs.Wrap(errs.CategoryFilesystem, "chroot", err, "failed to open host root")
	}
	defer root.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return errs.Wrap(errs.CategoryFilesystem, "chroot", err, "failed to read working directory")
	}

	c.logger.Debugf("Entering sandboxed root at %s", target)
	if err := unix.Chroot(target); err != nil {
		return errs.Wrap(errs.CategoryFilesystem, "chroot", err, "failed to enter %s", target)
	}
	if err := os.Chdir("/"); err != nil {
		return errs.Wrap(errs.CategoryFilesystem, "chroot", err, "failed to enter %s", target)
	}

	defer func() {
		// The escape must happen on every exit path or the process is
		// stuck inside the overlay.
		if chdirErr := root.Chdir(); chdirErr != nil && err == nil {
			err = errs.Wrap(errs.CategoryFilesystem, "chroot", chdirErr, "failed to leave %s", target)
			return
		}
		if chrootErr := unix.Chroot("."); chrootErr != nil && err == nil {
			err = errs.Wrap(errs.CategoryFilesystem, "chroot", chrootErr, "failed to leave %s", target)
			return
		}
		if cwdErr := os.Chdir(cwd); cwdErr != nil && err == nil {
			err = errs.Wrap(errs.CategoryFilesystem, "chroot", cwdErr, "failed to restore working directory")
		}
	}()

	return fn()
}
