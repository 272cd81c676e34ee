package overlay

import (
	"time"

	"github.com/cenk/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stagecraft/stagecraft/internal/log"
)

// Mounter issues union-mount operations. The system implementation talks
// to the kernel; tests substitute a recording fake.
type Mounter interface {
	Mount(fstype, target, options string) error
	Unmount(target string) error
}

type sysMounter struct {
	logger *logrus.Entry
}

// NewSysMounter returns the kernel-backed mounter
func NewSysMounter() Mounter {
	return &sysMounter{logger: log.WithComponent("overlay")}
}

func (m *sysMounter) Mount(fstype, target, options string) error {
	m.logger.Debugf("Mounting %s on %s (%s)", fstype, target, options)
	return unix.Mount(fstype, target, fstype, 0, options)
}

// Unmount retries briefly on EBUSY: a process inside the tree may still
// be winding down right after a chroot exits.
func (m *sysMounter) Unmount(target string) error {
	m.logger.Debugf("Unmounting %s", target)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := unix.Unmount(target, 0)
		if err == unix.EBUSY {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}
