package overlay

import (
	"errors"
	"fmt"
	"testing"
)

// fakeMounter records mount and unmount calls and can fail either
type fakeMounter struct {
	mounts   []string // "fstype target options"
	unmounts []string
	mountErr error
}

func (m *fakeMounter) Mount(fstype, target, options string) error {
	if m.mountErr != nil {
		return m.mountErr
	}
	m.mounts = append(m.mounts, fmt.Sprintf("%s %s %s", fstype, target, options))
	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	m.unmounts = append(m.unmounts, target)
	return nil
}

func TestOverlayFSOptions(t *testing.T) {
	fs := NewOverlayFSWithMounter(
		[]string{"/lower1", "/lower2"}, "/upper", "/work", &fakeMounter{})

	want := "lowerdir=/lower1:/lower2,upperdir=/upper,workdir=/work"
	if got := fs.Options(); got != want {
		t.Errorf("Expected options %q, got %q", want, got)
	}
}

func TestOverlayFSMount(t *testing.T) {
	mounter := &fakeMounter{}
	fs := NewOverlayFSWithMounter([]string{"/lower"}, "/upper", "/work", mounter)

	if err := fs.Mount("/mnt"); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if !fs.Mounted() {
		t.Error("Expected mounted state after Mount")
	}
	if fs.MountPoint() != "/mnt" {
		t.Errorf("Expected mount point /mnt, got %q", fs.MountPoint())
	}

	want := "overlay /mnt lowerdir=/lower,upperdir=/upper,workdir=/work"
	if len(mounter.mounts) != 1 || mounter.mounts[0] != want {
		t.Errorf("Expected mount call %q, got %v", want, mounter.mounts)
	}
}

func TestOverlayFSDoubleMount(t *testing.T) {
	mounter := &fakeMounter{}
	fs := NewOverlayFSWithMounter([]string{"/lower"}, "/upper", "/work", mounter)

	if err := fs.Mount("/mnt"); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := fs.Mount("/other"); !errors.Is(err, ErrAlreadyMounted) {
		t.Errorf("Expected ErrAlreadyMounted, got %v", err)
	}
	if len(mounter.mounts) != 1 {
		t.Errorf("Expected a single mount call, got %d", len(mounter.mounts))
	}
}

func TestOverlayFSUnmount(t *testing.T) {
	mounter := &fakeMounter{}
	fs := NewOverlayFSWithMounter([]string{"/lower"}, "/upper", "/work", mounter)

	if err := fs.Mount("/mnt"); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if fs.Mounted() {
		t.Error("Expected unmounted state after Unmount")
	}
	if len(mounter.unmounts) != 1 || mounter.unmounts[0] != "/mnt" {
		t.Errorf("Expected unmount of /mnt, got %v", mounter.unmounts)
	}
}

func TestOverlayFSUnmountWhenUnmounted(t *testing.T) {
	mounter := &fakeMounter{}
	fs := NewOverlayFSWithMounter([]string{"/lower"}, "/upper", "/work", mounter)

	if err := fs.Unmount(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Expected ErrNotMounted, got %v", err)
	}
	if len(mounter.unmounts) != 0 {
		t.Errorf("Expected zero unmount calls, got %d", len(mounter.unmounts))
	}
}

func TestOverlayFSMountFailureKeepsState(t *testing.T) {
	mounter := &fakeMounter{mountErr: errors.New("permission denied")}
	fs := NewOverlayFSWithMounter([]string{"/lower"}, "/upper", "/work", mounter)

	if err := fs.Mount("/mnt"); err == nil {
		t.Fatal("Expected mount error")
	}
	if fs.Mounted() {
		t.Error("Expected unmounted state after failed mount")
	}
}
