package packages

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// OriginStagePackageAttr is the extended attribute carrying the
// name=version of the package a staged file came from.
const OriginStagePackageAttr = "user.stagecraft.origin-stage-package"

// linkOrCopy links src to dst, falling back to a copy when hardlinking is
// not possible (cross-device, or a filesystem without link support).
func linkOrCopy(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// linkOrCopyTree merges the tree rooted at src into dst, preferring
// hardlinks over copies for regular files.
func linkOrCopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())

		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return err
			}
			return os.Symlink(linkTarget, target)

		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return linkOrCopy(path, target)

		default:
			return fmt.Errorf("unsupported file type for %s", path)
		}
	})
}

// markOriginStagePackage tags every regular file under dir with the
// name=version of the package it was extracted from. Filesystems without
// user xattr support are tolerated.
func markOriginStagePackage(dir, nameVersion string) error {
	value := []byte(nameVersion)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		if err := unix.Setxattr(path, OriginStagePackageAttr, value, 0); err != nil {
			if err == unix.ENOTSUP || err == unix.EPERM {
				return nil
			}
			return fmt.Errorf("failed to tag %s with origin %s: %v", path, nameVersion, err)
		}
		return nil
	})
}

// OriginStagePackage reads the origin tag of a staged file, returning an
// empty string when the file carries none.
func OriginStagePackage(path string) (string, error) {
	size, err := unix.Getxattr(path, OriginStagePackageAttr, nil)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP {
			return "", nil
		}
		return "", err
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, OriginStagePackageAttr, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
