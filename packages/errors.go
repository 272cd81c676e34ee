package packages

import (
	"fmt"
	"strings"

	errs "github.com/stagecraft/stagecraft/internal/errors"
)

// PackageNotFoundError is raised by the package database when a requested
// name is absent from the index.
type PackageNotFoundError struct {
	Package string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("package %q was not found in the index", e.Package)
}

// Category returns the error category
func (e *PackageNotFoundError) Category() errs.Category {
	return errs.CategoryNotFound
}

// FileProviderNotFoundError indicates no installed package owns a path
type FileProviderNotFoundError struct {
	Path string
}

func (e *FileProviderNotFoundError) Error() string {
	return fmt.Sprintf("could not find package providing %s", e.Path)
}

// Category returns the error category
func (e *FileProviderNotFoundError) Category() errs.Category {
	return errs.CategoryNotFound
}

// BuildPackageNotFoundError indicates a requested build package is absent
// from the index.
type BuildPackageNotFoundError struct {
	Package string
}

func (e *BuildPackageNotFoundError) Error() string {
	return fmt.Sprintf("could not find build package %q in the index", e.Package)
}

// Category returns the error category
func (e *BuildPackageNotFoundError) Category() errs.Category {
	return errs.CategoryNotFound
}

// PackageListRefreshError indicates the index refresh command failed
type PackageListRefreshError struct {
	Cause error
}

func (e *PackageListRefreshError) Error() string {
	return fmt.Sprintf("failed to refresh package list: %v", e.Cause)
}

func (e *PackageListRefreshError) Unwrap() error { return e.Cause }

// Category returns the error category
func (e *PackageListRefreshError) Category() errs.Category {
	return errs.CategoryCommand
}

// BuildPackagesNotInstalledError indicates the install command failed
type BuildPackagesNotInstalledError struct {
	Packages []string
	Cause    error
}

func (e *BuildPackagesNotInstalledError) Error() string {
	return fmt.Sprintf("failed to install packages %s: %v",
		strings.Join(e.Packages, " "), e.Cause)
}

func (e *BuildPackagesNotInstalledError) Unwrap() error { return e.Cause }

// Category returns the error category
func (e *BuildPackagesNotInstalledError) Category() errs.Category {
	return errs.CategoryCommand
}

// UnpackError indicates archive extraction or a metadata query failed
type UnpackError struct {
	Path  string
	Cause error
}

func (e *UnpackError) Error() string {
	return fmt.Sprintf("failed to unpack %s: %v", e.Path, e.Cause)
}

func (e *UnpackError) Unwrap() error { return e.Cause }

// Category returns the error category
func (e *UnpackError) Category() errs.Category {
	return errs.CategoryCommand
}

// PackageFetchError indicates an archive download failed. Mismatch is set
// when the failure is a detectable hash-sum mismatch; the repository never
// retries it, the caller may choose to re-fetch.
type PackageFetchError struct {
	Package  string
	Mismatch bool
	Cause    error
}

func (e *PackageFetchError) Error() string {
	if e.Mismatch {
		return fmt.Sprintf("hash sum mismatch fetching %s: %v", e.Package, e.Cause)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.Package, e.Cause)
}

func (e *PackageFetchError) Unwrap() error { return e.Cause }

// Category returns the error category
func (e *PackageFetchError) Category() errs.Category {
	if e.Mismatch {
		return errs.CategoryHash
	}
	return errs.CategoryCommand
}
