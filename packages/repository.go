// Package packages resolves, fetches and unpacks distribution packages
// for staging into a part's install tree, with provenance tracking and
// base-image filtering.
package packages

import (
	"sort"
	"strings"
)

// Repository is the distro-agnostic package capability used by the build
// lifecycle and by the overlay manager from inside a sandboxed root.
type Repository interface {
	// Configure prepares the repository for use by the named application
	Configure(appName string) error

	// PackageLibraries returns the library files shipped by an installed package
	PackageLibraries(name string) ([]string, error)

	// PackagesForSourceType returns the packages needed to handle a source type
	PackagesForSourceType(sourceType string) []string

	// RefreshBuildPackagesList refreshes the host package index
	RefreshBuildPackagesList() error

	// InstallBuildPackages installs packages on the host and returns the
	// resolved name=version set. With listOnly the host is not mutated.
	InstallBuildPackages(names []string, listOnly bool) ([]string, error)

	// FetchStagePackages downloads the requested packages and their
	// dependencies, minus what the target base already provides.
	FetchStagePackages(opts FetchOptions) ([]string, error)

	// RefreshStagePackagesList primes the stage-package index cache
	RefreshStagePackagesList(cacheDir, targetArch string) error

	// UnpackStagePackages extracts every archive in stageDir into installDir,
	// tagging each file with its originating package.
	UnpackStagePackages(stageDir, installDir string) error

	// IsPackageInstalled reports whether a package is installed on the host
	IsPackageInstalled(name string) (bool, error)

	// InstalledPackages returns all installed packages as name=version
	InstalledPackages() ([]string, error)

	// RefreshPackagesList refreshes the package index as seen from the
	// current root. Used inside an overlay chroot.
	RefreshPackagesList() error

	// DownloadPackages downloads packages without installing them.
	// Used inside an overlay chroot.
	DownloadPackages(names []string) error

	// InstallPackages installs packages as seen from the current root.
	// Used inside an overlay chroot.
	InstallPackages(names []string) error
}

// FetchOptions control a stage-package fetch
type FetchOptions struct {
	Names      []string
	CacheDir   string
	StageDir   string
	Base       string
	TargetArch string
	ListOnly   bool
}

// SplitNameVersion splits a "name=version" spec. Version is empty when
// the spec carries no pin.
func SplitNameVersion(spec string) (name, version string) {
	if i := strings.IndexByte(spec, '='); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}

func sortedCopy(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
