package packages

// PackageDatabase resolves, marks and fetches distribution packages. The
// concrete implementation wraps the host package manager's database; it is
// a collaborator, not part of this engine. Dependency and version
// resolution is delegated to it entirely.
type PackageDatabase interface {
	// Open starts a session. Sessions are scoped resources wrapping one
	// batch of operations and must be closed.
	Open(opts SessionOptions) (DatabaseSession, error)
}

// SessionOptions select the database view a session operates on. An empty
// StageCacheDir means the host database.
type SessionOptions struct {
	StageCacheDir  string
	StageCacheArch string
}

// DatabaseSession is one open batch of database operations
type DatabaseSession interface {
	Close() error

	// MarkInstall marks the named packages and their transitive
	// dependencies for installation. Returns *PackageNotFoundError for a
	// name absent from the index.
	MarkInstall(names []string) error

	// Unmark removes packages from the marked set. Unmarked packages stay
	// visible to dependency resolution but are excluded from the fetch.
	Unmark(names []string) error

	// MarkedForInstall enumerates the packages currently marked
	MarkedForInstall() ([]MarkedPackage, error)

	// FetchArchives downloads every marked archive into downloadDir,
	// skipping archives already cached for the same name and version.
	// A hash-sum mismatch surfaces as *PackageFetchError with Mismatch set.
	FetchArchives(downloadDir string) ([]FetchedArchive, error)

	// InstalledVersion returns the installed version of a package, or an
	// empty string when not installed. With resolveVirtual, virtual
	// packages resolve to their provider.
	InstalledVersion(name string, resolveVirtual bool) (string, error)

	// InstalledPackages maps every installed package name to its version
	InstalledPackages() (map[string]string, error)
}

// MarkedPackage is one package resolved for installation
type MarkedPackage struct {
	Name    string
	Version string
}

// FetchedArchive is one downloaded package archive
type FetchedArchive struct {
	Name    string
	Version string
	Path    string
}
