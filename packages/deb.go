package packages

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stagecraft/stagecraft/internal/log"
)

const queryCacheCapacity = 256

var _ Repository = (*DebianRepository)(nil)

// DebianRepository implements Repository for Debian-family packages. It
// delegates dependency and version resolution to a PackageDatabase and
// shells out to the host package-manager CLI for everything else.
type DebianRepository struct {
	db      PackageDatabase
	runner  CommandRunner
	cache   *queryCache
	logger  *logrus.Entry
	appName string
}

// NewDebianRepository creates a repository backed by the given database
func NewDebianRepository(db PackageDatabase) *DebianRepository {
	return NewDebianRepositoryWithRunner(db, NewExecRunner())
}

// NewDebianRepositoryWithRunner creates a repository with a custom command
// runner, mainly for tests.
func NewDebianRepositoryWithRunner(db PackageDatabase, runner CommandRunner) *DebianRepository {
	return &DebianRepository{
		db:     db,
		runner: runner,
		cache:  newQueryCache(queryCacheCapacity),
		logger: log.WithComponent("packages"),
	}
}

// Configure records the application identity used for package operations
func (r *DebianRepository) Configure(appName string) error {
	r.appName = appName
	r.logger.Debugf("Configured package repository for %s", appName)
	return nil
}

// PackageLibraries returns the library files shipped by an installed
// package. Results are memoized since a build repeatedly queries the same
// packages.
func (r *DebianRepository) PackageLibraries(name string) ([]string, error) {
	key := "files:" + name
	if cached, ok := r.cache.get(key); ok {
		return cached.([]string), nil
	}

	out, err := r.runner.Output(nil, "dpkg", "-L", name)
	if err != nil {
		return nil, &UnpackError{Path: name, Cause: err}
	}

	var libs []string
	for _, line := range strings.Fields(string(out)) {
		if !strings.Contains(line, "lib") {
			continue
		}
		if info, err := os.Stat(line); err == nil && info.Mode().IsRegular() {
			libs = append(libs, line)
		}
	}
	sort.Strings(libs)

	r.cache.put(key, libs)
	return libs, nil
}

// FileProvider returns the name of the installed package owning path.
// Results are memoized; diversion lines in the query output are skipped.
func (r *DebianRepository) FileProvider(path string) (string, error) {
	key := "provider:" + path
	if cached, ok := r.cache.get(key); ok {
		return cached.(string), nil
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = string(filepath.Separator) + abs
	}

	out, err := r.runner.Output([]string{"LANG=C.UTF-8"}, "dpkg-query", "-S", abs)
	if err != nil {
		r.logger.Debugf("Error finding package for %s: %v", path, err)
		return "", &FileProviderNotFoundError{Path: path}
	}

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" || strings.HasPrefix(line, "diversion") {
			continue
		}
		provider := strings.TrimSpace(strings.SplitN(line, ":", 2)[0])
		if provider == "" {
			continue
		}
		r.cache.put(key, provider)
		return provider, nil
	}
	return "", &FileProviderNotFoundError{Path: path}
}

// PackagesForSourceType returns the packages needed to work with a source type
func (r *DebianRepository) PackagesForSourceType(sourceType string) []string {
	switch sourceType {
	case "bzr":
		return []string{"bzr"}
	case "git":
		return []string{"git"}
	case "tar":
		return []string{"tar"}
	case "hg", "mercurial":
		return []string{"mercurial"}
	case "svn", "subversion":
		return []string{"subversion"}
	case "rpm2cpio":
		return []string{"rpm2cpio"}
	case "7zip":
		return []string{"p7zip-full"}
	default:
		return nil
	}
}

// RefreshBuildPackagesList refreshes the host package index
func (r *DebianRepository) RefreshBuildPackagesList() error {
	if err := r.runner.Run(nil, "apt-get", "update"); err != nil {
		return &PackageListRefreshError{Cause: err}
	}
	return nil
}

// InstallBuildPackages installs the requested packages on the host and
// returns the full resolved set, sorted, as name=version strings. With
// listOnly the resolved set is returned without mutating the host.
func (r *DebianRepository) InstallBuildPackages(names []string, listOnly bool) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	requested := sortedCopy(names)
	r.logger.Debugf("Requested build-packages: %v", requested)

	installed, err := r.allPackagesInstalled(requested)
	if err != nil {
		return nil, err
	}

	// Refresh the index only when something actually needs installing
	if !installed && !listOnly {
		if err := r.RefreshBuildPackagesList(); err != nil {
			return nil, err
		}
	}

	marked, err := r.markedForInstallation(requested)
	if err != nil {
		return nil, err
	}

	resolved := make([]string, 0, len(marked))
	for _, pkg := range marked {
		resolved = append(resolved, pkg.Name+"="+pkg.Version)
	}
	sort.Strings(resolved)

	if listOnly {
		return resolved, nil
	}

	if installed {
		r.logger.Debugf("Requested build-packages already installed: %v", resolved)
		return resolved, nil
	}

	if err := r.installHostPackages(resolved, requested); err != nil {
		return nil, err
	}
	return resolved, nil
}

// allPackagesInstalled reports whether every requested package is
// installed, honoring pinned versions. Used to skip the index refresh and
// install when dependencies are already satisfied.
func (r *DebianRepository) allPackagesInstalled(names []string) (bool, error) {
	session, err := r.db.Open(SessionOptions{})
	if err != nil {
		return false, err
	}
	defer session.Close()

	for _, spec := range names {
		name, version := SplitNameVersion(spec)
		installedVersion, err := session.InstalledVersion(name, true)
		if err != nil {
			return false, err
		}
		if installedVersion == "" {
			return false, nil
		}
		if version != "" && installedVersion != version {
			return false, nil
		}
	}
	return true, nil
}

func (r *DebianRepository) markedForInstallation(names []string) ([]MarkedPackage, error) {
	session, err := r.db.Open(SessionOptions{})
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.MarkInstall(names); err != nil {
		if notFound, ok := err.(*PackageNotFoundError); ok {
			return nil, &BuildPackageNotFoundError{Package: notFound.Package}
		}
		return nil, err
	}
	return session.MarkedForInstall()
}

func (r *DebianRepository) installHostPackages(resolved, requested []string) error {
	r.logger.Debugf("Installing build dependencies: %s", strings.Join(resolved, " "))

	args := []string{
		"--no-install-recommends",
		"-y",
		"-oDpkg::Use-Pty=0",
		"--allow-downgrades",
		"install",
	}
	args = append(args, resolved...)

	if err := r.runner.Run(nonInteractiveEnv(), "apt-get", args...); err != nil {
		return &BuildPackagesNotInstalledError{Packages: resolved, Cause: err}
	}

	// Mark the originally requested names auto-installed so a later
	// garbage collection can remove them. Failure here must not fail
	// the install.
	autoArgs := []string{"auto"}
	for _, spec := range requested {
		name, _ := SplitNameVersion(spec)
		autoArgs = append(autoArgs, name)
	}
	if err := r.runner.Run(nonInteractiveEnv(), "apt-mark", autoArgs...); err != nil {
		r.logger.Warnf("Impossible to mark packages as auto-installed: %v", err)
	}
	return nil
}

// CacheDirs returns the stage index and archive download directories
// under cacheDir.
func CacheDirs(cacheDir string) (stageCacheDir, downloadDir string) {
	return filepath.Join(cacheDir, "stage-packages"), filepath.Join(cacheDir, "download")
}

// FetchStagePackages resolves the requested packages against the stage
// index, excludes what the target base image already provides, downloads
// each remaining archive into the cache and links it into the stage
// directory. Returns the sorted name=version set that was staged.
func (r *DebianRepository) FetchStagePackages(opts FetchOptions) ([]string, error) {
	r.logger.Debugf("Requested stage-packages: %v", sortedCopy(opts.Names))

	if len(opts.Names) == 0 {
		return nil, nil
	}

	filteredOut, err := filteredStagePackageNames(opts.Base, opts.Names)
	if err != nil {
		return nil, err
	}

	if !opts.ListOnly {
		if err := os.MkdirAll(opts.StageDir, 0755); err != nil {
			return nil, err
		}
	}

	stageCacheDir, downloadDir := CacheDirs(opts.CacheDir)
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, err
	}

	session, err := r.db.Open(SessionOptions{
		StageCacheDir:  stageCacheDir,
		StageCacheArch: opts.TargetArch,
	})
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.MarkInstall(opts.Names); err != nil {
		return nil, err
	}
	if err := session.Unmark(sortedKeys(filteredOut)); err != nil {
		return nil, err
	}

	staged := make(map[string]bool)

	if opts.ListOnly {
		marked, err := session.MarkedForInstall()
		if err != nil {
			return nil, err
		}
		for _, pkg := range marked {
			staged[pkg.Name+"="+pkg.Version] = true
		}
	} else {
		archives, err := session.FetchArchives(downloadDir)
		if err != nil {
			return nil, err
		}
		for _, archive := range archives {
			r.logger.Debugf("Staging package: %s", archive.Name)
			staged[archive.Name+"="+archive.Version] = true
			dst := filepath.Join(opts.StageDir, filepath.Base(archive.Path))
			if err := linkOrCopy(archive.Path, dst); err != nil {
				return nil, err
			}
		}
	}

	return sortedKeys(staged), nil
}

// RefreshStagePackagesList primes the stage index cache directories
func (r *DebianRepository) RefreshStagePackagesList(cacheDir, targetArch string) error {
	stageCacheDir, _ := CacheDirs(cacheDir)
	if err := os.MkdirAll(stageCacheDir, 0755); err != nil {
		return err
	}

	session, err := r.db.Open(SessionOptions{
		StageCacheDir:  stageCacheDir,
		StageCacheArch: targetArch,
	})
	if err != nil {
		return err
	}
	return session.Close()
}

// UnpackStagePackages extracts every archive in stageDir into installDir.
// Each extracted file is tagged with its package's name=version before
// being merged into the install tree, hardlinking when possible. One
// normalization pass runs at the end if any archive was processed.
func (r *DebianRepository) UnpackStagePackages(stageDir, installDir string) error {
	archives, err := filepath.Glob(filepath.Join(stageDir, "*.deb"))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(installDir, 0755); err != nil {
		return err
	}

	for _, archive := range archives {
		if err := r.unpackOne(archive, installDir); err != nil {
			return err
		}
	}

	if len(archives) > 0 {
		return normalize(installDir, r.logger)
	}
	return nil
}

func (r *DebianRepository) unpackOne(archive, installDir string) error {
	extractDir, err := os.MkdirTemp(filepath.Dir(installDir), "deb-extract")
	if err != nil {
		return err
	}
	defer os.RemoveAll(extractDir)

	r.logger.Debugf("Extracting stage package: %s", filepath.Base(archive))

	if err := r.runner.Run(nil, "dpkg-deb", "--extract", archive, extractDir); err != nil {
		return &UnpackError{Path: archive, Cause: err}
	}

	nameVersion, err := r.archiveNameVersion(archive)
	if err != nil {
		return err
	}

	if err := markOriginStagePackage(extractDir, nameVersion); err != nil {
		return err
	}
	return linkOrCopyTree(extractDir, installDir)
}

func (r *DebianRepository) archiveNameVersion(archive string) (string, error) {
	out, err := r.runner.Output(nil, "dpkg-deb",
		"--show", "--showformat=${Package}=${Version}", archive)
	if err != nil {
		return "", &UnpackError{Path: archive, Cause: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// IsPackageInstalled reports whether a package is installed on the host
func (r *DebianRepository) IsPackageInstalled(name string) (bool, error) {
	session, err := r.db.Open(SessionOptions{})
	if err != nil {
		return false, err
	}
	defer session.Close()

	version, err := session.InstalledVersion(name, false)
	if err != nil {
		return false, err
	}
	return version != "", nil
}

// InstalledPackages returns all installed packages as sorted name=version
func (r *DebianRepository) InstalledPackages() ([]string, error) {
	session, err := r.db.Open(SessionOptions{})
	if err != nil {
		return nil, err
	}
	defer session.Close()

	installed, err := session.InstalledPackages()
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(installed))
	for name, version := range installed {
		out = append(out, fmt.Sprintf("%s=%s", name, version))
	}
	sort.Strings(out)
	return out, nil
}

// RefreshPackagesList refreshes the index as seen from the current root
func (r *DebianRepository) RefreshPackagesList() error {
	if err := r.runner.Run(nonInteractiveEnv(), "apt-get", "update"); err != nil {
		return &PackageListRefreshError{Cause: err}
	}
	return nil
}

// DownloadPackages downloads packages without installing them, as seen
// from the current root.
func (r *DebianRepository) DownloadPackages(names []string) error {
	args := append([]string{"install", "-y", "--download-only"}, sortedCopy(names)...)
	if err := r.runner.Run(nonInteractiveEnv(), "apt-get", args...); err != nil {
		return &PackageFetchError{Package: strings.Join(names, " "), Cause: err}
	}
	return nil
}

// InstallPackages installs packages as seen from the current root
func (r *DebianRepository) InstallPackages(names []string) error {
	args := append([]string{
		"--no-install-recommends",
		"-y",
		"-oDpkg::Use-Pty=0",
		"install",
	}, sortedCopy(names)...)
	if err := r.runner.Run(nonInteractiveEnv(), "apt-get", args...); err != nil {
		return &BuildPackagesNotInstalledError{Packages: names, Cause: err}
	}
	return nil
}
