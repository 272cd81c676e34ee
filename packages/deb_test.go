package packages

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
)

// fakeSession records database calls and serves canned answers
type fakeSession struct {
	installed map[string]string // name -> version
	marked    []MarkedPackage
	archives  []FetchedArchive

	markErr  error
	fetchErr error

	markedNames   []string
	unmarkedNames []string
	fetchDirs     []string
	closed        int
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func (s *fakeSession) MarkInstall(names []string) error {
	s.markedNames = append(s.markedNames, names...)
	return s.markErr
}

func (s *fakeSession) Unmark(names []string) error {
	s.unmarkedNames = append(s.unmarkedNames, names...)
	return nil
}

func (s *fakeSession) MarkedForInstall() ([]MarkedPackage, error) {
	return s.marked, nil
}

func (s *fakeSession) FetchArchives(downloadDir string) ([]FetchedArchive, error) {
	s.fetchDirs = append(s.fetchDirs, downloadDir)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.archives, nil
}

func (s *fakeSession) InstalledVersion(name string, resolveVirtual bool) (string, error) {
	return s.installed[name], nil
}

func (s *fakeSession) InstalledPackages() (map[string]string, error) {
	return s.installed, nil
}

type fakeDatabase struct {
	session *fakeSession
	opts    []SessionOptions
}

func (db *fakeDatabase) Open(opts SessionOptions) (DatabaseSession, error) {
	db.opts = append(db.opts, opts)
	return db.session, nil
}

// fakeRunner records commands and can fail selected ones
type fakeRunner struct {
	commands [][]string
	failOn   string
	// onRun lets a test materialize extraction side effects
	onRun   func(args []string) error
	outputs map[string]string
}

func (r *fakeRunner) record(name string, args []string) []string {
	argv := append([]string{name}, args...)
	r.commands = append(r.commands, argv)
	return argv
}

func (r *fakeRunner) Run(env []string, name string, args ...string) error {
	argv := r.record(name, args)
	if r.failOn != "" && strings.Contains(strings.Join(argv, " "), r.failOn) {
		return errors.New("exit status 100")
	}
	if r.onRun != nil {
		return r.onRun(argv)
	}
	return nil
}

func (r *fakeRunner) Output(env []string, name string, args ...string) ([]byte, error) {
	argv := r.record(name, args)
	joined := strings.Join(argv, " ")
	if r.failOn != "" && strings.Contains(joined, r.failOn) {
		return nil, errors.New("exit status 1")
	}
	for key, out := range r.outputs {
		if strings.Contains(joined, key) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (r *fakeRunner) commandLines() []string {
	lines := make([]string, len(r.commands))
	for i, argv := range r.commands {
		lines[i] = strings.Join(argv, " ")
	}
	return lines
}

func newTestRepository(session *fakeSession, runner *fakeRunner) (*DebianRepository, *fakeDatabase) {
	db := &fakeDatabase{session: session}
	return NewDebianRepositoryWithRunner(db, runner), db
}

func TestInstallBuildPackages(t *testing.T) {
	session := &fakeSession{
		installed: map[string]string{"package-installed": "1.0"},
		marked: []MarkedPackage{
			{Name: "package", Version: "1.0"},
			{Name: "package-installed", Version: "1.0"},
			{Name: "versioned-package", Version: "2.0"},
			{Name: "dependency-package", Version: "1.0"},
		},
	}
	runner := &fakeRunner{}
	repo, _ := newTestRepository(session, runner)

	resolved, err := repo.InstallBuildPackages(
		[]string{"package-installed", "package", "versioned-package=2.0"}, false)
	if err != nil {
		t.Fatalf("InstallBuildPackages failed: %v", err)
	}

	want := []string{
		"dependency-package=1.0",
		"package=1.0",
		"package-installed=1.0",
		"versioned-package=2.0",
	}
	if !reflect.DeepEqual(resolved, want) {
		t.Errorf("Expected %v, got %v", want, resolved)
	}

	lines := runner.commandLines()
	if len(lines) != 3 {
		t.Fatalf("Expected 3 commands (update, install, apt-mark), got %v", lines)
	}
	if lines[0] != "apt-get update" {
		t.Errorf("Expected index refresh first, got %q", lines[0])
	}
	wantInstall := "apt-get --no-install-recommends -y -oDpkg::Use-Pty=0 --allow-downgrades install " +
		"dependency-package=1.0 package=1.0 package-installed=1.0 versioned-package=2.0"
	if lines[1] != wantInstall {
		t.Errorf("Expected install command %q, got %q", wantInstall, lines[1])
	}
	wantMark := "apt-mark auto package package-installed versioned-package"
	if lines[2] != wantMark {
		t.Errorf("Expected auto-mark command %q, got %q", wantMark, lines[2])
	}
}

func TestInstallBuildPackagesEmptyList(t *testing.T) {
	runner := &fakeRunner{}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	resolved, err := repo.InstallBuildPackages(nil, false)
	if err != nil {
		t.Fatalf("InstallBuildPackages failed: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("Expected empty result, got %v", resolved)
	}
	if len(runner.commands) != 0 {
		t.Errorf("Expected no commands, got %v", runner.commandLines())
	}
}

func TestInstallBuildPackagesAlreadyInstalled(t *testing.T) {
	session := &fakeSession{
		installed: map[string]string{"package-installed": "1.0"},
		marked:    []MarkedPackage{{Name: "package-installed", Version: "1.0"}},
	}
	runner := &fakeRunner{}
	repo, _ := newTestRepository(session, runner)

	resolved, err := repo.InstallBuildPackages([]string{"package-installed=1.0"}, false)
	if err != nil {
		t.Fatalf("InstallBuildPackages failed: %v", err)
	}
	if !reflect.DeepEqual(resolved, []string{"package-installed=1.0"}) {
		t.Errorf("Unexpected resolved set: %v", resolved)
	}
	if len(runner.commands) != 0 {
		t.Errorf("Expected no commands for satisfied install, got %v", runner.commandLines())
	}
}

func TestInstallBuildPackagesVersionMismatchTriggersInstall(t *testing.T) {
	session := &fakeSession{
		installed: map[string]string{"package-installed": "1.0"},
		marked:    []MarkedPackage{{Name: "package-installed", Version: "3.0"}},
	}
	runner := &fakeRunner{}
	repo, _ := newTestRepository(session, runner)

	resolved, err := repo.InstallBuildPackages([]string{"package-installed=3.0"}, false)
	if err != nil {
		t.Fatalf("InstallBuildPackages failed: %v", err)
	}
	if !reflect.DeepEqual(resolved, []string{"package-installed=3.0"}) {
		t.Errorf("Unexpected resolved set: %v", resolved)
	}
	if len(runner.commands) != 3 {
		t.Errorf("Expected refresh+install+mark, got %v", runner.commandLines())
	}
}

func TestInstallBuildPackagesListOnly(t *testing.T) {
	session := &fakeSession{
		marked: []MarkedPackage{
			{Name: "package", Version: "1.0"},
			{Name: "dependency-package", Version: "1.0"},
		},
	}
	runner := &fakeRunner{}
	repo, _ := newTestRepository(session, runner)

	resolved, err := repo.InstallBuildPackages([]string{"package"}, true)
	if err != nil {
		t.Fatalf("InstallBuildPackages failed: %v", err)
	}

	want := []string{"dependency-package=1.0", "package=1.0"}
	if !reflect.DeepEqual(resolved, want) {
		t.Errorf("Expected %v, got %v", want, resolved)
	}
	if len(runner.commands) != 0 {
		t.Errorf("Expected zero host mutation in list-only mode, got %v", runner.commandLines())
	}
}

func TestInstallBuildPackagesNotFound(t *testing.T) {
	session := &fakeSession{
		markErr: &PackageNotFoundError{Package: "package-invalid"},
	}
	repo, _ := newTestRepository(session, &fakeRunner{})

	_, err := repo.InstallBuildPackages([]string{"package-invalid"}, false)
	var notFound *BuildPackageNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected BuildPackageNotFoundError, got %v", err)
	}
	if notFound.Package != "package-invalid" {
		t.Errorf("Expected package-invalid, got %s", notFound.Package)
	}
}

func TestInstallBuildPackagesInstallFails(t *testing.T) {
	session := &fakeSession{
		marked: []MarkedPackage{{Name: "package", Version: "1.0"}},
	}
	runner := &fakeRunner{failOn: "install"}
	repo, _ := newTestRepository(session, runner)

	_, err := repo.InstallBuildPackages([]string{"package=1.0"}, false)
	var notInstalled *BuildPackagesNotInstalledError
	if !errors.As(err, &notInstalled) {
		t.Fatalf("Expected BuildPackagesNotInstalledError, got %v", err)
	}
	if !reflect.DeepEqual(notInstalled.Packages, []string{"package=1.0"}) {
		t.Errorf("Unexpected packages in error: %v", notInstalled.Packages)
	}
}

func TestInstallBuildPackagesAutoMarkFailureIsNonFatal(t *testing.T) {
	session := &fakeSession{
		marked: []MarkedPackage{{Name: "package", Version: "1.0"}},
	}
	runner := &fakeRunner{failOn: "apt-mark"}
	repo, _ := newTestRepository(session, runner)

	if _, err := repo.InstallBuildPackages([]string{"package"}, false); err != nil {
		t.Errorf("Expected auto-mark failure to be non-fatal, got %v", err)
	}
}

func TestRefreshBuildPackagesListFails(t *testing.T) {
	runner := &fakeRunner{failOn: "update"}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	err := repo.RefreshBuildPackagesList()
	var refreshErr *PackageListRefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("Expected PackageListRefreshError, got %v", err)
	}
}

func TestFetchStagePackages(t *testing.T) {
	tempDir := t.TempDir()
	cacheDir := filepath.Join(tempDir, "cache")
	stageDir := filepath.Join(tempDir, "stage")

	_, downloadDir := CacheDirs(cacheDir)
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		t.Fatalf("Failed to create download dir: %v", err)
	}
	archive := filepath.Join(downloadDir, "fake-package_1.0_all.deb")
	if err := os.WriteFile(archive, []byte("deb"), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	session := &fakeSession{
		archives: []FetchedArchive{{Name: "fake-package", Version: "1.0", Path: archive}},
	}
	repo, db := newTestRepository(session, &fakeRunner{})

	staged, err := repo.FetchStagePackages(FetchOptions{
		Names:      []string{"fake-package"},
		CacheDir:   cacheDir,
		StageDir:   stageDir,
		Base:       "core",
		TargetArch: "amd64",
	})
	if err != nil {
		t.Fatalf("FetchStagePackages failed: %v", err)
	}

	if !reflect.DeepEqual(staged, []string{"fake-package=1.0"}) {
		t.Errorf("Expected [fake-package=1.0], got %v", staged)
	}

	if _, err := os.Stat(filepath.Join(stageDir, "fake-package_1.0_all.deb")); err != nil {
		t.Errorf("Expected archive linked into stage dir: %v", err)
	}

	stageCacheDir, _ := CacheDirs(cacheDir)
	wantOpts := SessionOptions{StageCacheDir: stageCacheDir, StageCacheArch: "amd64"}
	if len(db.opts) != 1 || db.opts[0] != wantOpts {
		t.Errorf("Expected session options %+v, got %+v", wantOpts, db.opts)
	}

	if !reflect.DeepEqual(session.markedNames, []string{"fake-package"}) {
		t.Errorf("Unexpected marked names: %v", session.markedNames)
	}

	// The requested package is never filtered out, even on a legacy base
	for _, name := range session.unmarkedNames {
		if name == "fake-package" {
			t.Error("Requested package must not be unmarked")
		}
	}
	if len(session.unmarkedNames) != len(legacyBaseManifest) {
		t.Errorf("Expected full legacy manifest unmarked, got %d names", len(session.unmarkedNames))
	}
	if session.closed != 1 {
		t.Errorf("Expected session closed once, closed %d times", session.closed)
	}
}

func TestFetchStagePackagesWithDeps(t *testing.T) {
	tempDir := t.TempDir()
	_, downloadDir := CacheDirs(tempDir)
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		t.Fatalf("Failed to create download dir: %v", err)
	}

	var archives []FetchedArchive
	for _, nv := range [][2]string{{"fake-package", "1.0"}, {"fake-package-dep", "2.0"}} {
		path := filepath.Join(downloadDir, fmt.Sprintf("%s_%s_all.deb", nv[0], nv[1]))
		if err := os.WriteFile(path, []byte("deb"), 0644); err != nil {
			t.Fatalf("Failed to write archive: %v", err)
		}
		archives = append(archives, FetchedArchive{Name: nv[0], Version: nv[1], Path: path})
	}

	session := &fakeSession{archives: archives}
	repo, _ := newTestRepository(session, &fakeRunner{})

	staged, err := repo.FetchStagePackages(FetchOptions{
		Names:      []string{"fake-package"},
		CacheDir:   tempDir,
		StageDir:   filepath.Join(tempDir, "stage"),
		Base:       "core",
		TargetArch: "amd64",
	})
	if err != nil {
		t.Fatalf("FetchStagePackages failed: %v", err)
	}

	want := []string{"fake-package-dep=2.0", "fake-package=1.0"}
	sort.Strings(want)
	if !reflect.DeepEqual(staged, want) {
		t.Errorf("Expected %v, got %v", want, staged)
	}
}

func TestFetchStagePackagesEmptyList(t *testing.T) {
	repo, db := newTestRepository(&fakeSession{}, &fakeRunner{})

	staged, err := repo.FetchStagePackages(FetchOptions{Base: "core", TargetArch: "amd64"})
	if err != nil {
		t.Fatalf("FetchStagePackages failed: %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("Expected empty result, got %v", staged)
	}
	if len(db.opts) != 0 {
		t.Error("Expected no database session for empty request")
	}
}

func TestFetchStagePackagesListOnly(t *testing.T) {
	session := &fakeSession{
		marked: []MarkedPackage{
			{Name: "fake-package", Version: "1.0"},
			{Name: "fake-package-dep", Version: "2.0"},
		},
	}
	repo, _ := newTestRepository(session, &fakeRunner{})

	tempDir := t.TempDir()
	stageDir := filepath.Join(tempDir, "stage")
	staged, err := repo.FetchStagePackages(FetchOptions{
		Names:      []string{"fake-package"},
		CacheDir:   tempDir,
		StageDir:   stageDir,
		Base:       "core",
		TargetArch: "amd64",
		ListOnly:   true,
	})
	if err != nil {
		t.Fatalf("FetchStagePackages failed: %v", err)
	}

	want := []string{"fake-package-dep=2.0", "fake-package=1.0"}
	sort.Strings(want)
	if !reflect.DeepEqual(staged, want) {
		t.Errorf("Expected %v, got %v", want, staged)
	}
	if len(session.fetchDirs) != 0 {
		t.Error("Expected no archive fetch in list-only mode")
	}
	if _, err := os.Stat(stageDir); !os.IsNotExist(err) {
		t.Error("Expected stage dir to not be created in list-only mode")
	}
}

func TestFetchStagePackagesHashMismatchSurfaces(t *testing.T) {
	session := &fakeSession{
		fetchErr: &PackageFetchError{Package: "fake-package", Mismatch: true,
			Cause: errors.New("Hash Sum mismatch")},
	}
	repo, _ := newTestRepository(session, &fakeRunner{})

	tempDir := t.TempDir()
	_, err := repo.FetchStagePackages(FetchOptions{
		Names:      []string{"fake-package"},
		CacheDir:   tempDir,
		StageDir:   filepath.Join(tempDir, "stage"),
		Base:       "core",
		TargetArch: "amd64",
	})

	var fetchErr *PackageFetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Mismatch {
		t.Fatalf("Expected hash-mismatch PackageFetchError, got %v", err)
	}
	// No internal retry: exactly one fetch attempt
	if len(session.fetchDirs) != 1 {
		t.Errorf("Expected a single fetch attempt, got %d", len(session.fetchDirs))
	}
}

func TestUnpackStagePackages(t *testing.T) {
	tempDir := t.TempDir()
	stageDir := filepath.Join(tempDir, "stage")
	installDir := filepath.Join(tempDir, "install")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		t.Fatalf("Failed to create stage dir: %v", err)
	}
	archive := filepath.Join(stageDir, "fake-package_1.0_all.deb")
	if err := os.WriteFile(archive, []byte("deb"), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	runner := &fakeRunner{
		outputs: map[string]string{"--show": "fake-package=1.0"},
		onRun: func(argv []string) error {
			if argv[1] != "--extract" {
				return nil
			}
			extractDir := argv[3]
			if err := os.MkdirAll(filepath.Join(extractDir, "usr", "bin"), 0755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(extractDir, "usr", "bin", "fake"), []byte("#!/bin/sh\n"), 0755)
		},
	}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	if err := repo.UnpackStagePackages(stageDir, installDir); err != nil {
		t.Fatalf("UnpackStagePackages failed: %v", err)
	}

	staged := filepath.Join(installDir, "usr", "bin", "fake")
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("Expected extracted file in install tree: %v", err)
	}

	// Provenance tag is present wherever the filesystem supports xattrs
	if origin, err := OriginStagePackage(staged); err == nil && origin != "" {
		if origin != "fake-package=1.0" {
			t.Errorf("Expected origin fake-package=1.0, got %q", origin)
		}
	}
}

func TestUnpackStagePackagesNoArchives(t *testing.T) {
	tempDir := t.TempDir()
	stageDir := filepath.Join(tempDir, "stage")
	installDir := filepath.Join(tempDir, "install")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		t.Fatalf("Failed to create stage dir: %v", err)
	}

	runner := &fakeRunner{}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	if err := repo.UnpackStagePackages(stageDir, installDir); err != nil {
		t.Fatalf("UnpackStagePackages failed: %v", err)
	}
	if len(runner.commands) != 0 {
		t.Errorf("Expected no commands without archives, got %v", runner.commandLines())
	}
}

func TestUnpackStagePackagesExtractFails(t *testing.T) {
	tempDir := t.TempDir()
	stageDir := filepath.Join(tempDir, "stage")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		t.Fatalf("Failed to create stage dir: %v", err)
	}
	archive := filepath.Join(stageDir, "broken_1.0_all.deb")
	if err := os.WriteFile(archive, []byte("deb"), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	runner := &fakeRunner{failOn: "--extract"}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	err := repo.UnpackStagePackages(stageDir, filepath.Join(tempDir, "install"))
	var unpackErr *UnpackError
	if !errors.As(err, &unpackErr) {
		t.Fatalf("Expected UnpackError, got %v", err)
	}
	if unpackErr.Path != archive {
		t.Errorf("Expected error to name %s, got %s", archive, unpackErr.Path)
	}
}

func TestPackagesForSourceType(t *testing.T) {
	repo, _ := newTestRepository(&fakeSession{}, &fakeRunner{})

	cases := []struct {
		sourceType string
		want       []string
	}{
		{"bzr", []string{"bzr"}},
		{"git", []string{"git"}},
		{"tar", []string{"tar"}},
		{"hg", []string{"mercurial"}},
		{"mercurial", []string{"mercurial"}},
		{"svn", []string{"subversion"}},
		{"subversion", []string{"subversion"}},
		{"rpm2cpio", []string{"rpm2cpio"}},
		{"7zip", []string{"p7zip-full"}},
		{"zip", nil},
	}
	for _, tc := range cases {
		got := repo.PackagesForSourceType(tc.sourceType)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("PackagesForSourceType(%q) = %v, want %v", tc.sourceType, got, tc.want)
		}
	}
}

func TestFileProviderNotFound(t *testing.T) {
	runner := &fakeRunner{failOn: "dpkg-query"}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	_, err := repo.FileProvider("/no/such/file")
	var notFound *FileProviderNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected FileProviderNotFoundError, got %v", err)
	}
}

func TestFileProviderSkipsDiversions(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{
			"dpkg-query": "diversion by dash from: /bin/sh\ndiversion by dash to: /bin/sh.distrib\ndash: /bin/sh\n",
		},
	}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	provider, err := repo.FileProvider("/bin/sh")
	if err != nil {
		t.Fatalf("FileProvider failed: %v", err)
	}
	if provider != "dash" {
		t.Errorf("Expected dash, got %q", provider)
	}
}

func TestFileProviderEmptyOutput(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"dpkg-query": "\n"},
	}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	for i := 0; i < 2; i++ {
		_, err := repo.FileProvider("/no/such/file")
		var notFound *FileProviderNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("Expected FileProviderNotFoundError for empty output, got %v", err)
		}
	}
	if len(runner.commands) != 2 {
		t.Errorf("Expected empty result not to be memoized, got %d queries", len(runner.commands))
	}
}

func TestFileProviderIsMemoized(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"dpkg-query": "bash: /bin/bash\n"},
	}
	repo, _ := newTestRepository(&fakeSession{}, runner)

	for i := 0; i < 3; i++ {
		if _, err := repo.FileProvider("/bin/bash"); err != nil {
			t.Fatalf("FileProvider failed: %v", err)
		}
	}
	if len(runner.commands) != 1 {
		t.Errorf("Expected one query for repeated lookups, got %d", len(runner.commands))
	}
}

func TestIsPackageInstalled(t *testing.T) {
	session := &fakeSession{installed: map[string]string{"bash": "5.0"}}
	repo, _ := newTestRepository(session, &fakeRunner{})

	installed, err := repo.IsPackageInstalled("bash")
	if err != nil {
		t.Fatalf("IsPackageInstalled failed: %v", err)
	}
	if !installed {
		t.Error("Expected bash to be installed")
	}

	installed, err = repo.IsPackageInstalled("missing")
	if err != nil {
		t.Fatalf("IsPackageInstalled failed: %v", err)
	}
	if installed {
		t.Error("Expected missing to not be installed")
	}
}

func TestInstalledPackages(t *testing.T) {
	session := &fakeSession{installed: map[string]string{"zsh": "5.8", "bash": "5.0"}}
	repo, _ := newTestRepository(session, &fakeRunner{})

	got, err := repo.InstalledPackages()
	if err != nil {
		t.Fatalf("InstalledPackages failed: %v", err)
	}
	want := []string{"bash=5.0", "zsh=5.8"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
