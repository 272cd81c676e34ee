package packages

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stagecraft/stagecraft/internal/log"
)

// AptDatabase implements PackageDatabase on top of the apt command-line
// tools. Dependency and version resolution is delegated to apt itself.
type AptDatabase struct {
	runner CommandRunner
	logger *logrus.Entry
}

// NewAptDatabase returns a PackageDatabase backed by the host apt tools
func NewAptDatabase() *AptDatabase {
	return NewAptDatabaseWithRunner(NewExecRunner())
}

// NewAptDatabaseWithRunner allows injecting a command runner for tests
func NewAptDatabaseWithRunner(runner CommandRunner) *AptDatabase {
	return &AptDatabase{runner: runner, logger: log.WithComponent("apt")}
}

var _ PackageDatabase = (*AptDatabase)(nil)

func (d *AptDatabase) Open(opts SessionOptions) (DatabaseSession, error) {
	session := &aptSession{
		runner:   d.runner,
		logger:   d.logger,
		marked:   make(map[string]bool),
		unmarked: make(map[string]bool),
	}
	if opts.StageCacheDir != "" {
		session.configArgs = append(session.configArgs,
			"-o", "Dir::Cache="+filepath.Join(opts.StageCacheDir, "var", "cache", "apt"),
			"-o", "Dir::State="+filepath.Join(opts.StageCacheDir, "var", "lib", "apt"),
		)
	}
	if opts.StageCacheArch != "" {
		session.configArgs = append(session.configArgs,
			"-o", "APT::Architecture="+opts.StageCacheArch,
		)
	}
	return session, nil
}

type aptSession struct {
	runner     CommandRunner
	logger     *logrus.Entry
	configArgs []string
	marked     map[string]bool
	unmarked   map[string]bool
}

func (s *aptSession) Close() error {
	return nil
}

func (s *aptSession) MarkInstall(names []string) error {
	for _, spec := range names {
		name, _ := SplitNameVersion(spec)
		args := append(append([]string{}, s.configArgs...), "show", name)
		if _, err := s.runner.Output(nil, "apt-cache", args...); err != nil {
			return &PackageNotFoundError{Package: spec}
		}
		s.marked[spec] = true
	}
	return nil
}

func (s *aptSession) Unmark(names []string) error {
	for _, name := range names {
		s.unmarked[name] = true
	}
	return nil
}

// installArgs builds the package argument list for an apt-get install.
// Unmarked packages are appended with a trailing dash, which excludes
// them from the resolved set.
func (s *aptSession) installArgs() []string {
	args := make([]string, 0, len(s.marked)+len(s.unmarked))
	for _, spec := range sortedKeys(s.marked) {
		args = append(args, spec)
	}
	for _, name := range sortedKeys(s.unmarked) {
		if !s.marked[name] {
			args = append(args, name+"-")
		}
	}
	return args
}

func (s *aptSession) MarkedForInstall() ([]MarkedPackage, error) {
	args := append(append([]string{}, s.configArgs...),
		"--no-install-recommends", "-y", "--print-uris", "install")
	args = append(args, s.installArgs()...)

	out, err := s.runner.Output(nonInteractiveEnv(), "apt-get", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve marked packages: %v", err)
	}

	var marked []MarkedPackage
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		name, version, ok := parseURILine(scanner.Text())
		if !ok {
			continue
		}
		marked = append(marked, MarkedPackage{Name: name, Version: version})
	}
	return marked, nil
}

func (s *aptSession) FetchArchives(downloadDir string) ([]FetchedArchive, error) {
	marked, err := s.MarkedForInstall()
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, s.configArgs...),
		"-o", "Dir::Cache::Archives="+downloadDir,
		"--no-install-recommends", "-y", "--download-only", "install")
	args = append(args, s.installArgs()...)

	if out, err := s.runner.Output(nonInteractiveEnv(), "apt-get", args...); err != nil {
		pkg := "unknown"
		if len(marked) > 0 {
			pkg = marked[0].Name
		}
		// apt-get reports fetch failures on stderr, which the runner
		// folds into the error; progress output lands on stdout.
		if bytes.Contains(out, []byte("Hash Sum mismatch")) ||
			strings.Contains(err.Error(), "Hash Sum mismatch") {
			return nil, &PackageFetchError{Package: pkg, Mismatch: true, Cause: err}
		}
		return nil, &PackageFetchError{Package: pkg, Cause: err}
	}

	archives := make([]FetchedArchive, 0, len(marked))
	for _, pkg := range marked {
		matches, err := filepath.Glob(filepath.Join(downloadDir, archivePattern(pkg.Name, pkg.Version)))
		if err != nil || len(matches) == 0 {
			return nil, &PackageFetchError{Package: pkg.Name, Cause: err}
		}
		archives = append(archives, FetchedArchive{
			Name:    pkg.Name,
			Version: pkg.Version,
			Path:    matches[0],
		})
	}
	return archives, nil
}

func (s *aptSession) InstalledVersion(name string, resolveVirtual bool) (string, error) {
	out, err := s.runner.Output(nil, "dpkg-query", "--showformat=${db:Status-Status} ${Version}", "-W", name)
	if err == nil {
		fields := strings.Fields(strings.TrimSpace(string(out)))
		if len(fields) == 2 && fields[0] == "installed" {
			return fields[1], nil
		}
		return "", nil
	}

	if !resolveVirtual {
		return "", nil
	}

	args := append(append([]string{}, s.configArgs...), "showpkg", name)
	out, err = s.runner.Output(nil, "apt-cache", args...)
	if err != nil {
		return "", nil
	}
	if provider := parseReverseProvider(out); provider != "" {
		return s.InstalledVersion(provider, false)
	}
	return "", nil
}

func (s *aptSession) InstalledPackages() (map[string]string, error) {
	out, err := s.runner.Output(nil, "dpkg-query", "--showformat=${Package}=${Version}\n", "-W")
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %v", err)
	}

	installed := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		name, version := SplitNameVersion(strings.TrimSpace(scanner.Text()))
		if name != "" && version != "" {
			installed[name] = version
		}
	}
	return installed, nil
}

// parseURILine extracts the package name and version from one line of
// apt-get --print-uris output, of the form:
//
//	'http://host/pool/f/foo/foo_1.0-1_amd64.deb' foo_1.0-1_amd64.deb 1234 SHA256:...
func parseURILine(line string) (name, version string, ok bool) {
	if !strings.HasPrefix(line, "'") {
		return "", "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(fields[1], ".deb"), "_")
	if len(parts) != 3 {
		return "", "", false
	}
	version, err := url.QueryUnescape(parts[1])
	if err != nil {
		version = parts[1]
	}
	return parts[0], version, true
}

// archivePattern matches the file name apt gives a downloaded archive.
// The epoch colon is percent-encoded on disk and the architecture is
// left as a wildcard.
func archivePattern(name, version string) string {
	return name + "_" + strings.ReplaceAll(version, ":", "%3a") + "_*.deb"
}

func parseReverseProvider(out []byte) string {
	inProvides := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Reverse Provides:") {
			inProvides = true
			continue
		}
		if inProvides {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}
