package packages

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stagecraft/stagecraft/internal/log"
)

// CommandRunner executes host package-manager commands. Exit code 0 means
// success; any nonzero exit surfaces as an error to be wrapped by the
// caller into a typed repository error.
type CommandRunner interface {
	// Run executes a command, logging its combined output
	Run(env []string, name string, args ...string) error

	// Output executes a command and returns its stdout
	Output(env []string, name string, args ...string) ([]byte, error)
}

type execRunner struct {
	logger *logrus.Entry
}

// NewExecRunner returns a CommandRunner backed by os/exec
func NewExecRunner() CommandRunner {
	return &execRunner{logger: log.WithComponent("packages")}
}

func (r *execRunner) Run(env []string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)

	r.logger.Debugf("Executing: %s %s", name, strings.Join(args, " "))

	out, err := cmd.CombinedOutput()
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		r.logger.WithField("command", name).Debug(scanner.Text())
	}
	return err
}

func (r *execRunner) Output(env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)

	r.logger.Debugf("Executing: %s %s", name, strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		// Diagnostics land on stderr; carry them in the error so
		// callers can classify the failure.
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%v: %s", err, msg)
		}
	}
	return out, err
}

// nonInteractiveEnv suppresses all package-manager prompts
func nonInteractiveEnv() []string {
	return []string{
		"DEBIAN_FRONTEND=noninteractive",
		"DEBCONF_NONINTERACTIVE_SEEN=true",
		"DEBIAN_PRIORITY=critical",
	}
}
