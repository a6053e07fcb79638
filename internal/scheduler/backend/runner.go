package backend

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandRunner invokes one external CLI command and captures its output.
// It exists so tests can substitute a fake batch-system CLI.
type CommandRunner interface {
	// Run executes name with args, feeding input (may be empty) to stdin.
	// A non-zero exit is returned as an error with stderr preserved.
	Run(ctx context.Context, input string, name string, args ...string) (stdout string, stderr string, err error)
}

type execRunner struct{}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner {
	return &execRunner{}
}

func (r *execRunner) Run(ctx context.Context, input string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithField("command", name).WithField("args", strings.Join(args, " ")).Debug("invoking backend CLI")
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
