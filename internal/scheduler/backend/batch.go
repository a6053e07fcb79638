package backend

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

const (
	statusRetryAttempts = 3
	statusRetryDelay    = 250 * time.Millisecond
)

// remoteHandle identifies a run owned by an external batch system.
type remoteHandle struct {
	jobID      string
	remoteID   string
	runID      uuid.UUID
	scriptPath string
}

func (h *remoteHandle) JobID() string    { return h.jobID }
func (h *remoteHandle) RemoteID() string { return h.remoteID }

// scriptData is the input to every backend's submission-script template.
type scriptData struct {
	Name         string
	Queue        string
	Nodes        int
	CoresPerNode int
	Cores        int
	MemoryMB     int64
	WallTime     string
	Directives   []string
	WorkingDir   string
	Command      string
}

func newScriptData(spec LaunchSpec) scriptData {
	data := scriptData{
		Name:       spec.JobID,
		Cores:      spec.Cores,
		MemoryMB:   spec.MemoryMB,
		WorkingDir: spec.WorkingDir,
		Command:    shellJoin(spec.Command),
	}
	if opts := spec.Options; opts != nil {
		data.Queue = opts.Queue
		data.Nodes = opts.Nodes
		data.CoresPerNode = opts.CoresPerNode
		data.Directives = opts.Directives
		if opts.WallTime > 0 {
			data.WallTime = formatWallTime(opts.WallTime)
		}
	}
	return data
}

// renderScript renders the submission artifact for one job.
func renderScript(tmpl *template.Template, spec LaunchSpec) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, newScriptData(spec)); err != nil {
		return "", errors.Wrap(err, "rendering submission script")
	}
	return sb.String(), nil
}

// writeScript persists the rendered artifact so the backend CLI can read it
// and operators can inspect what was submitted.
func writeScript(spec LaunchSpec, content, ext string) (string, error) {
	dir := spec.WorkingDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("%s-*.%s", spec.JobID, ext))
	if err != nil {
		return "", errors.Wrap(err, "creating submission script")
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", errors.Wrap(err, "writing submission script")
	}
	if err := f.Chmod(0o755); err != nil {
		return "", errors.Wrap(err, "marking submission script executable")
	}
	return f.Name(), nil
}

// submit invokes the backend submission CLI once and extracts the remote id.
// Failure to invoke or to recognise the output is an ErrSubmissionFailed;
// submissions are never retried.
func submit(ctx context.Context, runner CommandRunner, kind domain.BackendKind, idPattern *regexp.Regexp, input, name string, args ...string) (string, error) {
	stdout, stderr, err := runner.Run(ctx, input, name, args...)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return "", &schedulererrors.ErrSubmissionFailed{Backend: string(kind), Message: msg}
	}
	match := idPattern.FindStringSubmatch(stdout)
	if len(match) < 2 {
		return "", &schedulererrors.ErrSubmissionFailed{
			Backend: string(kind),
			Message: fmt.Sprintf("could not extract a job id from submission output %q", strings.TrimSpace(stdout)),
		}
	}
	return match[1], nil
}

// runStatusCommand queries a backend status CLI, retrying transient failures.
// Poll failures are retried (unlike submissions) because batch-system status
// commands intermittently fail under load.
func runStatusCommand(ctx context.Context, runner CommandRunner, name string, args ...string) (string, error) {
	var stdout string
	err := retry.Do(
		func() error {
			var err error
			stdout, _, err = runner.Run(ctx, "", name, args...)
			return err
		},
		retry.Attempts(statusRetryAttempts),
		retry.Delay(statusRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return stdout, err
}

// formatWallTime renders a duration in the HH:MM:SS form shared by the
// SLURM, LSF and PBS directives.
func formatWallTime(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// shellJoin quotes arguments containing whitespace so the rendered script
// re-invokes the command faithfully.
func shellJoin(command []string) string {
	quoted := make([]string, len(command))
	for i, arg := range command {
		if strings.ContainsAny(arg, " \t\"'") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		} else {
			quoted[i] = arg
		}
	}
	return strings.Join(quoted, " ")
}
