package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

// maxCaptureBytes bounds how much stdout/stderr is retained per run.
const maxCaptureBytes = 64 * 1024

// LocalBackend executes jobs as subprocesses of the manager.
type LocalBackend struct{}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Kind() domain.BackendKind {
	return domain.BackendLocal
}

type localHandle struct {
	jobID    string
	runID    uuid.UUID
	cmd      *exec.Cmd
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	done     chan struct{}
	waitErr  error
	timedOut bool
	stopWall func()
}

func (h *localHandle) JobID() string    { return h.jobID }
func (h *localHandle) RemoteID() string { return "" }

// Launch spawns the subprocess and returns as soon as it has started. A
// non-zero wall-time arms a deadline after which the process is killed and
// the run reported as timed out.
func (b *LocalBackend) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	wallCtx := context.Background()
	stopWall := func() {}
	deadlineExceeded := func() bool { return false }
	if spec.WallTime > 0 {
		var cancel context.CancelFunc
		wallCtx, cancel = context.WithTimeout(context.Background(), spec.WallTime)
		stopWall = cancel
		deadlineExceeded = func() bool { return errors.Is(wallCtx.Err(), context.DeadlineExceeded) }
	}

	command := spec.Command
	cmd := exec.CommandContext(wallCtx, command[0], command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stopWall()
		return nil, &schedulererrors.ErrSubmissionFailed{
			Backend: string(domain.BackendLocal),
			Message: err.Error(),
		}
	}

	h := &localHandle{
		jobID:    spec.JobID,
		runID:    uuid.New(),
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		done:     make(chan struct{}),
		stopWall: stopWall,
	}
	go func() {
		defer stopWall()
		h.waitErr = cmd.Wait()
		h.timedOut = deadlineExceeded()
		close(h.done)
	}()
	return h, nil
}

// Poll reports subprocess liveness without blocking.
func (b *LocalBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*localHandle)
	if !ok {
		return Status{}, errors.Errorf("handle %T does not belong to the local backend", handle)
	}
	select {
	case <-h.done:
	default:
		return Status{State: RunStateRunning}, nil
	}

	status := Status{
		Output: truncate(h.stdout.String()),
		Error:  truncate(h.stderr.String()),
	}
	if h.timedOut {
		status.State = RunStateFailed
		status.TimedOut = true
		if status.Error == "" {
			status.Error = "process killed after exceeding its wall-time"
		}
		if h.cmd.ProcessState != nil {
			code := h.cmd.ProcessState.ExitCode()
			status.ExitCode = &code
		}
		return status, nil
	}
	code := 0
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	status.ExitCode = &code
	if code == 0 && h.waitErr == nil {
		status.State = RunStateCompleted
	} else {
		status.State = RunStateFailed
		if status.Error == "" && h.waitErr != nil {
			status.Error = h.waitErr.Error()
		}
		if status.Error == "" {
			status.Error = fmt.Sprintf("process exited with code %d", code)
		}
	}
	return status, nil
}

// Cancel signals the process to terminate gracefully and force-kills it once
// gracePeriod has elapsed.
func (b *LocalBackend) Cancel(ctx context.Context, handle Handle, gracePeriod time.Duration) error {
	h, ok := handle.(*localHandle)
	if !ok {
		return errors.Errorf("handle %T does not belong to the local backend", handle)
	}
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := signalGraceful(h.cmd.Process); err != nil {
		// Process may have exited between the check and the signal.
		select {
		case <-h.done:
			return nil
		default:
			return errors.Wrapf(err, "signalling job %s", h.jobID)
		}
	}

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "killing job %s", h.jobID)
	}
	<-h.done
	return nil
}

// Partitions reports the local host as a single pseudo partition.
func (b *LocalBackend) Partitions(ctx context.Context) ([]Partition, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return []Partition{{
		Name:         hostname,
		State:        "up",
		Nodes:        1,
		CoresPerNode: runtime.NumCPU(),
	}}, nil
}

func truncate(s string) string {
	if len(s) <= maxCaptureBytes {
		return s
	}
	return s[:maxCaptureBytes] + "... (truncated)"
}
