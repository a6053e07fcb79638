package backend

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// SlurmBackend submits jobs through sbatch and tracks them with squeue/sacct.
type SlurmBackend struct {
	runner CommandRunner
}

func NewSlurmBackend(runner CommandRunner) *SlurmBackend {
	return &SlurmBackend{runner: runner}
}

func (b *SlurmBackend) Kind() domain.BackendKind {
	return domain.BackendSLURM
}

var slurmScriptTemplate = template.Must(template.New("sbatch").Parse(`#!/bin/bash
#SBATCH --job-name={{.Name}}
{{- if .Queue}}
#SBATCH --partition={{.Queue}}
{{- end}}
{{- if .Nodes}}
#SBATCH --nodes={{.Nodes}}
{{- end}}
{{- if .CoresPerNode}}
#SBATCH --ntasks-per-node={{.CoresPerNode}}
{{- end}}
{{- if .MemoryMB}}
#SBATCH --mem={{.MemoryMB}}M
{{- end}}
{{- if .WallTime}}
#SBATCH --time={{.WallTime}}
{{- end}}
{{- range .Directives}}
#SBATCH {{.}}
{{- end}}
{{- if .WorkingDir}}
cd {{.WorkingDir}}
{{- end}}
{{.Command}}
`))

var slurmSubmitPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// slurmStates maps squeue/sacct vocabulary onto run states.
var slurmStates = map[string]RunState{
	"PENDING":       RunStatePending,
	"CONFIGURING":   RunStatePending,
	"SUSPENDED":     RunStatePending,
	"RUNNING":       RunStateRunning,
	"COMPLETING":    RunStateRunning,
	"COMPLETED":     RunStateCompleted,
	"FAILED":        RunStateFailed,
	"TIMEOUT":       RunStateFailed,
	"CANCELLED":     RunStateFailed,
	"NODE_FAIL":     RunStateFailed,
	"OUT_OF_MEMORY": RunStateFailed,
	"PREEMPTED":     RunStateFailed,
}

func (b *SlurmBackend) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	script, err := renderScript(slurmScriptTemplate, spec)
	if err != nil {
		return nil, err
	}
	path, err := writeScript(spec, script, "sbatch")
	if err != nil {
		return nil, err
	}
	remoteID, err := submit(ctx, b.runner, b.Kind(), slurmSubmitPattern, "", "sbatch", path)
	if err != nil {
		return nil, err
	}
	return &remoteHandle{jobID: spec.JobID, remoteID: remoteID, runID: uuid.New(), scriptPath: path}, nil
}

func (b *SlurmBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return Status{}, errors.Errorf("handle %T does not belong to the slurm backend", handle)
	}
	stdout, err := runStatusCommand(ctx, b.runner, "squeue", "--noheader", "--format=%T", "--jobs", h.remoteID)
	if err != nil {
		// Older SLURM versions report unknown (finished) jobs as an error.
		return b.pollAccounting(ctx, h)
	}
	state := strings.TrimSpace(stdout)
	if state == "" {
		// No longer in the queue: consult accounting for the terminal state.
		return b.pollAccounting(ctx, h)
	}
	return slurmStatus(state, nil), nil
}

// pollAccounting resolves the terminal state of a job that has left the queue.
func (b *SlurmBackend) pollAccounting(ctx context.Context, h *remoteHandle) (Status, error) {
	stdout, err := runStatusCommand(ctx, b.runner, "sacct", "--noheader", "--parsable2", "--format=State,ExitCode", "--jobs", h.remoteID)
	if err != nil {
		// Accounting may be disabled on the cluster; assume a clean finish.
		return Status{State: RunStateCompleted, RemoteStatus: "UNKNOWN"}, nil
	}
	line := strings.TrimSpace(strings.SplitN(stdout, "\n", 2)[0])
	if line == "" {
		return Status{State: RunStateCompleted, RemoteStatus: "UNKNOWN"}, nil
	}
	fields := strings.Split(line, "|")
	state := strings.TrimSpace(fields[0])
	// CANCELLED may be reported as "CANCELLED by <uid>".
	state = strings.SplitN(state, " ", 2)[0]
	var exitCode *int
	if len(fields) > 1 {
		// ExitCode has the form "<code>:<signal>".
		codeStr := strings.SplitN(fields[1], ":", 2)[0]
		if code, err := strconv.Atoi(strings.TrimSpace(codeStr)); err == nil {
			exitCode = &code
		}
	}
	return slurmStatus(state, exitCode), nil
}

func slurmStatus(state string, exitCode *int) Status {
	status := Status{RemoteStatus: state, ExitCode: exitCode}
	mapped, ok := slurmStates[state]
	if !ok {
		mapped = RunStateRunning
	}
	status.State = mapped
	if mapped == RunStateFailed {
		status.Error = "slurm reported state " + state
	}
	return status
}

// Cancel asks SLURM to terminate the job gracefully, then forcefully once the
// grace period has elapsed and the job is still in the queue.
func (b *SlurmBackend) Cancel(ctx context.Context, handle Handle, gracePeriod time.Duration) error {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return errors.Errorf("handle %T does not belong to the slurm backend", handle)
	}
	if _, _, err := b.runner.Run(ctx, "", "scancel", "--signal=TERM", h.remoteID); err != nil {
		return errors.Wrapf(err, "cancelling slurm job %s", h.remoteID)
	}
	if gone := waitForRemoteExit(ctx, gracePeriod, func() bool {
		stdout, err := runStatusCommand(ctx, b.runner, "squeue", "--noheader", "--format=%T", "--jobs", h.remoteID)
		return err != nil || strings.TrimSpace(stdout) == ""
	}); gone {
		return nil
	}
	_, _, err := b.runner.Run(ctx, "", "scancel", h.remoteID)
	return errors.Wrapf(err, "force-cancelling slurm job %s", h.remoteID)
}

func (b *SlurmBackend) Partitions(ctx context.Context) ([]Partition, error) {
	stdout, err := runStatusCommand(ctx, b.runner, "sinfo", "--noheader", "--format=%P %a %D %c")
	if err != nil {
		return nil, errors.Wrap(err, "listing slurm partitions")
	}
	var partitions []Partition
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		nodes, _ := strconv.Atoi(fields[2])
		cores, _ := strconv.Atoi(fields[3])
		partitions = append(partitions, Partition{
			Name:         strings.TrimSuffix(fields[0], "*"),
			State:        fields[1],
			Nodes:        nodes,
			CoresPerNode: cores,
		})
	}
	return partitions, nil
}

// waitForRemoteExit polls the given predicate once a second for at most
// gracePeriod, returning true as soon as it reports the job gone.
func waitForRemoteExit(ctx context.Context, gracePeriod time.Duration, gone func() bool) bool {
	deadline := time.Now().Add(gracePeriod)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if gone() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
