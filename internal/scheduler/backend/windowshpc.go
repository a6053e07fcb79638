package backend

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// WindowsHPCBackend submits jobs through the Microsoft HPC Pack `job` CLI.
// Unlike the Unix batch systems it takes its parameters as command-line
// switches, so no script artifact is rendered.
type WindowsHPCBackend struct {
	runner CommandRunner
}

func NewWindowsHPCBackend(runner CommandRunner) *WindowsHPCBackend {
	return &WindowsHPCBackend{runner: runner}
}

func (b *WindowsHPCBackend) Kind() domain.BackendKind {
	return domain.BackendWindowsHPC
}

var winhpcSubmitPattern = regexp.MustCompile(`ID:\s*(\d+)`)

// winhpcStates maps HPC Pack job states onto run states.
var winhpcStates = map[string]RunState{
	"Configuring": RunStatePending,
	"Submitted":   RunStatePending,
	"Validating":  RunStatePending,
	"Queued":      RunStatePending,
	"Dispatching": RunStatePending,
	"Running":     RunStateRunning,
	"Finishing":   RunStateRunning,
	"Finished":    RunStateCompleted,
	"Failed":      RunStateFailed,
	"Canceled":    RunStateFailed,
}

var winhpcStatePattern = regexp.MustCompile(`State\s*:\s*(\S+)`)

func (b *WindowsHPCBackend) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	args := []string{"submit", fmt.Sprintf("/jobname:%s", spec.JobID)}
	if spec.Cores > 0 {
		args = append(args, fmt.Sprintf("/numcores:%d", spec.Cores))
	}
	if opts := spec.Options; opts != nil {
		if opts.Nodes > 0 {
			args = append(args, fmt.Sprintf("/numnodes:%d", opts.Nodes))
		}
		if opts.Queue != "" {
			args = append(args, fmt.Sprintf("/nodegroup:%s", opts.Queue))
		}
		if opts.WallTime > 0 {
			args = append(args, fmt.Sprintf("/runtime:%s", formatWallTime(opts.WallTime)))
		}
		args = append(args, opts.Directives...)
	}
	if spec.WorkingDir != "" {
		args = append(args, fmt.Sprintf("/workdir:%s", spec.WorkingDir))
	}
	args = append(args, spec.Command...)

	remoteID, err := submit(ctx, b.runner, b.Kind(), winhpcSubmitPattern, "", "job", args...)
	if err != nil {
		return nil, err
	}
	return &remoteHandle{jobID: spec.JobID, remoteID: remoteID, runID: uuid.New()}, nil
}

func (b *WindowsHPCBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return Status{}, errors.Errorf("handle %T does not belong to the windowshpc backend", handle)
	}
	stdout, err := runStatusCommand(ctx, b.runner, "job", "view", h.remoteID)
	if err != nil {
		return Status{}, errors.Wrapf(err, "querying windows hpc job %s", h.remoteID)
	}
	m := winhpcStatePattern.FindStringSubmatch(stdout)
	if m == nil {
		return Status{State: RunStateCompleted, RemoteStatus: "UNKNOWN"}, nil
	}
	state := m[1]
	status := Status{RemoteStatus: state}
	mapped, ok := winhpcStates[state]
	if !ok {
		mapped = RunStateRunning
	}
	status.State = mapped
	if mapped == RunStateCompleted {
		code := 0
		status.ExitCode = &code
	}
	if mapped == RunStateFailed {
		status.Error = "windows hpc reported state " + state
	}
	return status, nil
}

func (b *WindowsHPCBackend) Cancel(ctx context.Context, handle Handle, gracePeriod time.Duration) error {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return errors.Errorf("handle %T does not belong to the windowshpc backend", handle)
	}
	if _, _, err := b.runner.Run(ctx, "", "job", "cancel", h.remoteID); err != nil {
		return errors.Wrapf(err, "cancelling windows hpc job %s", h.remoteID)
	}
	if gone := waitForRemoteExit(ctx, gracePeriod, func() bool {
		status, err := b.Poll(ctx, handle)
		return err != nil || status.State.Terminal()
	}); gone {
		return nil
	}
	_, _, err := b.runner.Run(ctx, "", "job", "cancel", h.remoteID, "/forced")
	return errors.Wrapf(err, "force-cancelling windows hpc job %s", h.remoteID)
}

func (b *WindowsHPCBackend) Partitions(ctx context.Context) ([]Partition, error) {
	stdout, err := runStatusCommand(ctx, b.runner, "node", "list")
	if err != nil {
		return nil, errors.Wrap(err, "listing windows hpc nodes")
	}
	var partitions []Partition
	for i, line := range strings.Split(stdout, "\n") {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		partitions = append(partitions, Partition{
			Name:  fields[0],
			State: fields[1],
			Nodes: 1,
		})
	}
	return partitions, nil
}
