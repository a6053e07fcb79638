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

// LSFBackend submits jobs through bsub and tracks them with bjobs.
type LSFBackend struct {
	runner CommandRunner
}

func NewLSFBackend(runner CommandRunner) *LSFBackend {
	return &LSFBackend{runner: runner}
}

func (b *LSFBackend) Kind() domain.BackendKind {
	return domain.BackendLSF
}

// bsub reads the submission script on stdin.
var lsfScriptTemplate = template.Must(template.New("bsub").Parse(`#!/bin/bash
#BSUB -J {{.Name}}
{{- if .Queue}}
#BSUB -q {{.Queue}}
{{- end}}
{{- if .Nodes}}
#BSUB -nnodes {{.Nodes}}
{{- end}}
{{- if .CoresPerNode}}
#BSUB -n {{.CoresPerNode}}
{{- end}}
{{- if .MemoryMB}}
#BSUB -M {{.MemoryMB}}
{{- end}}
{{- if .WallTime}}
#BSUB -W {{.WallTime}}
{{- end}}
{{- range .Directives}}
#BSUB {{.}}
{{- end}}
{{- if .WorkingDir}}
cd {{.WorkingDir}}
{{- end}}
{{.Command}}
`))

var lsfSubmitPattern = regexp.MustCompile(`Job <(\d+)> is submitted`)

// lsfStates maps bjobs vocabulary onto run states.
var lsfStates = map[string]RunState{
	"PEND":  RunStatePending,
	"PSUSP": RunStatePending,
	"WAIT":  RunStatePending,
	"RUN":   RunStateRunning,
	"USUSP": RunStateRunning,
	"SSUSP": RunStateRunning,
	"DONE":  RunStateCompleted,
	"EXIT":  RunStateFailed,
	"ZOMBI": RunStateFailed,
}

func (b *LSFBackend) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	script, err := renderScript(lsfScriptTemplate, spec)
	if err != nil {
		return nil, err
	}
	path, err := writeScript(spec, script, "bsub")
	if err != nil {
		return nil, err
	}
	remoteID, err := submit(ctx, b.runner, b.Kind(), lsfSubmitPattern, script, "bsub")
	if err != nil {
		return nil, err
	}
	return &remoteHandle{jobID: spec.JobID, remoteID: remoteID, runID: uuid.New(), scriptPath: path}, nil
}

func (b *LSFBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return Status{}, errors.Errorf("handle %T does not belong to the lsf backend", handle)
	}
	stdout, err := runStatusCommand(ctx, b.runner, "bjobs", "-noheader", "-o", "stat exit_code", h.remoteID)
	if err != nil {
		return Status{}, errors.Wrapf(err, "querying lsf job %s", h.remoteID)
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		// bjobs forgets finished jobs after a while; treat as a clean finish.
		return Status{State: RunStateCompleted, RemoteStatus: "UNKNOWN"}, nil
	}
	state := fields[0]
	status := Status{RemoteStatus: state}
	mapped, ok := lsfStates[state]
	if !ok {
		mapped = RunStateRunning
	}
	status.State = mapped
	if len(fields) > 1 {
		if code, err := strconv.Atoi(fields[1]); err == nil {
			status.ExitCode = &code
		}
	}
	if mapped == RunStateCompleted && status.ExitCode == nil {
		code := 0
		status.ExitCode = &code
	}
	if mapped == RunStateFailed {
		status.Error = "lsf reported state " + state
	}
	return status, nil
}

func (b *LSFBackend) Cancel(ctx context.Context, handle Handle, gracePeriod time.Duration) error {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return errors.Errorf("handle %T does not belong to the lsf backend", handle)
	}
	if _, _, err := b.runner.Run(ctx, "", "bkill", h.remoteID); err != nil {
		return errors.Wrapf(err, "cancelling lsf job %s", h.remoteID)
	}
	if gone := waitForRemoteExit(ctx, gracePeriod, func() bool {
		status, err := b.Poll(ctx, handle)
		return err != nil || status.State.Terminal()
	}); gone {
		return nil
	}
	// -r removes the job from LSF even if it cannot be killed cleanly.
	_, _, err := b.runner.Run(ctx, "", "bkill", "-r", h.remoteID)
	return errors.Wrapf(err, "force-cancelling lsf job %s", h.remoteID)
}

func (b *LSFBackend) Partitions(ctx context.Context) ([]Partition, error) {
	stdout, err := runStatusCommand(ctx, b.runner, "bqueues", "-w", "-noheader")
	if err != nil {
		return nil, errors.Wrap(err, "listing lsf queues")
	}
	var partitions []Partition
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		partitions = append(partitions, Partition{
			Name:  fields[0],
			State: fields[2],
		})
	}
	return partitions, nil
}
