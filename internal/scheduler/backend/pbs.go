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

// PBSBackend submits jobs through qsub and tracks them with qstat. It works
// against both PBS Pro and Torque, which share the CLI surface used here.
type PBSBackend struct {
	runner CommandRunner
}

func NewPBSBackend(runner CommandRunner) *PBSBackend {
	return &PBSBackend{runner: runner}
}

func (b *PBSBackend) Kind() domain.BackendKind {
	return domain.BackendPBS
}

var pbsScriptTemplate = template.Must(template.New("qsub").Parse(`#!/bin/bash
#PBS -N {{.Name}}
{{- if .Queue}}
#PBS -q {{.Queue}}
{{- end}}
{{- if .Nodes}}
#PBS -l nodes={{.Nodes}}{{if .CoresPerNode}}:ppn={{.CoresPerNode}}{{end}}
{{- end}}
{{- if .MemoryMB}}
#PBS -l mem={{.MemoryMB}}mb
{{- end}}
{{- if .WallTime}}
#PBS -l walltime={{.WallTime}}
{{- end}}
{{- range .Directives}}
#PBS {{.}}
{{- end}}
{{- if .WorkingDir}}
cd {{.WorkingDir}}
{{- end}}
{{.Command}}
`))

// qsub prints the full job id, e.g. "1234.headnode".
var pbsSubmitPattern = regexp.MustCompile(`^\s*(\S+)\s*$`)

// pbsStates maps qstat job_state letters onto run states.
var pbsStates = map[string]RunState{
	"Q": RunStatePending,
	"H": RunStatePending,
	"W": RunStatePending,
	"T": RunStatePending,
	"R": RunStateRunning,
	"E": RunStateRunning,
	"S": RunStateRunning,
}

var (
	pbsJobStatePattern   = regexp.MustCompile(`job_state = (\S+)`)
	pbsExitStatusPattern = regexp.MustCompile(`Exit_status = (-?\d+)`)
)

func (b *PBSBackend) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	script, err := renderScript(pbsScriptTemplate, spec)
	if err != nil {
		return nil, err
	}
	path, err := writeScript(spec, script, "qsub")
	if err != nil {
		return nil, err
	}
	remoteID, err := submit(ctx, b.runner, b.Kind(), pbsSubmitPattern, "", "qsub", path)
	if err != nil {
		return nil, err
	}
	return &remoteHandle{jobID: spec.JobID, remoteID: remoteID, runID: uuid.New(), scriptPath: path}, nil
}

func (b *PBSBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return Status{}, errors.Errorf("handle %T does not belong to the pbs backend", handle)
	}
	// -x includes finished jobs on PBS Pro; Torque keeps them visible for a
	// while on its own.
	stdout, err := runStatusCommand(ctx, b.runner, "qstat", "-x", "-f", h.remoteID)
	if err != nil {
		// An unknown job id means the server already purged it.
		return Status{State: RunStateCompleted, RemoteStatus: "UNKNOWN"}, nil
	}
	stateMatch := pbsJobStatePattern.FindStringSubmatch(stdout)
	if stateMatch == nil {
		return Status{State: RunStateCompleted, RemoteStatus: "UNKNOWN"}, nil
	}
	state := stateMatch[1]
	status := Status{RemoteStatus: state}

	var exitCode *int
	if m := pbsExitStatusPattern.FindStringSubmatch(stdout); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			exitCode = &code
		}
	}
	status.ExitCode = exitCode

	if mapped, ok := pbsStates[state]; ok {
		status.State = mapped
		return status, nil
	}
	// "F"/"C": finished; the exit status decides the outcome.
	if exitCode != nil && *exitCode != 0 {
		status.State = RunStateFailed
		status.Error = "pbs job exited with status " + strconv.Itoa(*exitCode)
	} else {
		status.State = RunStateCompleted
	}
	return status, nil
}

func (b *PBSBackend) Cancel(ctx context.Context, handle Handle, gracePeriod time.Duration) error {
	h, ok := handle.(*remoteHandle)
	if !ok {
		return errors.Errorf("handle %T does not belong to the pbs backend", handle)
	}
	if _, _, err := b.runner.Run(ctx, "", "qdel", h.remoteID); err != nil {
		return errors.Wrapf(err, "cancelling pbs job %s", h.remoteID)
	}
	if gone := waitForRemoteExit(ctx, gracePeriod, func() bool {
		status, err := b.Poll(ctx, handle)
		return err != nil || status.State.Terminal()
	}); gone {
		return nil
	}
	_, _, err := b.runner.Run(ctx, "", "qdel", "-W", "force", h.remoteID)
	return errors.Wrapf(err, "force-cancelling pbs job %s", h.remoteID)
}

func (b *PBSBackend) Partitions(ctx context.Context) ([]Partition, error) {
	stdout, err := runStatusCommand(ctx, b.runner, "qstat", "-Q")
	if err != nil {
		return nil, errors.Wrap(err, "listing pbs queues")
	}
	var partitions []Partition
	for i, line := range strings.Split(stdout, "\n") {
		// First two lines are the header and its underline.
		if i < 2 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		state := "up"
		if fields[3] == "no" {
			state = "down"
		}
		partitions = append(partitions, Partition{
			Name:  fields[0],
			State: state,
		})
	}
	return partitions, nil
}
