package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

func TestLSFLaunchSubmitsScriptOnStdin(t *testing.T) {
	runner := newFakeRunner()
	runner.on("bsub", "Job <987> is submitted to queue <normal>.\n", "", nil)
	b := NewLSFBackend(runner)

	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:      "job-1",
		Command:    []string{"solver"},
		WorkingDir: t.TempDir(),
		MemoryMB:   2048,
		Options: &domain.SchedulerOptions{
			Queue:        "normal",
			CoresPerNode: 8,
			WallTime:     time.Hour,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "987", handle.RemoteID())

	calls := runner.callsFor("bsub")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].input, "#BSUB -J job-1")
	assert.Contains(t, calls[0].input, "#BSUB -q normal")
	assert.Contains(t, calls[0].input, "#BSUB -n 8")
	assert.Contains(t, calls[0].input, "#BSUB -M 2048")
	assert.Contains(t, calls[0].input, "#BSUB -W 01:00:00")
	assert.Contains(t, calls[0].input, "solver")
}

func TestLSFPoll(t *testing.T) {
	tests := map[string]struct {
		stdout   string
		expected RunState
		exitCode *int
	}{
		"pending":   {"PEND -\n", RunStatePending, nil},
		"running":   {"RUN -\n", RunStateRunning, nil},
		"done":      {"DONE 0\n", RunStateCompleted, intptr(0)},
		"exit":      {"EXIT 137\n", RunStateFailed, intptr(137)},
		"forgotten": {"\n", RunStateCompleted, nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.on("bjobs", tc.stdout, "", nil)
			b := NewLSFBackend(runner)

			status, err := b.Poll(context.Background(), &remoteHandle{jobID: "job-1", remoteID: "987"})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, status.State)
			if tc.exitCode != nil {
				require.NotNil(t, status.ExitCode)
				assert.Equal(t, *tc.exitCode, *status.ExitCode)
			}
		})
	}
}

func TestLSFCancelForcesAfterGrace(t *testing.T) {
	runner := newFakeRunner()
	runner.on("bkill", "", "", nil)
	runner.on("bjobs", "RUN -\n", "", nil) // still alive after the grace period
	runner.on("bkill", "", "", nil)
	b := NewLSFBackend(runner)

	err := b.Cancel(context.Background(), &remoteHandle{jobID: "job-1", remoteID: "987"}, 0)
	require.NoError(t, err)

	calls := runner.callsFor("bkill")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"987"}, calls[0].args)
	assert.Equal(t, []string{"-r", "987"}, calls[1].args)
}

func TestLSFQueues(t *testing.T) {
	runner := newFakeRunner()
	runner.on("bqueues", "normal 30 Open:Active - - - - 5 0 5 0\npriority 40 Closed:Inact - - - - 0 0 0 0\n", "", nil)
	b := NewLSFBackend(runner)

	partitions, err := b.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, partitions, 2)
	assert.Equal(t, "normal", partitions[0].Name)
	assert.Equal(t, "Open:Active", partitions[0].State)
	assert.Equal(t, "priority", partitions[1].Name)
}

func intptr(i int) *int { return &i }
