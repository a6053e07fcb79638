//go:build !windows

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

func TestLocalRunCompletes(t *testing.T) {
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:   "job-1",
		Command: []string{"sh", "-c", "echo solved"},
	})
	require.NoError(t, err)

	status := pollUntilTerminal(t, b, handle)
	assert.Equal(t, RunStateCompleted, status.State)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 0, *status.ExitCode)
	assert.Contains(t, status.Output, "solved")
}

func TestLocalRunFailsOnNonZeroExit(t *testing.T) {
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:   "job-1",
		Command: []string{"sh", "-c", "echo broken >&2; exit 3"},
	})
	require.NoError(t, err)

	status := pollUntilTerminal(t, b, handle)
	assert.Equal(t, RunStateFailed, status.State)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 3, *status.ExitCode)
	assert.Contains(t, status.Error, "broken")
}

func TestLocalLaunchFailsForMissingBinary(t *testing.T) {
	b := NewLocalBackend()
	_, err := b.Launch(context.Background(), LaunchSpec{
		JobID:   "job-1",
		Command: []string{"/does/not/exist"},
	})
	var submissionErr *schedulererrors.ErrSubmissionFailed
	require.ErrorAs(t, err, &submissionErr)
	assert.Equal(t, string(domain.BackendLocal), submissionErr.Backend)
}

func TestLocalRunEnvironmentAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:       "job-1",
		Command:     []string{"sh", "-c", "echo $SIM_TOKEN; pwd"},
		WorkingDir:  dir,
		Environment: map[string]string{"SIM_TOKEN": "tok123"},
	})
	require.NoError(t, err)

	status := pollUntilTerminal(t, b, handle)
	assert.Equal(t, RunStateCompleted, status.State)
	assert.Contains(t, status.Output, "tok123")
	assert.Contains(t, status.Output, dir)
}

func TestLocalWallTimeKillsRun(t *testing.T) {
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:    "job-1",
		Command:  []string{"sleep", "30"},
		WallTime: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	status := pollUntilTerminal(t, b, handle)
	assert.Equal(t, RunStateFailed, status.State)
	assert.True(t, status.TimedOut)
}

func TestLocalCancelGraceful(t *testing.T) {
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:   "job-1",
		Command: []string{"sh", "-c", `trap "exit 0" TERM; while true; do sleep 0.05; done`},
	})
	require.NoError(t, err)
	waitForRunning(t, b, handle)

	err = b.Cancel(context.Background(), handle, 5*time.Second)
	require.NoError(t, err)

	status, err := b.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, status.State.Terminal())
}

func TestLocalCancelForcesKillWhenTermIsIgnored(t *testing.T) {
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:   "job-1",
		Command: []string{"sh", "-c", `trap "" TERM; while true; do sleep 0.05; done`},
	})
	require.NoError(t, err)
	waitForRunning(t, b, handle)

	err = b.Cancel(context.Background(), handle, 200*time.Millisecond)
	require.NoError(t, err)

	status, err := b.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, RunStateFailed, status.State)
}

func TestLocalCancelFinishedRunIsNoop(t *testing.T) {
	b := NewLocalBackend()
	handle, err := b.Launch(context.Background(), LaunchSpec{
		JobID:   "job-1",
		Command: []string{"true"},
	})
	require.NoError(t, err)
	pollUntilTerminal(t, b, handle)

	assert.NoError(t, b.Cancel(context.Background(), handle, time.Second))
}

func TestLocalPartitions(t *testing.T) {
	b := NewLocalBackend()
	partitions, err := b.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	assert.Equal(t, 1, partitions[0].Nodes)
	assert.Greater(t, partitions[0].CoresPerNode, 0)
}

func pollUntilTerminal(t *testing.T, b SchedulerBackend, handle Handle) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := b.Poll(context.Background(), handle)
		require.NoError(t, err)
		if status.State.Terminal() {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
	return Status{}
}

func waitForRunning(t *testing.T, b SchedulerBackend, handle Handle) {
	t.Helper()
	// Give the shell a moment to install its trap before signalling.
	time.Sleep(100 * time.Millisecond)
	status, err := b.Poll(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, RunStateRunning, status.State)
}
