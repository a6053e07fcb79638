package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

func TestNewJobConfigValidates(t *testing.T) {
	_, err := NewJobConfig("", []string{"solver"}, 1, 0, BackendLocal)
	assertInvalidField(t, err, "project")

	_, err = NewJobConfig("em", nil, 1, 0, BackendLocal)
	assertInvalidField(t, err, "command")

	_, err = NewJobConfig("em", []string{"solver"}, -1, 0, BackendLocal)
	assertInvalidField(t, err, "cores")

	_, err = NewJobConfig("em", []string{"solver"}, 1, -1, BackendLocal)
	assertInvalidField(t, err, "memoryMB")

	_, err = NewJobConfig("em", []string{"solver"}, 1, 0, BackendKind("mesos"))
	assertInvalidField(t, err, "backend")
}

func TestRemoteBackendRequiresOptionsAtSubmission(t *testing.T) {
	// Construction succeeds without options so they can be attached after.
	config, err := NewJobConfig("em", []string{"solver"}, 1, 0, BackendSLURM)
	require.NoError(t, err)
	assertInvalidField(t, config.Validate(), "options")

	config = config.WithOptions(&SchedulerOptions{Queue: "compute"})
	assert.NoError(t, config.Validate())

	config = config.WithOptions(&SchedulerOptions{Nodes: -1})
	assertInvalidField(t, config.Validate(), "options")

	local, err := NewJobConfig("em", []string{"solver"}, 1, 0, BackendLocal)
	require.NoError(t, err)
	assert.NoError(t, local.Validate())
}

func TestParseBackendKind(t *testing.T) {
	for input, expected := range map[string]BackendKind{
		"":           BackendLocal,
		"none":       BackendLocal,
		"Local":      BackendLocal,
		"slurm":      BackendSLURM,
		"LSF":        BackendLSF,
		"pbs":        BackendPBS,
		"torque":     BackendPBS,
		"windowshpc": BackendWindowsHPC,
		"winhpc":     BackendWindowsHPC,
	} {
		kind, err := ParseBackendKind(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, kind, input)
	}

	_, err := ParseBackendKind("kubernetes")
	assertInvalidField(t, err, "backend")
}

func TestCopySettersDoNotMutateOriginal(t *testing.T) {
	original, err := NewJobConfig("em", []string{"solver", "--deck", "a.aedt"}, 4, 2048, BackendLocal)
	require.NoError(t, err)

	modified := original.
		WithWorkingDir("/scratch").
		WithEnvironment(map[string]string{"OMP_NUM_THREADS": "4"}).
		WithDiskMB(100).
		WithWallTime(time.Hour)

	assert.Empty(t, original.WorkingDir())
	assert.Nil(t, original.Environment())
	assert.Zero(t, original.DiskMB())
	assert.Zero(t, original.WallTime())

	assert.Equal(t, "/scratch", modified.WorkingDir())
	assert.Equal(t, map[string]string{"OMP_NUM_THREADS": "4"}, modified.Environment())
	assert.Equal(t, int64(100), modified.DiskMB())
	assert.Equal(t, time.Hour, modified.WallTime())

	// The original's project and command carry over.
	assert.Equal(t, original.Project(), modified.Project())
	assert.Equal(t, original.Command(), modified.Command())
}

func TestGettersReturnDefensiveCopies(t *testing.T) {
	config, err := NewJobConfig("em", []string{"solver"}, 1, 0, BackendLocal)
	require.NoError(t, err)
	config = config.
		WithEnvironment(map[string]string{"KEY": "value"}).
		WithOptions(&SchedulerOptions{Directives: []string{"-x"}}).
		WithNodes([]MachineNode{{Hostname: "node1", Cores: 8}})

	config.Command()[0] = "mutated"
	config.Environment()["KEY"] = "mutated"
	config.Options().Directives[0] = "mutated"
	config.Nodes()[0].Hostname = "mutated"

	assert.Equal(t, []string{"solver"}, config.Command())
	assert.Equal(t, "value", config.Environment()["KEY"])
	assert.Equal(t, []string{"-x"}, config.Options().Directives)
	assert.Equal(t, "node1", config.Nodes()[0].Hostname)
}

func TestNodeValidation(t *testing.T) {
	config, err := NewJobConfig("em", []string{"solver"}, 1, 0, BackendLocal)
	require.NoError(t, err)

	err = config.WithNodes([]MachineNode{{Hostname: " "}}).Validate()
	assertInvalidField(t, err, "nodes")

	err = config.WithNodes([]MachineNode{{Hostname: "node1", Cores: -1}}).Validate()
	assertInvalidField(t, err, "nodes")
}

func assertInvalidField(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	var invalid *schedulererrors.ErrInvalidJobConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, field, invalid.Field)
}
