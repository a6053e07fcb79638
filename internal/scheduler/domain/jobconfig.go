package domain

import (
	"strings"
	"time"

	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

// BackendKind identifies the execution target for a job: the local host or
// one of the supported external batch schedulers.
type BackendKind string

const (
	BackendLocal      BackendKind = "local"
	BackendSLURM      BackendKind = "slurm"
	BackendLSF        BackendKind = "lsf"
	BackendPBS        BackendKind = "pbs"
	BackendWindowsHPC BackendKind = "windowshpc"
)

// ParseBackendKind maps user-supplied backend names onto a BackendKind.
// The empty string and "none" select local execution.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "local":
		return BackendLocal, nil
	case "slurm":
		return BackendSLURM, nil
	case "lsf":
		return BackendLSF, nil
	case "pbs", "torque":
		return BackendPBS, nil
	case "windowshpc", "winhpc", "hpc":
		return BackendWindowsHPC, nil
	}
	return "", &schedulererrors.ErrInvalidJobConfig{
		Field: "backend",
		Value: s,
	}
}

// Remote reports whether jobs targeting this backend execute on an external
// batch system rather than as a subprocess of the manager.
func (k BackendKind) Remote() bool {
	return k != BackendLocal
}

// SchedulerOptions carries the batch-system submission parameters for remote
// runs. It is ignored for local runs.
type SchedulerOptions struct {
	// Queue (SLURM: partition) to submit into.
	Queue string
	// Number of nodes to allocate.
	Nodes int
	// Cores per allocated node.
	CoresPerNode int
	// Maximum wall-time granted by the batch system.
	WallTime time.Duration
	// Extra backend-specific directives, passed through verbatim.
	Directives []string
}

// MachineNode describes one host a job may run on.
type MachineNode struct {
	Hostname string
	Cores    int
	Remote   bool
}

// JobConfig is the immutable description of one simulation-execution request.
// Once a config has been accepted by SubmitJob it is never mutated;
// re-submission requires a new config and yields a new job id.
//
// All mutating methods return a modified copy.
type JobConfig struct {
	project     string
	command     []string
	workingDir  string
	environment map[string]string
	cores       int
	memoryMB    int64
	diskMB      int64
	wallTime    time.Duration
	backend     BackendKind
	options     *SchedulerOptions
	nodes       []MachineNode
}

// NewJobConfig creates a config for the given project and command, targeting
// the given backend. Invalid arguments produce an ErrInvalidJobConfig and no
// config. Scheduler options for remote backends are attached afterwards with
// WithOptions; their presence is enforced by Validate at submission time.
func NewJobConfig(project string, command []string, cores int, memoryMB int64, backend BackendKind) (*JobConfig, error) {
	config := &JobConfig{
		project:  project,
		command:  append([]string(nil), command...),
		cores:    cores,
		memoryMB: memoryMB,
		backend:  backend,
	}
	if err := config.validateFields(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *JobConfig) copy() *JobConfig {
	cp := *c
	cp.command = append([]string(nil), c.command...)
	if c.environment != nil {
		cp.environment = make(map[string]string, len(c.environment))
		for k, v := range c.environment {
			cp.environment[k] = v
		}
	}
	if c.options != nil {
		opts := *c.options
		opts.Directives = append([]string(nil), c.options.Directives...)
		cp.options = &opts
	}
	cp.nodes = append([]MachineNode(nil), c.nodes...)
	return &cp
}

// WithWorkingDir returns a copy of the config with the working directory set.
func (c *JobConfig) WithWorkingDir(dir string) *JobConfig {
	cp := c.copy()
	cp.workingDir = dir
	return cp
}

// WithEnvironment returns a copy of the config with the given environment
// variables set for the executed command.
func (c *JobConfig) WithEnvironment(env map[string]string) *JobConfig {
	cp := c.copy()
	cp.environment = make(map[string]string, len(env))
	for k, v := range env {
		cp.environment[k] = v
	}
	return cp
}

// WithDiskMB returns a copy of the config with the disk requirement set.
func (c *JobConfig) WithDiskMB(diskMB int64) *JobConfig {
	cp := c.copy()
	cp.diskMB = diskMB
	return cp
}

// WithWallTime returns a copy of the config with a wall-time after which a
// local run is killed and marked failed.
func (c *JobConfig) WithWallTime(wallTime time.Duration) *JobConfig {
	cp := c.copy()
	cp.wallTime = wallTime
	return cp
}

// WithOptions returns a copy of the config with batch-system submission
// options attached.
func (c *JobConfig) WithOptions(options *SchedulerOptions) *JobConfig {
	cp := c.copy()
	if options == nil {
		cp.options = nil
		return cp
	}
	opts := *options
	opts.Directives = append([]string(nil), options.Directives...)
	cp.options = &opts
	return cp
}

// WithNodes returns a copy of the config with an explicit machine list.
func (c *JobConfig) WithNodes(nodes []MachineNode) *JobConfig {
	cp := c.copy()
	cp.nodes = append([]MachineNode(nil), nodes...)
	return cp
}

func (c *JobConfig) Project() string         { return c.project }
func (c *JobConfig) WorkingDir() string      { return c.workingDir }
func (c *JobConfig) Cores() int              { return c.cores }
func (c *JobConfig) MemoryMB() int64         { return c.memoryMB }
func (c *JobConfig) DiskMB() int64           { return c.diskMB }
func (c *JobConfig) WallTime() time.Duration { return c.wallTime }
func (c *JobConfig) Backend() BackendKind    { return c.backend }

// Command returns a copy of the command line to execute.
func (c *JobConfig) Command() []string {
	return append([]string(nil), c.command...)
}

// Environment returns a copy of the environment variables for the command.
func (c *JobConfig) Environment() map[string]string {
	if c.environment == nil {
		return nil
	}
	env := make(map[string]string, len(c.environment))
	for k, v := range c.environment {
		env[k] = v
	}
	return env
}

// Options returns a copy of the batch-system options, or nil.
func (c *JobConfig) Options() *SchedulerOptions {
	if c.options == nil {
		return nil
	}
	opts := *c.options
	opts.Directives = append([]string(nil), c.options.Directives...)
	return &opts
}

// Nodes returns a copy of the machine list.
func (c *JobConfig) Nodes() []MachineNode {
	return append([]MachineNode(nil), c.nodes...)
}

// Validate checks the config for internal consistency, including that remote
// backends carry scheduler options. It is called by SubmitJob before any job
// state is created.
func (c *JobConfig) Validate() error {
	if err := c.validateFields(); err != nil {
		return err
	}
	if c.backend.Remote() && c.options == nil {
		return &schedulererrors.ErrInvalidJobConfig{
			Field:   "options",
			Value:   nil,
			Message: "scheduler options are required for remote backends",
		}
	}
	return nil
}

// validateFields checks every field that can be judged in isolation. The
// options-presence requirement for remote backends is deliberately not part
// of it, so configs can be built first and have options attached afterwards.
func (c *JobConfig) validateFields() error {
	if strings.TrimSpace(c.project) == "" {
		return &schedulererrors.ErrInvalidJobConfig{Field: "project", Value: c.project, Message: "must be non-empty"}
	}
	if len(c.command) == 0 || strings.TrimSpace(c.command[0]) == "" {
		return &schedulererrors.ErrInvalidJobConfig{Field: "command", Value: c.command, Message: "must be non-empty"}
	}
	if c.cores < 0 {
		return &schedulererrors.ErrInvalidJobConfig{Field: "cores", Value: c.cores, Message: "must be >= 0"}
	}
	if c.memoryMB < 0 {
		return &schedulererrors.ErrInvalidJobConfig{Field: "memoryMB", Value: c.memoryMB, Message: "must be >= 0"}
	}
	if c.diskMB < 0 {
		return &schedulererrors.ErrInvalidJobConfig{Field: "diskMB", Value: c.diskMB, Message: "must be >= 0"}
	}
	if c.wallTime < 0 {
		return &schedulererrors.ErrInvalidJobConfig{Field: "wallTime", Value: c.wallTime.String(), Message: "must be >= 0"}
	}
	switch c.backend {
	case BackendLocal, BackendSLURM, BackendLSF, BackendPBS, BackendWindowsHPC:
	default:
		return &schedulererrors.ErrInvalidJobConfig{Field: "backend", Value: string(c.backend)}
	}
	if c.options != nil {
		if c.options.Nodes < 0 || c.options.CoresPerNode < 0 {
			return &schedulererrors.ErrInvalidJobConfig{
				Field:   "options",
				Value:   c.options,
				Message: "node and core counts must be >= 0",
			}
		}
		if c.options.WallTime < 0 {
			return &schedulererrors.ErrInvalidJobConfig{
				Field:   "options.wallTime",
				Value:   c.options.WallTime.String(),
				Message: "must be >= 0",
			}
		}
	}
	for _, node := range c.nodes {
		if strings.TrimSpace(node.Hostname) == "" {
			return &schedulererrors.ErrInvalidJobConfig{Field: "nodes", Value: node, Message: "hostname must be non-empty"}
		}
		if node.Cores < 0 {
			return &schedulererrors.ErrInvalidJobConfig{Field: "nodes", Value: node, Message: "core count must be >= 0"}
		}
	}
	return nil
}
