// Package backend abstracts over job execution targets: the local host and
// the SLURM, LSF, PBS and Windows HPC batch systems. The manager core depends
// only on the SchedulerBackend interface; new backends are added here, never
// by modifying the core.
package backend

import (
	"context"
	"time"

	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

// RunState is the backend-neutral view of a launched run.
type RunState int

const (
	// RunStatePending: accepted by the batch system but not yet executing.
	RunStatePending RunState = iota
	RunStateRunning
	RunStateCompleted
	RunStateFailed
)

func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Status is one poll result for a launched run.
type Status struct {
	State RunState
	// Exit code of the process, where the backend reports one.
	ExitCode *int
	// Captured stdout (local runs only).
	Output string
	// Captured stderr or a backend-reported failure reason.
	Error string
	// The raw state string in the backend's own vocabulary, cluster only.
	RemoteStatus string
	// True if a local run was killed for exceeding its wall-time.
	TimedOut bool
}

// LaunchSpec carries everything a backend needs to start a run. It is built
// by the manager from the job's immutable config so that backends never see
// (or mutate) the Job itself.
type LaunchSpec struct {
	JobID       string
	Command     []string
	WorkingDir  string
	Environment map[string]string
	WallTime    time.Duration
	Cores       int
	MemoryMB    int64
	Options     *domain.SchedulerOptions
}

// Handle identifies a launched run within its backend.
type Handle interface {
	JobID() string
	// RemoteID is the id assigned by the batch system, empty for local runs.
	RemoteID() string
}

// Partition describes one queue/partition of a batch system, or the local
// host for the local backend.
type Partition struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Nodes        int    `json:"nodes"`
	CoresPerNode int    `json:"coresPerNode,omitempty"`
}

// SchedulerBackend launches, polls and cancels runs on one execution target.
//
// Launch must not block beyond process creation (local) or one submission
// command (cluster). Submission failures are returned as
// ErrSubmissionFailed; they are never retried.
type SchedulerBackend interface {
	Kind() domain.BackendKind
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Status, error)
	// Cancel sends a graceful termination signal, waits up to gracePeriod,
	// then forces a kill.
	Cancel(ctx context.Context, handle Handle, gracePeriod time.Duration) error
	Partitions(ctx context.Context) ([]Partition, error)
}

// Registry holds one backend instance per kind supported on this platform.
type Registry struct {
	backends map[domain.BackendKind]SchedulerBackend
}

// NewRegistry builds the platform's backend set. Cluster backends share the
// given command runner so tests can substitute a fake CLI.
func NewRegistry(runner CommandRunner) *Registry {
	r := &Registry{backends: map[domain.BackendKind]SchedulerBackend{}}
	for _, kind := range SupportedKinds() {
		switch kind {
		case domain.BackendLocal:
			r.backends[kind] = NewLocalBackend()
		case domain.BackendSLURM:
			r.backends[kind] = NewSlurmBackend(runner)
		case domain.BackendLSF:
			r.backends[kind] = NewLSFBackend(runner)
		case domain.BackendPBS:
			r.backends[kind] = NewPBSBackend(runner)
		case domain.BackendWindowsHPC:
			r.backends[kind] = NewWindowsHPCBackend(runner)
		}
	}
	return r
}

// ForKind returns the backend for the given kind, or an error if the kind is
// unknown or not supported on this platform.
func (r *Registry) ForKind(kind domain.BackendKind) (SchedulerBackend, error) {
	if b, ok := r.backends[kind]; ok {
		return b, nil
	}
	return nil, &schedulererrors.ErrInvalidJobConfig{
		Field:   "backend",
		Value:   string(kind),
		Message: "backend is not supported on this platform",
	}
}

// Kinds returns the kinds available in this registry.
func (r *Registry) Kinds() []domain.BackendKind {
	kinds := make([]domain.BackendKind, 0, len(r.backends))
	for kind := range r.backends {
		kinds = append(kinds, kind)
	}
	return kinds
}
