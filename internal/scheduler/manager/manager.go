// Package manager contains the asynchronous core of the scheduling backend.
//
// A single goroutine (the manager loop) owns the job table, the priority
// queue and the running set, so none of that state needs locking. Public
// operations are marshalled into the loop as command objects carrying reply
// channels; backends report state changes through a transitions channel
// consumed by the same loop.
package manager

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ansys/simsched/internal/common/logging"
	"github.com/ansys/simsched/internal/common/util"
	"github.com/ansys/simsched/internal/scheduler/backend"
	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/events"
	"github.com/ansys/simsched/internal/scheduler/queue"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

const (
	DefaultGracePeriod  = 30 * time.Second
	DefaultPollInterval = 2 * time.Second

	// A run is failed after this many consecutive poll errors.
	maxPollFailures = 5
)

// SnapshotSource provides the latest telemetry snapshot and a tick signal for
// edge-triggered admission. Implemented by monitor.ResourceMonitor.
type SnapshotSource interface {
	Latest() domain.ResourceSnapshot
	Ticks() <-chan struct{}
}

// BackendResolver resolves a backend kind to its implementation.
// Implemented by backend.Registry.
type BackendResolver interface {
	ForKind(kind domain.BackendKind) (backend.SchedulerBackend, error)
}

// Config tunes the manager core.
type Config struct {
	Limits       domain.ResourceLimits
	GracePeriod  time.Duration
	PollInterval time.Duration
}

// JobManager is the sole owner of the job table and priority queue.
type JobManager struct {
	gracePeriod  time.Duration
	pollInterval time.Duration

	snapshots SnapshotSource
	backends  BackendResolver
	publisher *events.Publisher
	metrics   *Metrics
	clock     util.Clock

	commands    chan command
	transitions chan transition
	quit        chan struct{}
	done        chan struct{}

	// State below is owned by the loop and must not be touched elsewhere.
	limits        domain.ResourceLimits
	jobs          map[string]*domain.Job
	queue         *queue.JobQueue
	running       map[string]*run
	waiters       map[string][]chan struct{}
	allWaiters    []chan struct{}
	nextTimestamp int64
	stopping      bool
}

// run is the loop's bookkeeping for one launched job.
type run struct {
	backend         backend.SchedulerBackend
	handle          backend.Handle
	stopPolling     context.CancelFunc
	cancelRequested bool
	cancelStarted   bool
}

func New(
	config Config,
	snapshots SnapshotSource,
	backends BackendResolver,
	publisher *events.Publisher,
	metrics *Metrics,
	clock util.Clock,
) *JobManager {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &JobManager{
		gracePeriod:  config.GracePeriod,
		pollInterval: config.PollInterval,
		snapshots:    snapshots,
		backends:     backends,
		publisher:    publisher,
		metrics:      metrics,
		clock:        clock,
		commands:     make(chan command),
		transitions:  make(chan transition),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		limits:       config.Limits,
		jobs:         map[string]*domain.Job{},
		queue:        queue.New(),
		running:      map[string]*run{},
		waiters:      map[string][]chan struct{}{},
	}
}

// Run executes the manager loop until ctx is cancelled or Shutdown completes.
// It must be running for any public operation to make progress.
func (m *JobManager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.quit:
			return nil
		case c := <-m.commands:
			c.apply(m)
		case t := <-m.transitions:
			m.handleTransition(t)
			m.tryAdmit()
		case <-m.snapshots.Ticks():
			m.tryAdmit()
		}
	}
}

// send marshals a command into the loop.
func (m *JobManager) send(ctx context.Context, c command) error {
	select {
	case m.commands <- c:
		return nil
	case <-m.done:
		return &schedulererrors.ErrShuttingDown{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report sends a transition into the loop, dropping it if the loop has exited.
func (m *JobManager) report(t transition) {
	select {
	case m.transitions <- t:
	case <-m.done:
	}
}

// tryAdmit promotes queued jobs to running while the concurrency limit and
// the latest telemetry snapshot allow it. Called on every queue insert,
// transition, limits update and monitor tick; never busy-polled.
func (m *JobManager) tryAdmit() {
	start := time.Now()
	defer func() {
		m.metrics.admissionCycleDuration.Observe(time.Since(start).Seconds())
	}()
	for {
		if m.stopping {
			return
		}
		job := m.queue.Peek()
		if job == nil {
			return
		}
		if m.limits.MaxConcurrentJobs > 0 && len(m.running) >= m.limits.MaxConcurrentJobs {
			return
		}
		snapshot := m.snapshots.Latest()
		if !snapshot.HasHeadroom(m.limits) {
			m.metrics.admissionsDenied.Inc()
			return
		}
		m.queue.Pop()
		m.startJob(job)
	}
}

func (m *JobManager) startJob(job *domain.Job) {
	m.metrics.queuedJobs.Dec()
	be, err := m.backends.ForKind(job.Config().Backend())
	if err != nil {
		// Backend support is validated at submission; this only fires if
		// the registry changed underneath us.
		m.failJob(job, err.Error())
		return
	}
	now := m.clock.Now()
	job.SetStatus(domain.JobRunning, now)
	m.emit(events.JobStarted, job, nil)
	m.metrics.runningJobs.Inc()

	pollCtx, stopPolling := context.WithCancel(context.Background())
	m.running[job.ID()] = &run{backend: be, stopPolling: stopPolling}

	spec := launchSpec(job)
	go m.executeJob(pollCtx, job.ID(), be, spec)
}

func launchSpec(job *domain.Job) backend.LaunchSpec {
	config := job.Config()
	return backend.LaunchSpec{
		JobID:       job.ID(),
		Command:     config.Command(),
		WorkingDir:  config.WorkingDir(),
		Environment: config.Environment(),
		WallTime:    config.WallTime(),
		Cores:       config.Cores(),
		MemoryMB:    config.MemoryMB(),
		Options:     config.Options(),
	}
}

// executeJob launches a run and polls it to completion. It runs outside the
// loop and communicates exclusively through the transitions channel.
func (m *JobManager) executeJob(ctx context.Context, jobID string, be backend.SchedulerBackend, spec backend.LaunchSpec) {
	logger := log.WithField("jobId", jobID).WithField("backend", string(be.Kind()))

	handle, err := be.Launch(ctx, spec)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("job submission failed")
		m.report(transition{jobID: jobID, kind: transitionTerminal, status: domain.JobFailed, errText: err.Error()})
		return
	}
	m.report(transition{jobID: jobID, kind: transitionLaunched, handle: handle})

	failures := 0
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := be.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logging.WithStacktrace(logger, err).Warn("failed to poll job status")
			if failures >= maxPollFailures {
				m.report(transition{
					jobID:   jobID,
					kind:    transitionTerminal,
					status:  domain.JobFailed,
					errText: errors.Wrap(err, "backend stopped responding").Error(),
				})
				return
			}
			continue
		}
		failures = 0
		if !status.State.Terminal() {
			continue
		}
		t := transition{
			jobID:    jobID,
			kind:     transitionTerminal,
			output:   status.Output,
			errText:  status.Error,
			exitCode: status.ExitCode,
		}
		if status.State == backend.RunStateCompleted {
			t.status = domain.JobCompleted
		} else {
			t.status = domain.JobFailed
			if status.TimedOut {
				t.errText = (&schedulererrors.ErrExecutionTimeout{JobID: jobID, WallTime: spec.WallTime}).Error()
			}
		}
		m.report(t)
		return
	}
}

func (m *JobManager) handleTransition(t transition) {
	job, ok := m.jobs[t.jobID]
	if !ok {
		// Purged while running; nothing to record.
		return
	}
	switch t.kind {
	case transitionLaunched:
		r := m.running[t.jobID]
		if r == nil {
			return
		}
		r.handle = t.handle
		if remoteID := t.handle.RemoteID(); remoteID != "" {
			job.SetRemoteID(remoteID, m.clock.Now())
			m.emit(events.JobScheduled, job, map[string]string{"remoteId": remoteID})
		}
		if r.cancelRequested && !r.cancelStarted {
			m.beginCancel(t.jobID, r)
		}
	case transitionTerminal:
		if job.InTerminalState() {
			return
		}
		status := t.status
		if status == domain.JobFailed && job.CancelRequested() {
			status = domain.JobCancelled
		}
		now := m.clock.Now()
		job.SetResult(t.output, t.errText, t.exitCode, now)
		job.SetStatus(status, now)
		if r, ok := m.running[t.jobID]; ok {
			r.stopPolling()
			delete(m.running, t.jobID)
			m.metrics.runningJobs.Dec()
		}
		m.finishJob(job)
	}
}

// failJob moves a not-yet-launched job to FAILED.
func (m *JobManager) failJob(job *domain.Job, errText string) {
	now := m.clock.Now()
	job.SetResult("", errText, nil, now)
	job.SetStatus(domain.JobFailed, now)
	m.finishJob(job)
}

// finishJob records a terminal transition: waiters are released and the
// job_completed event is emitted exactly once.
func (m *JobManager) finishJob(job *domain.Job) {
	m.emit(events.JobCompleted, job, nil)
	m.metrics.jobsFinished.WithLabelValues(string(job.Status())).Inc()

	for _, ch := range m.waiters[job.ID()] {
		close(ch)
	}
	delete(m.waiters, job.ID())

	if len(m.allWaiters) > 0 && !m.anyActive() {
		for _, ch := range m.allWaiters {
			close(ch)
		}
		m.allWaiters = nil
	}
}

func (m *JobManager) anyActive() bool {
	for _, job := range m.jobs {
		if !job.InTerminalState() {
			return true
		}
	}
	return false
}

// beginCancel starts the graceful-then-forced termination of a running job.
func (m *JobManager) beginCancel(jobID string, r *run) {
	r.cancelStarted = true
	be := r.backend
	handle := r.handle
	grace := m.gracePeriod
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace+time.Minute)
		defer cancel()
		if err := be.Cancel(ctx, handle, grace); err != nil {
			logging.WithStacktrace(log.WithField("jobId", jobID), err).Warn("error cancelling job")
		}
		m.report(transition{jobID: jobID, kind: transitionTerminal, status: domain.JobCancelled})
	}()
}

func (m *JobManager) emit(eventType events.Type, job *domain.Job, metadata map[string]string) {
	m.publisher.Publish(events.Event{
		Type:      eventType,
		JobID:     job.ID(),
		Status:    job.Status(),
		Timestamp: m.clock.Now(),
		Metadata:  metadata,
	})
}

// checkSatisfiable rejects configs whose declared requirement alone exceeds
// the configured limits or the host's capacity. Such jobs would otherwise
// queue forever; they are failed fast at submission instead. Only local runs
// are checked: cluster resources are the batch system's concern.
func (m *JobManager) checkSatisfiable(config *domain.JobConfig) error {
	if config.Backend().Remote() {
		return nil
	}
	snapshot := m.snapshots.Latest()

	if config.Cores() > 0 {
		totalCores := float64(runtime.NumCPU())
		allowed := totalCores
		if m.limits.MaxCPUPercent > 0 {
			allowed = totalCores * m.limits.MaxCPUPercent / 100
		}
		if float64(config.Cores()) > allowed {
			return &schedulererrors.ErrResourceUnavailable{
				Resource:  "cpu",
				Requested: float64(config.Cores()),
				Available: allowed,
				Message:   "requested cores exceed what admission limits allow on this host",
			}
		}
	}
	if config.MemoryMB() > 0 && snapshot.TotalMemory > 0 {
		requested := float64(config.MemoryMB()) * 1024 * 1024
		allowed := float64(snapshot.TotalMemory)
		if m.limits.MaxMemoryPercent > 0 {
			allowed = allowed * m.limits.MaxMemoryPercent / 100
		}
		if requested > allowed {
			return &schedulererrors.ErrResourceUnavailable{
				Resource:  "memory",
				Requested: requested,
				Available: allowed,
				Message:   "requested memory exceeds what admission limits allow on this host",
			}
		}
	}
	if config.DiskMB() > 0 && snapshot.TotalDisk > 0 {
		requested := float64(config.DiskMB()) * 1024 * 1024
		allowed := float64(snapshot.TotalDisk)
		if m.limits.MaxDiskPercent > 0 {
			allowed = allowed * m.limits.MaxDiskPercent / 100
		}
		if requested > allowed {
			return &schedulererrors.ErrResourceUnavailable{
				Resource:  "disk",
				Requested: requested,
				Available: allowed,
				Message:   "requested disk exceeds what admission limits allow on this host",
			}
		}
	}
	return nil
}
