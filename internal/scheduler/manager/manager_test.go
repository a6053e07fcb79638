package manager

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansys/simsched/internal/common/util"
	"github.com/ansys/simsched/internal/scheduler/backend"
	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/events"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

const testTimeout = 5 * time.Second

// fakeSnapshots is a SnapshotSource with a settable snapshot and manual ticks.
type fakeSnapshots struct {
	mu       sync.Mutex
	snapshot domain.ResourceSnapshot
	ticks    chan struct{}
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{ticks: make(chan struct{}, 1)}
}

func (s *fakeSnapshots) Latest() domain.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *fakeSnapshots) Ticks() <-chan struct{} { return s.ticks }

func (s *fakeSnapshots) set(snapshot domain.ResourceSnapshot) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
}

func (s *fakeSnapshots) tick() {
	select {
	case s.ticks <- struct{}{}:
	default:
	}
}

// fakeBackend is a SchedulerBackend whose runs finish only when the test says
// so.
type fakeBackend struct {
	mu        sync.Mutex
	kind      domain.BackendKind
	remoteID  string
	launchErr error
	runs      map[string]*backend.Status
	cancelled map[string]bool
	launched  chan string
}

func newFakeBackend(kind domain.BackendKind) *fakeBackend {
	return &fakeBackend{
		kind:      kind,
		runs:      map[string]*backend.Status{},
		cancelled: map[string]bool{},
		launched:  make(chan string, 64),
	}
}

type fakeHandle struct {
	jobID    string
	remoteID string
}

func (h *fakeHandle) JobID() string    { return h.jobID }
func (h *fakeHandle) RemoteID() string { return h.remoteID }

func (b *fakeBackend) Kind() domain.BackendKind { return b.kind }

func (b *fakeBackend) Launch(_ context.Context, spec backend.LaunchSpec) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	b.runs[spec.JobID] = &backend.Status{State: backend.RunStateRunning}
	b.launched <- spec.JobID
	return &fakeHandle{jobID: spec.JobID, remoteID: b.remoteID}, nil
}

func (b *fakeBackend) Poll(_ context.Context, handle backend.Handle) (backend.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.runs[handle.JobID()]
	if !ok {
		return backend.Status{State: backend.RunStateRunning}, nil
	}
	return *status, nil
}

func (b *fakeBackend) Cancel(_ context.Context, handle backend.Handle, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[handle.JobID()] = true
	return nil
}

func (b *fakeBackend) Partitions(context.Context) ([]backend.Partition, error) {
	return []backend.Partition{{Name: "fake", State: "up"}}, nil
}

func (b *fakeBackend) finish(jobID string, status backend.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[jobID] = &status
}

func (b *fakeBackend) wasCancelled(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[jobID]
}

type fakeResolver struct {
	be backend.SchedulerBackend
}

func (r *fakeResolver) ForKind(domain.BackendKind) (backend.SchedulerBackend, error) {
	return r.be, nil
}

func newTestManager(t *testing.T, limits domain.ResourceLimits, be backend.SchedulerBackend) (*JobManager, *fakeSnapshots, *events.Publisher) {
	t.Helper()
	snapshots := newFakeSnapshots()
	publisher := events.NewPublisher(256)
	m := New(
		Config{Limits: limits, GracePeriod: 500 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		snapshots,
		&fakeResolver{be: be},
		publisher,
		NewMetrics(prometheus.NewRegistry()),
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	t.Cleanup(cancel)
	return m, snapshots, publisher
}

func localConfig(t *testing.T) *domain.JobConfig {
	t.Helper()
	config, err := domain.NewJobConfig("em", []string{"solver"}, 0, 0, domain.BackendLocal)
	require.NoError(t, err)
	return config
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	requireLaunched(t, be, jobID)
	code := 0
	be.finish(jobID, backend.Status{State: backend.RunStateCompleted, ExitCode: &code, Output: "solved"})

	info, err := m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, info.Status)
	assert.Equal(t, "solved", info.Output)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)
}

func TestSubmitRejectsInvalidConfig(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	_, err := m.SubmitJob(ctx, nil, 0)
	var invalid *schedulererrors.ErrInvalidJobConfig
	require.ErrorAs(t, err, &invalid)

	jobs, err := m.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job state may exist for a rejected config")
}

func TestJobIDsAreUnique(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
		require.NoError(t, err)
		require.False(t, seen[jobID], "job id issued twice")
		seen[jobID] = true
	}
}

func TestMaxConcurrentJobsIsNeverExceeded(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	first, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	second, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)

	requireLaunched(t, be, first)

	stats, err := m.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Queued)

	code := 0
	be.finish(first, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	requireLaunched(t, be, second)

	info, err := m.GetJob(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, info.Status)
}

func TestAdmissionWaitsForResourceHeadroom(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, snapshots, _ := newTestManager(t, domain.ResourceLimits{MaxCPUPercent: 80}, be)
	ctx := ctxWithTimeout(t)

	snapshots.set(domain.ResourceSnapshot{CPUPercent: 95, Timestamp: time.Now()})
	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)

	info, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, info.Status, "job must stay queued while the host is saturated")

	snapshots.set(domain.ResourceSnapshot{CPUPercent: 10, Timestamp: time.Now()})
	snapshots.tick()
	requireLaunched(t, be, jobID)
}

func TestHigherPriorityIsAdmittedFirst(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	blocker, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, blocker)

	low, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	high, err := m.SubmitJob(ctx, localConfig(t), 5)
	require.NoError(t, err)

	code := 0
	be.finish(blocker, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	assert.Equal(t, high, <-be.launched, "the higher-priority job runs first")

	be.finish(high, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	assert.Equal(t, low, <-be.launched)
}

func TestSetPriorityReordersQueue(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	blocker, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, blocker)

	a, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	b, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)

	require.NoError(t, m.SetPriority(ctx, b, 10))

	code := 0
	be.finish(blocker, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	assert.Equal(t, b, <-be.launched)

	be.finish(b, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	assert.Equal(t, a, <-be.launched)
}

func TestSetPriorityUnknownJob(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)

	err := m.SetPriority(ctxWithTimeout(t), "no-such-job", 1)
	var notFound *schedulererrors.ErrJobNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestCancelQueuedJob(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	blocker, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, blocker)

	queued, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)

	require.NoError(t, m.CancelJob(ctx, queued))
	info, err := m.GetJob(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, info.Status)
	assert.False(t, be.wasCancelled(queued), "a queued job never reached the backend")
}

func TestCancelRunningJob(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)

	require.NoError(t, m.CancelJob(ctx, jobID))
	info, err := m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, info.Status)
	assert.True(t, be.wasCancelled(jobID))
}

func TestRacingFailureIsRecordedAsCancelled(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)

	require.NoError(t, m.CancelJob(ctx, jobID))
	// The kill shows up to the poller as an ordinary failure.
	code := 137
	be.finish(jobID, backend.Status{State: backend.RunStateFailed, ExitCode: &code})

	info, err := m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, info.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)
	require.NoError(t, m.CancelJob(ctx, jobID))

	_, err = m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)

	// Cancelling a terminal job succeeds and changes nothing.
	require.NoError(t, m.CancelJob(ctx, jobID))
	info, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, info.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)

	err := m.CancelJob(ctxWithTimeout(t), "no-such-job")
	var notFound *schedulererrors.ErrJobNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestSubmissionFailureMovesJobToFailed(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	be.launchErr = &schedulererrors.ErrSubmissionFailed{Backend: "local", Message: "binary missing"}
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err, "submission failures happen after acceptance and are recorded on the job")

	info, err := m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, info.Status)
	assert.Contains(t, info.Error, "binary missing")
}

func TestUnsatisfiableRequirementFailsFast(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	config, err := domain.NewJobConfig("em", []string{"solver"}, runtime.NumCPU()+1, 0, domain.BackendLocal)
	require.NoError(t, err)

	_, err = m.SubmitJob(ctx, config, 0)
	var unavailable *schedulererrors.ErrResourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "cpu", unavailable.Resource)
}

func TestUnsatisfiableMemoryFailsFast(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, snapshots, _ := newTestManager(t, domain.ResourceLimits{MaxMemoryPercent: 50}, be)
	ctx := ctxWithTimeout(t)

	snapshots.set(domain.ResourceSnapshot{TotalMemory: 1 << 30, Timestamp: time.Now()})

	config, err := domain.NewJobConfig("em", []string{"solver"}, 0, 2048, domain.BackendLocal)
	require.NoError(t, err)

	_, err = m.SubmitJob(ctx, config, 0)
	var unavailable *schedulererrors.ErrResourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "memory", unavailable.Resource)
}

func TestClusterRequirementsAreNotCheckedLocally(t *testing.T) {
	be := newFakeBackend(domain.BackendSLURM)
	be.remoteID = "4242"
	m, snapshots, _ := newTestManager(t, domain.ResourceLimits{MaxMemoryPercent: 50}, be)
	ctx := ctxWithTimeout(t)

	snapshots.set(domain.ResourceSnapshot{TotalMemory: 1 << 30, Timestamp: time.Now()})

	config, err := domain.NewJobConfig("em", []string{"solver"}, 64, 1<<20, domain.BackendSLURM)
	require.NoError(t, err)
	config = config.WithOptions(&domain.SchedulerOptions{Queue: "compute"})

	jobID, err := m.SubmitJob(ctx, config, 0)
	require.NoError(t, err, "cluster resources are the batch system's concern")
	requireLaunched(t, be, jobID)
}

func TestWaitUntilDoneTimesOut(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)

	_, err = m.WaitUntilDone(ctx, jobID, 50*time.Millisecond)
	var timeout *schedulererrors.ErrWaitTimeout
	require.ErrorAs(t, err, &timeout)

	info, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, info.Status, "a wait timeout must not change job state")
}

func TestWaitUntilAllDone(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	first, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	second, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, first)
	requireLaunched(t, be, second)

	err = m.WaitUntilAllDone(ctx, 50*time.Millisecond)
	var timeout *schedulererrors.ErrWaitTimeout
	require.ErrorAs(t, err, &timeout)

	code := 0
	be.finish(first, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	be.finish(second, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	assert.NoError(t, m.WaitUntilAllDone(ctx, testTimeout))
}

func TestUpdateLimitsTriggersAdmission(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	first, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, first)
	second, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)

	require.NoError(t, m.UpdateLimits(ctx, domain.ResourceLimits{MaxConcurrentJobs: 2}))
	requireLaunched(t, be, second)
}

func TestUpdateLimitsValidates(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)

	err := m.UpdateLimits(ctxWithTimeout(t), domain.ResourceLimits{MaxCPUPercent: 200})
	var invalid *schedulererrors.ErrInvalidJobConfig
	require.ErrorAs(t, err, &invalid)
}

func TestPurgeTerminal(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	done, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, done)
	running, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, running)

	code := 0
	be.finish(done, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	_, err = m.WaitUntilDone(ctx, done, testTimeout)
	require.NoError(t, err)

	purged, err := m.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	jobs, err := m.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running, jobs[0].ID)
}

func TestListJobsIsOrderedBySubmission(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	var expected []string
	for i := 0; i < 5; i++ {
		jobID, err := m.SubmitJob(ctx, localConfig(t), i)
		require.NoError(t, err)
		expected = append(expected, jobID)
	}

	jobs, err := m.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, len(expected))
	for i, info := range jobs {
		assert.Equal(t, expected[i], info.ID)
	}
}

func TestEventsAreEmittedInOrder(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, publisher := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	ch, unsubscribe := publisher.Subscribe()
	defer unsubscribe()

	jobID, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)
	code := 0
	be.finish(jobID, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	_, err = m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)

	got := collectEvents(t, ch, 3)
	assert.Equal(t, events.JobQueued, got[0].Type)
	assert.Equal(t, events.JobStarted, got[1].Type)
	assert.Equal(t, events.JobCompleted, got[2].Type)
	assert.Equal(t, domain.JobCompleted, got[2].Status)
	for _, event := range got {
		assert.Equal(t, jobID, event.JobID)
	}
}

func TestRemoteJobsEmitScheduledEvent(t *testing.T) {
	be := newFakeBackend(domain.BackendSLURM)
	be.remoteID = "4242"
	m, _, publisher := newTestManager(t, domain.ResourceLimits{}, be)
	ctx := ctxWithTimeout(t)

	ch, unsubscribe := publisher.Subscribe()
	defer unsubscribe()

	config, err := domain.NewJobConfig("em", []string{"solver"}, 0, 0, domain.BackendSLURM)
	require.NoError(t, err)
	config = config.WithOptions(&domain.SchedulerOptions{Queue: "compute"})

	jobID, err := m.SubmitJob(ctx, config, 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)
	code := 0
	be.finish(jobID, backend.Status{State: backend.RunStateCompleted, ExitCode: &code})
	info, err := m.WaitUntilDone(ctx, jobID, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "4242", info.RemoteID)

	got := collectEvents(t, ch, 4)
	assert.Equal(t, events.JobQueued, got[0].Type)
	assert.Equal(t, events.JobStarted, got[1].Type)
	assert.Equal(t, events.JobScheduled, got[2].Type)
	assert.Equal(t, "4242", got[2].Metadata["remoteId"])
	assert.Equal(t, events.JobCompleted, got[3].Type)
}

func TestShutdownCancelsEverythingAndRejectsSubmissions(t *testing.T) {
	be := newFakeBackend(domain.BackendLocal)
	m, _, _ := newTestManager(t, domain.ResourceLimits{MaxConcurrentJobs: 1}, be)
	ctx := ctxWithTimeout(t)

	running, err := m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, running)
	_, err = m.SubmitJob(ctx, localConfig(t), 0)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx, 200*time.Millisecond))

	_, err = m.SubmitJob(context.Background(), localConfig(t), 0)
	var shuttingDown *schedulererrors.ErrShuttingDown
	require.ErrorAs(t, err, &shuttingDown)

	assert.True(t, be.wasCancelled(running))
}

func TestAdmissionCycleDurationIsRecorded(t *testing.T) {
	registry := prometheus.NewRegistry()
	be := newFakeBackend(domain.BackendLocal)
	m := New(
		Config{GracePeriod: 500 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		newFakeSnapshots(),
		&fakeResolver{be: be},
		events.NewPublisher(16),
		NewMetrics(registry),
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	t.Cleanup(cancel)

	jobID, err := m.SubmitJob(ctxWithTimeout(t), localConfig(t), 0)
	require.NoError(t, err)
	requireLaunched(t, be, jobID)

	require.Eventually(t, func() bool {
		families, err := registry.Gather()
		if err != nil {
			return false
		}
		for _, family := range families {
			if family.GetName() == "simsched_admission_cycle_duration_seconds" {
				return family.GetMetric()[0].GetHistogram().GetSampleCount() > 0
			}
		}
		return false
	}, testTimeout, 10*time.Millisecond)
}

func TestJobTimestampsComeFromClock(t *testing.T) {
	fixed := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	be := newFakeBackend(domain.BackendLocal)
	m := New(
		Config{GracePeriod: 500 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		newFakeSnapshots(),
		&fakeResolver{be: be},
		events.NewPublisher(16),
		NewMetrics(prometheus.NewRegistry()),
		util.FixedClock{T: fixed},
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	t.Cleanup(cancel)

	jobID, err := m.SubmitJob(ctxWithTimeout(t), localConfig(t), 0)
	require.NoError(t, err)

	info, err := m.GetJob(ctxWithTimeout(t), jobID)
	require.NoError(t, err)
	assert.Equal(t, fixed, info.CreatedAt)
	assert.Equal(t, fixed, info.UpdatedAt)
}

func requireLaunched(t *testing.T, be *fakeBackend, jobID string) {
	t.Helper()
	select {
	case launched := <-be.launched:
		require.Equal(t, jobID, launched)
	case <-time.After(testTimeout):
		t.Fatalf("job %s was not launched", jobID)
	}
}

func collectEvents(t *testing.T, ch <-chan events.Event, n int) []events.Event {
	t.Helper()
	got := make([]events.Event, 0, n)
	for len(got) < n {
		select {
		case event := <-ch:
			got = append(got, event)
		case <-time.After(testTimeout):
			t.Fatalf("received %d of %d expected events", len(got), n)
		}
	}
	return got
}
