// Package handler exposes the asynchronous manager core to blocking callers.
//
// The core's loop and the resource monitor run on dedicated background
// goroutines owned by the handler; every public call is marshalled across
// that boundary through the manager's command channel, so the handler is safe
// to use concurrently from any number of caller threads.
package handler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ansys/simsched/internal/common/health"
	"github.com/ansys/simsched/internal/scheduler/backend"
	"github.com/ansys/simsched/internal/scheduler/configuration"
	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/events"
	"github.com/ansys/simsched/internal/scheduler/manager"
	"github.com/ansys/simsched/internal/scheduler/monitor"
)

// SyncHandler runs the scheduling core and blocks callers until their
// operation has been applied by the loop.
type SyncHandler struct {
	manager   *manager.JobManager
	monitor   *monitor.ResourceMonitor
	registry  *backend.Registry
	publisher *events.Publisher
	grace     time.Duration

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New starts the monitor and manager loop and returns a ready handler.
// The prometheus registerer may be nil when metrics are not scraped.
func New(config configuration.Configuration, registerer prometheus.Registerer) *SyncHandler {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	sampler := monitor.NewHostSampler(config.Monitor.DiskPath)
	return NewWithSampler(config, registerer, sampler)
}

// NewWithSampler is New with a caller-supplied telemetry sampler, used by
// tests to control admission decisions.
func NewWithSampler(config configuration.Configuration, registerer prometheus.Registerer, sampler monitor.Sampler) *SyncHandler {
	resourceMonitor := monitor.New(sampler, config.Monitor.SampleInterval)
	registry := backend.NewRegistry(backend.NewExecRunner())
	publisher := events.NewPublisher(config.Events.Buffer)
	grace := config.Scheduling.GracePeriod
	if grace <= 0 {
		grace = manager.DefaultGracePeriod
	}

	jobManager := manager.New(
		manager.Config{
			Limits:       config.Scheduling.Limits,
			GracePeriod:  grace,
			PollInterval: config.Scheduling.PollInterval,
		},
		resourceMonitor,
		registry,
		publisher,
		manager.NewMetrics(registerer),
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	h := &SyncHandler{
		manager:   jobManager,
		monitor:   resourceMonitor,
		registry:  registry,
		publisher: publisher,
		grace:     grace,
		cancel:    cancel,
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		_ = resourceMonitor.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		_ = jobManager.Run(ctx)
	}()
	return h
}

// SubmitJob validates the config and returns the new job's id.
func (h *SyncHandler) SubmitJob(ctx context.Context, config *domain.JobConfig, priority int) (string, error) {
	return h.manager.SubmitJob(ctx, config, priority)
}

// CancelJob is idempotent; cancelling a terminal job succeeds with no effect.
func (h *SyncHandler) CancelJob(ctx context.Context, jobID string) error {
	return h.manager.CancelJob(ctx, jobID)
}

func (h *SyncHandler) SetPriority(ctx context.Context, jobID string, priority int) error {
	return h.manager.SetPriority(ctx, jobID, priority)
}

func (h *SyncHandler) ListJobs(ctx context.Context) ([]domain.JobInfo, error) {
	return h.manager.ListJobs(ctx)
}

func (h *SyncHandler) GetJob(ctx context.Context, jobID string) (domain.JobInfo, error) {
	return h.manager.GetJob(ctx, jobID)
}

func (h *SyncHandler) GetQueueStats(ctx context.Context) (manager.QueueStats, error) {
	return h.manager.GetQueueStats(ctx)
}

func (h *SyncHandler) WaitUntilDone(ctx context.Context, jobID string, timeout time.Duration) (domain.JobInfo, error) {
	return h.manager.WaitUntilDone(ctx, jobID, timeout)
}

func (h *SyncHandler) WaitUntilAllDone(ctx context.Context, timeout time.Duration) error {
	return h.manager.WaitUntilAllDone(ctx, timeout)
}

func (h *SyncHandler) UpdateLimits(ctx context.Context, limits domain.ResourceLimits) error {
	return h.manager.UpdateLimits(ctx, limits)
}

func (h *SyncHandler) PurgeTerminal(ctx context.Context) (int, error) {
	return h.manager.PurgeTerminal(ctx)
}

// Resources returns the latest telemetry snapshot.
func (h *SyncHandler) Resources() domain.ResourceSnapshot {
	return h.monitor.Latest()
}

// Subscribe registers an event listener; the returned function unsubscribes.
func (h *SyncHandler) Subscribe() (<-chan events.Event, func()) {
	return h.publisher.Subscribe()
}

// Partitions queries the given backend for its queues/partitions.
func (h *SyncHandler) Partitions(ctx context.Context, kind domain.BackendKind) ([]backend.Partition, error) {
	be, err := h.registry.ForKind(kind)
	if err != nil {
		return nil, err
	}
	return be.Partitions(ctx)
}

// SupportedBackends lists the backends available on this platform.
func (h *SyncHandler) SupportedBackends() []domain.BackendKind {
	return h.registry.Kinds()
}

// HealthChecker reports readiness of the telemetry loop.
func (h *SyncHandler) HealthChecker() health.Checker {
	return health.NewMultiChecker(h.monitor)
}

// Close shuts the core down: submissions are rejected, every non-terminal
// job is cancelled with the configured grace period, and the background
// workers are joined. Safe to call more than once.
func (h *SyncHandler) Close() error {
	h.closeOnce.Do(func() {
		var result *multierror.Error
		ctx, cancel := context.WithTimeout(context.Background(), h.grace+time.Minute)
		defer cancel()
		if err := h.manager.Shutdown(ctx, h.grace); err != nil {
			result = multierror.Append(result, err)
		}
		h.cancel()
		h.wg.Wait()
		h.publisher.Close()
		h.closeErr = result.ErrorOrNil()
	})
	return h.closeErr
}
