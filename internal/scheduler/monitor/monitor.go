// Package monitor maintains a continuously refreshed snapshot of host
// CPU/memory/disk telemetry for the admission controller and the REST façade.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ansys/simsched/internal/common/logging"
	"github.com/ansys/simsched/internal/scheduler/domain"
)

const DefaultSampleInterval = 5 * time.Second

// Sampler produces one telemetry snapshot per call.
type Sampler interface {
	Sample() (domain.ResourceSnapshot, error)
}

// ResourceMonitor samples host telemetry at a fixed interval and exposes the
// latest snapshot read-only. A failed sample is logged and the last-known
// snapshot is retained; sampling failures never stop the monitor.
type ResourceMonitor struct {
	sampler  Sampler
	interval time.Duration
	snapshot atomic.Value // domain.ResourceSnapshot
	ticks    chan struct{}
}

func New(sampler Sampler, interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	m := &ResourceMonitor{
		sampler:  sampler,
		interval: interval,
		ticks:    make(chan struct{}, 1),
	}
	m.snapshot.Store(domain.ResourceSnapshot{})
	return m
}

// Latest returns the most recent snapshot. Before the first successful sample
// it returns the zero snapshot.
func (m *ResourceMonitor) Latest() domain.ResourceSnapshot {
	return m.snapshot.Load().(domain.ResourceSnapshot)
}

// Ticks signals each completed sampling pass. The channel has a buffer of one
// and sends never block, so a slow consumer only coalesces ticks.
func (m *ResourceMonitor) Ticks() <-chan struct{} {
	return m.ticks
}

// Run samples immediately and then on every interval until ctx is cancelled.
func (m *ResourceMonitor) Run(ctx context.Context) error {
	m.sample()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	snapshot, err := m.sampler.Sample()
	if err != nil {
		logging.WithStacktrace(log.WithField("service", "ResourceMonitor"), err).
			Warn("failed to sample host telemetry; keeping last snapshot")
	} else {
		m.snapshot.Store(snapshot)
	}
	select {
	case m.ticks <- struct{}{}:
	default:
	}
}

// Check implements health.Checker: the monitor is healthy if it has produced
// a snapshot no older than three sampling intervals.
func (m *ResourceMonitor) Check() error {
	snapshot := m.Latest()
	if snapshot.Timestamp.IsZero() {
		return errNoSample
	}
	if time.Since(snapshot.Timestamp) > 3*m.interval {
		return errStaleSample
	}
	return nil
}

var (
	errNoSample    = staleError("no telemetry sample has been taken yet")
	errStaleSample = staleError("latest telemetry sample is stale")
)

type staleError string

func (e staleError) Error() string { return string(e) }
