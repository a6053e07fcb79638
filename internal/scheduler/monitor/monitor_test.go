package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

type fakeSampler struct {
	mu        sync.Mutex
	snapshots []domain.ResourceSnapshot
	errs      []error
	calls     int
}

func (s *fakeSampler) Sample() (domain.ResourceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return domain.ResourceSnapshot{}, s.errs[i]
	}
	if i >= len(s.snapshots) {
		i = len(s.snapshots) - 1
	}
	return s.snapshots[i], nil
}

func TestSamplesImmediatelyAndTicks(t *testing.T) {
	sampler := &fakeSampler{snapshots: []domain.ResourceSnapshot{
		{CPUPercent: 42, Timestamp: time.Now()},
	}}
	m := New(sampler, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	select {
	case <-m.Ticks():
	case <-time.After(time.Second):
		t.Fatal("no tick after the initial sample")
	}
	assert.Equal(t, 42.0, m.Latest().CPUPercent)
}

func TestFailedSampleRetainsLastSnapshot(t *testing.T) {
	good := domain.ResourceSnapshot{CPUPercent: 10, Timestamp: time.Now()}
	sampler := &fakeSampler{
		snapshots: []domain.ResourceSnapshot{good, good},
		errs:      []error{nil, errors.New("telemetry broken")},
	}
	m := New(sampler, time.Hour)

	m.sample()
	require.Equal(t, 10.0, m.Latest().CPUPercent)

	m.sample()
	assert.Equal(t, 10.0, m.Latest().CPUPercent, "failed sample must not clear the snapshot")
}

func TestTickSendsNeverBlock(t *testing.T) {
	sampler := &fakeSampler{snapshots: []domain.ResourceSnapshot{{Timestamp: time.Now()}}}
	m := New(sampler, time.Hour)

	// Nobody is draining the tick channel; repeated samples must not block.
	for i := 0; i < 10; i++ {
		m.sample()
	}
}

func TestHealthCheck(t *testing.T) {
	sampler := &fakeSampler{snapshots: []domain.ResourceSnapshot{{Timestamp: time.Now()}}}
	m := New(sampler, time.Minute)

	assert.Error(t, m.Check(), "no sample yet")

	m.sample()
	assert.NoError(t, m.Check())
}

func TestHealthCheckDetectsStaleSample(t *testing.T) {
	old := domain.ResourceSnapshot{Timestamp: time.Now().Add(-time.Hour)}
	sampler := &fakeSampler{snapshots: []domain.ResourceSnapshot{old}}
	m := New(sampler, time.Minute)
	m.sample()
	assert.Error(t, m.Check())
}
