package domain

import (
	"time"

	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

// ResourceLimits is the process-wide admission policy. It is read on every
// admission decision and may be updated administratively at any time; updates
// take effect on the next decision.
//
// A limit of 0 disables the corresponding check.
type ResourceLimits struct {
	MaxConcurrentJobs int     `json:"maxConcurrentJobs"`
	MaxCPUPercent     float64 `json:"maxCpuPercent"`
	MaxMemoryPercent  float64 `json:"maxMemoryPercent"`
	MaxDiskPercent    float64 `json:"maxDiskPercent"`
}

// Validate rejects limits that could never admit anything or are out of range.
func (l ResourceLimits) Validate() error {
	if l.MaxConcurrentJobs < 0 {
		return &schedulererrors.ErrInvalidJobConfig{Field: "maxConcurrentJobs", Value: l.MaxConcurrentJobs, Message: "must be >= 0"}
	}
	for field, v := range map[string]float64{
		"maxCpuPercent":    l.MaxCPUPercent,
		"maxMemoryPercent": l.MaxMemoryPercent,
		"maxDiskPercent":   l.MaxDiskPercent,
	} {
		if v < 0 || v > 100 {
			return &schedulererrors.ErrInvalidJobConfig{Field: field, Value: v, Message: "must be in [0, 100]"}
		}
	}
	return nil
}

// ResourceSnapshot is a point-in-time measurement of host telemetry. It is
// replaced wholesale by the resource monitor on each sampling tick; readers
// never observe a partially updated snapshot.
type ResourceSnapshot struct {
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryPercent   float64   `json:"memoryPercent"`
	AvailableMemory uint64    `json:"availableMemory"`
	TotalMemory     uint64    `json:"totalMemory"`
	DiskPercent     float64   `json:"diskPercent"`
	AvailableDisk   uint64    `json:"availableDisk"`
	TotalDisk       uint64    `json:"totalDisk"`
	Timestamp       time.Time `json:"timestamp"`
}

// HasHeadroom reports whether the snapshot shows utilisation below every
// configured limit. Limits set to 0 are not checked. A zero snapshot (the
// monitor has not sampled yet) reports headroom so that a broken telemetry
// source does not wedge the queue.
func (s ResourceSnapshot) HasHeadroom(limits ResourceLimits) bool {
	if s.Timestamp.IsZero() {
		return true
	}
	if limits.MaxCPUPercent > 0 && s.CPUPercent >= limits.MaxCPUPercent {
		return false
	}
	if limits.MaxMemoryPercent > 0 && s.MemoryPercent >= limits.MaxMemoryPercent {
		return false
	}
	if limits.MaxDiskPercent > 0 && s.DiskPercent >= limits.MaxDiskPercent {
		return false
	}
	return true
}
