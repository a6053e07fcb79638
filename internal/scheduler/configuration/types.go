package configuration

import (
	"time"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// Configuration for the scheduling backend, loaded via viper from
// config/simsched/config.yaml with SIMSCHED_* environment overrides.
type Configuration struct {
	Http       HttpConfig
	Scheduling SchedulingConfig
	Monitor    MonitorConfig
	Events     EventsConfig
}

type HttpConfig struct {
	// Bind host for the REST façade, default "localhost".
	Host string
	// Bind port, default 8080.
	Port int
}

type SchedulingConfig struct {
	Limits domain.ResourceLimits
	// Grace period between the graceful termination signal and the forced
	// kill, default 30s.
	GracePeriod time.Duration
	// Interval at which running jobs are polled for status.
	PollInterval time.Duration
}

type MonitorConfig struct {
	// Telemetry sampling interval, default 5s.
	SampleInterval time.Duration
	// Mount point sampled for disk telemetry; defaults to the OS root volume.
	DiskPath string
}

type EventsConfig struct {
	// Per-subscriber event buffer; a subscriber falling further behind than
	// this misses events.
	Buffer int
}
