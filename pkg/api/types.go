// Package api defines the JSON wire types of the REST façade, shared by the
// server, the Go client and the CLI submission tool.
package api

import (
	"time"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// JobConfigSpec is the wire form of a job config.
type JobConfigSpec struct {
	Project     string                `json:"project"`
	Command     []string              `json:"command"`
	WorkingDir  string                `json:"workingDir,omitempty"`
	Environment map[string]string     `json:"environment,omitempty"`
	Cores       int                   `json:"cores,omitempty"`
	MemoryMB    int64                 `json:"memoryMb,omitempty"`
	DiskMB      int64                 `json:"diskMb,omitempty"`
	WallTime    Duration              `json:"wallTime,omitempty"`
	Backend     string                `json:"backend,omitempty"`
	Options     *SchedulerOptionsSpec `json:"options,omitempty"`
	Nodes       []MachineNodeSpec     `json:"nodes,omitempty"`
}

// SchedulerOptionsSpec is the wire form of batch-system submission options.
type SchedulerOptionsSpec struct {
	Queue        string   `json:"queue,omitempty"`
	Nodes        int      `json:"nodes,omitempty"`
	CoresPerNode int      `json:"coresPerNode,omitempty"`
	WallTime     Duration `json:"wallTime,omitempty"`
	Directives   []string `json:"directives,omitempty"`
}

// MachineNodeSpec is the wire form of one machine entry.
type MachineNodeSpec struct {
	Hostname string `json:"hostname"`
	Cores    int    `json:"cores,omitempty"`
	Remote   bool   `json:"remote,omitempty"`
}

// Duration marshals as a Go duration string, e.g. "1h30m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*d = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	// Bare numbers are accepted as seconds for CLI convenience.
	parsed, err := time.ParseDuration(s + "s")
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// SubmitJobRequest is the body of POST /jobs/submit.
type SubmitJobRequest struct {
	Config   JobConfigSpec `json:"config"`
	Priority int           `json:"priority,omitempty"`
}

// SubmitJobResponse acknowledges an accepted submission.
type SubmitJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobDetails is the wire form of one job's metadata.
type JobDetails struct {
	JobID     string    `json:"jobId"`
	Project   string    `json:"project"`
	Backend   string    `json:"backend"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

// SetPriorityRequest is the body of POST /jobs/{id}/priority.
type SetPriorityRequest struct {
	Priority int `json:"priority"`
}

// SuccessResponse acknowledges an operation with no other payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ToDomain converts the wire config into a validated domain config.
func (spec JobConfigSpec) ToDomain() (*domain.JobConfig, error) {
	kind, err := domain.ParseBackendKind(spec.Backend)
	if err != nil {
		return nil, err
	}
	config, err := domain.NewJobConfig(spec.Project, spec.Command, spec.Cores, spec.MemoryMB, kind)
	if err != nil {
		return nil, err
	}
	if spec.WorkingDir != "" {
		config = config.WithWorkingDir(spec.WorkingDir)
	}
	if len(spec.Environment) > 0 {
		config = config.WithEnvironment(spec.Environment)
	}
	if spec.DiskMB > 0 {
		config = config.WithDiskMB(spec.DiskMB)
	}
	if spec.WallTime > 0 {
		config = config.WithWallTime(time.Duration(spec.WallTime))
	}
	if spec.Options != nil {
		config = config.WithOptions(&domain.SchedulerOptions{
			Queue:        spec.Options.Queue,
			Nodes:        spec.Options.Nodes,
			CoresPerNode: spec.Options.CoresPerNode,
			WallTime:     time.Duration(spec.Options.WallTime),
			Directives:   spec.Options.Directives,
		})
	}
	if len(spec.Nodes) > 0 {
		nodes := make([]domain.MachineNode, len(spec.Nodes))
		for i, n := range spec.Nodes {
			nodes[i] = domain.MachineNode{Hostname: n.Hostname, Cores: n.Cores, Remote: n.Remote}
		}
		config = config.WithNodes(nodes)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SpecFromDomain converts a domain config back into its wire form.
func SpecFromDomain(config *domain.JobConfig) JobConfigSpec {
	spec := JobConfigSpec{
		Project:     config.Project(),
		Command:     config.Command(),
		WorkingDir:  config.WorkingDir(),
		Environment: config.Environment(),
		Cores:       config.Cores(),
		MemoryMB:    config.MemoryMB(),
		DiskMB:      config.DiskMB(),
		WallTime:    Duration(config.WallTime()),
		Backend:     string(config.Backend()),
	}
	if opts := config.Options(); opts != nil {
		spec.Options = &SchedulerOptionsSpec{
			Queue:        opts.Queue,
			Nodes:        opts.Nodes,
			CoresPerNode: opts.CoresPerNode,
			WallTime:     Duration(opts.WallTime),
			Directives:   opts.Directives,
		}
	}
	for _, n := range config.Nodes() {
		spec.Nodes = append(spec.Nodes, MachineNodeSpec{Hostname: n.Hostname, Cores: n.Cores, Remote: n.Remote})
	}
	return spec
}

// DetailsFromInfo converts a job snapshot into its wire form.
func DetailsFromInfo(info domain.JobInfo) JobDetails {
	return JobDetails{
		JobID:     info.ID,
		Project:   info.Project,
		Backend:   string(info.Backend),
		Priority:  info.Priority,
		Status:    string(info.Status),
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
		RemoteID:  info.RemoteID,
		Output:    info.Output,
		Error:     info.Error,
		ExitCode:  info.ExitCode,
	}
}
