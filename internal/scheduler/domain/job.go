package domain

import (
	"time"
)

// JobStatus is one state of the job state machine.
type JobStatus string

const (
	// JobPending: validated and accepted, not yet enqueued.
	JobPending JobStatus = "PENDING"
	// JobQueued: waiting on resource headroom or a concurrency slot.
	JobQueued JobStatus = "QUEUED"
	// JobRunning: handed to a scheduler backend.
	JobRunning JobStatus = "RUNNING"
	// JobCompleted: the backend reported a successful terminal outcome.
	JobCompleted JobStatus = "COMPLETED"
	// JobFailed: submission failed, the process exited non-zero, or the
	// backend rejected or aborted the run.
	JobFailed JobStatus = "FAILED"
	// JobCancelled: terminated by a cancel request before completing.
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal returns true if no further transition is defined out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job tracks one simulation-execution request through the state machine.
//
// A Job is owned exclusively by the manager loop: no other component mutates
// it directly. Backends report transitions and the loop applies them.
type Job struct {
	id        string
	config    *JobConfig
	priority  int
	status    JobStatus
	createdAt time.Time
	updatedAt time.Time
	// Logical timestamp indicating the order in which jobs are submitted.
	// Jobs with identical priority are admitted in timestamp order.
	timestamp int64
	// Id assigned by the external batch system, empty for local runs.
	remoteID string
	output   string
	errText  string
	exitCode *int
	// True if the caller has requested this job be cancelled.
	cancelRequested bool
}

// NewJob creates a job in the PENDING state.
func NewJob(id string, config *JobConfig, priority int, timestamp int64, now time.Time) *Job {
	return &Job{
		id:        id,
		config:    config,
		priority:  priority,
		status:    JobPending,
		createdAt: now,
		updatedAt: now,
		timestamp: timestamp,
	}
}

func (job *Job) ID() string           { return job.id }
func (job *Job) Config() *JobConfig   { return job.config }
func (job *Job) Priority() int        { return job.priority }
func (job *Job) Status() JobStatus    { return job.status }
func (job *Job) CreatedAt() time.Time { return job.createdAt }
func (job *Job) UpdatedAt() time.Time { return job.updatedAt }
func (job *Job) Timestamp() int64     { return job.timestamp }
func (job *Job) RemoteID() string     { return job.remoteID }
func (job *Job) Output() string       { return job.output }
func (job *Job) Error() string        { return job.errText }

// ExitCode returns the captured exit code, or nil if the job has not produced
// one (still running, cancelled before start, or submission failed).
func (job *Job) ExitCode() *int {
	if job.exitCode == nil {
		return nil
	}
	code := *job.exitCode
	return &code
}

// InTerminalState returns true if the job reached COMPLETED, FAILED or
// CANCELLED.
func (job *Job) InTerminalState() bool {
	return job.status.Terminal()
}

func (job *Job) CancelRequested() bool { return job.cancelRequested }

// SetStatus transitions the job. Transitions out of a terminal state are
// ignored rather than treated as errors.
func (job *Job) SetStatus(status JobStatus, now time.Time) {
	if job.status.Terminal() {
		return
	}
	job.status = status
	job.updatedAt = now
}

// SetPriority changes the job's scheduling priority.
func (job *Job) SetPriority(priority int, now time.Time) {
	job.priority = priority
	job.updatedAt = now
}

// SetRemoteID records the id assigned by the external batch system.
func (job *Job) SetRemoteID(remoteID string, now time.Time) {
	job.remoteID = remoteID
	job.updatedAt = now
}

// SetResult captures the terminal output of a run.
func (job *Job) SetResult(output, errText string, exitCode *int, now time.Time) {
	job.output = output
	job.errText = errText
	if exitCode != nil {
		code := *exitCode
		job.exitCode = &code
	}
	job.updatedAt = now
}

// SetCancelRequested marks the job as cancel-requested so that a racing
// failure report from the backend is recorded as CANCELLED.
func (job *Job) SetCancelRequested() {
	job.cancelRequested = true
}

// Info returns a read-only snapshot of the job's metadata, safe to hand out
// of the manager loop.
func (job *Job) Info() JobInfo {
	return JobInfo{
		ID:        job.id,
		Project:   job.config.Project(),
		Backend:   job.config.Backend(),
		Priority:  job.priority,
		Status:    job.status,
		CreatedAt: job.createdAt,
		UpdatedAt: job.updatedAt,
		RemoteID:  job.remoteID,
		Output:    job.output,
		Error:     job.errText,
		ExitCode:  job.ExitCode(),
	}
}

// JobInfo is an immutable view of a job's metadata.
type JobInfo struct {
	ID        string
	Project   string
	Backend   BackendKind
	Priority  int
	Status    JobStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	RemoteID  string
	Output    string
	Error     string
	ExitCode  *int
}
