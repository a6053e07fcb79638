// Package events defines the push events emitted by the job manager on every
// state transition and the fan-out used to deliver them to subscribers.
package events

import (
	"time"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// Type names one kind of push event.
type Type string

const (
	// JobQueued: the job was accepted and entered the queue.
	JobQueued Type = "job_queued"
	// JobStarted: the job was admitted and handed to a backend.
	JobStarted Type = "job_started"
	// JobScheduled: an external batch system assigned the job a remote id.
	// Emitted for cluster runs only.
	JobScheduled Type = "job_scheduled"
	// JobCompleted: the job reached a terminal state. The Status field
	// distinguishes COMPLETED, FAILED and CANCELLED.
	JobCompleted Type = "job_completed"
)

// Event is one state-transition notification. Events for a given job are
// emitted in transition order and exactly once per transition.
type Event struct {
	Type      Type             `json:"type"`
	JobID     string           `json:"jobId"`
	Status    domain.JobStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	// Adapter-specific metadata, e.g. the remote id for cluster runs.
	Metadata map[string]string `json:"metadata,omitempty"`
}
