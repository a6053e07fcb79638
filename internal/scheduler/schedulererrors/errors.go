// Package schedulererrors contains typed errors returned by the job scheduling
// backend. HTTP handlers look for the error types defined in this file and set
// the response status code accordingly.
//
// If multiple errors occur in some function (e.g., while cancelling several
// jobs during shutdown), that function should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package schedulererrors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidJobConfig is returned when a job config fails validation.
// Validation happens before any job state is created, so a job id is never
// issued for a config that produced this error.
type ErrInvalidJobConfig struct {
	Field   string      // Name of the offending field, e.g., "cores"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidJobConfig) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for job config field %q", err.Value, err.Field)
	}
	return fmt.Sprintf("value %q is invalid for job config field %q; %s", err.Value, err.Field, err.Message)
}

// ErrJobNotFound is returned by operations referencing an unknown job id.
type ErrJobNotFound struct {
	JobID   string
	Message string
}

func (err *ErrJobNotFound) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("job %q does not exist", err.JobID)
	}
	return fmt.Sprintf("job %q does not exist; %s", err.JobID, err.Message)
}

// ErrResourceUnavailable is returned at submission time when a job's declared
// resource requirement can never be satisfied under the configured limits or
// the host's capacity. Jobs waiting for transient headroom are not failed with
// this error; they simply remain queued.
type ErrResourceUnavailable struct {
	Resource  string // "cpu", "memory", or "disk"
	Requested float64
	Available float64
	Message   string
}

func (err *ErrResourceUnavailable) Error() string {
	s := fmt.Sprintf("requested %s (%v) exceeds what can ever be made available (%v)", err.Resource, err.Requested, err.Available)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrSubmissionFailed indicates that handing a job to its execution backend
// failed, e.g., because the backend CLI is missing or rejected the submission.
// The job moves to FAILED; no retry is performed.
type ErrSubmissionFailed struct {
	Backend string
	Message string
}

func (err *ErrSubmissionFailed) Error() string {
	return fmt.Sprintf("submission to backend %q failed: %s", err.Backend, err.Message)
}

// ErrExecutionTimeout indicates that a local subprocess exceeded its wall-time.
type ErrExecutionTimeout struct {
	JobID    string
	WallTime time.Duration
}

func (err *ErrExecutionTimeout) Error() string {
	return fmt.Sprintf("job %q exceeded its wall-time of %s and was killed", err.JobID, err.WallTime)
}

// ErrWaitTimeout is returned by the wait operations when the requested
// terminal condition was not reached within the caller-supplied timeout.
// It never implies any change to job state.
type ErrWaitTimeout struct {
	JobID   string // empty when waiting on all jobs
	Timeout time.Duration
}

func (err *ErrWaitTimeout) Error() string {
	if err.JobID == "" {
		return fmt.Sprintf("not all jobs reached a terminal state within %s", err.Timeout)
	}
	return fmt.Sprintf("job %q did not reach a terminal state within %s", err.JobID, err.Timeout)
}

// ErrShuttingDown is returned for submissions made after shutdown has started.
type ErrShuttingDown struct{}

func (err *ErrShuttingDown) Error() string {
	return "scheduler is shutting down and no longer accepts submissions"
}

// HTTPStatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just
// considering the topmost error in the chain.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	{
		var e *ErrInvalidJobConfig
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrResourceUnavailable
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrJobNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrSubmissionFailed
		if errors.As(err, &e) {
			return http.StatusBadGateway
		}
	}
	{
		var e *ErrWaitTimeout
		if errors.As(err, &e) {
			return http.StatusGatewayTimeout
		}
	}
	{
		var e *ErrShuttingDown
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}
