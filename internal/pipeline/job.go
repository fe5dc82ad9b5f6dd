// Package pipeline implements the generic job pipeline: a priority queue,
// a bounded worker pool, retry with exponential backoff, and a dead-letter
// queue for jobs that exhaust their retries.
package pipeline

import (
	"fmt"
	"time"

	"github.com/forgesync/forgesync/internal/store"
)

// JobType identifies the kind of work a job carries
type JobType string

const (
	// JobTypeSyncFull runs a full sync of all resources in scope
	JobTypeSyncFull JobType = "sync_full"

	// JobTypeSyncIncremental syncs resources changed since the last
	// successful run
	JobTypeSyncIncremental JobType = "sync_incremental"

	// JobTypeSyncResource syncs one explicitly named resource
	JobTypeSyncResource JobType = "sync_resource"

	// JobTypeWebhookApply applies a webhook-driven change
	JobTypeWebhookApply JobType = "webhook_apply"

	// JobTypeMaintenance runs a maintenance task such as cleanup
	JobTypeMaintenance JobType = "maintenance"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTypeSyncFull, JobTypeSyncIncremental, JobTypeSyncResource,
		JobTypeWebhookApply, JobTypeMaintenance:
		return true
	}
	return false
}

// Priority orders jobs in the queue; higher runs first
type Priority int

const (
	PriorityCritical Priority = 10
	PriorityHigh     Priority = 5
	PriorityNormal   Priority = 0
	PriorityLow      Priority = -5
)

// ParsePriority maps a priority name to its value, defaulting to normal
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "deadletter"
	StatusCancelled  Status = "cancelled"
)

// AttemptError records one failed execution attempt
type AttemptError struct {
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is one unit of work owned by the pipeline. A job is mutated only by
// the worker that holds it; external readers receive copies.
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Payload     Payload        `json:"payload"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorTrail  []AttemptError `json:"error_trail,omitempty"`
	Result      any            `json:"result,omitempty"`

	// seq orders equal-priority jobs by enqueue time
	seq uint64

	// cancelled is the cooperative cancellation flag, checked by handlers
	// at chunk boundaries and by the pipeline before retry sleeps
	cancelled chan struct{}
}

// Cancelled returns the channel closed when the job is cancelled
func (j *Job) Cancelled() <-chan struct{} {
	return j.cancelled
}

// IsCancelled reports whether cancellation was requested
func (j *Job) IsCancelled() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// clone returns a copy safe to hand outside the pipeline
func (j *Job) clone() *Job {
	jobCopy := *j
	jobCopy.ErrorTrail = append([]AttemptError(nil), j.ErrorTrail...)
	return &jobCopy
}

// terminal reports whether the job is in a final state
func (j *Job) terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// historyRecord projects the job onto its persisted audit record
func (j *Job) historyRecord() *store.JobRecord {
	return &store.JobRecord{
		ID:          j.ID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Priority:    int(j.Priority),
		RetryCount:  j.RetryCount,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
