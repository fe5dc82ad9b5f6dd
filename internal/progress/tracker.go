// Package progress tracks job and sync run lifecycle state and fans out
// live progress snapshots to subscribers.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/store"
)

// subscriberBuffer bounds the per-subscriber snapshot queue. A full buffer
// drops the snapshot for that subscriber rather than blocking the producer.
const subscriberBuffer = 16

// JobStatus is the live view of one job's execution
type JobStatus struct {
	JobID      string                   `json:"job_id"`
	State      string                   `json:"state"`
	Progress   *models.ProgressSnapshot `json:"progress,omitempty"`
	Run        *models.SyncRun          `json:"run,omitempty"`
	LastError  string                   `json:"last_error,omitempty"`
	StartedAt  *time.Time               `json:"started_at,omitempty"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

// Stats summarizes recorded sync runs
type Stats struct {
	TotalRuns     int     `json:"total_runs"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// RunRecorder persists sync runs and serves run history. Satisfied by
// store.Store.
type RunRecorder interface {
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)
}

// Tracker implements the progress tracker. It doubles as a pipeline
// lifecycle listener.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]*JobStatus

	subMu       sync.Mutex
	subscribers map[int]chan models.ProgressSnapshot
	nextSubID   int

	runs RunRecorder
}

// NewTracker creates a tracker persisting runs through runs
func NewTracker(runs RunRecorder) *Tracker {
	return &Tracker{
		statuses:    make(map[string]*JobStatus),
		subscribers: make(map[int]chan models.ProgressSnapshot),
		runs:        runs,
	}
}

// RecordStart marks a job as running. Used by handlers that report
// progress outside the pipeline's own lifecycle notifications.
func (t *Tracker) RecordStart(jobID string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[jobID]
	if !ok {
		status = &JobStatus{JobID: jobID}
		t.statuses[jobID] = status
	}
	status.State = string(pipeline.StatusProcessing)
	if status.StartedAt == nil {
		status.StartedAt = &now
	}
}

// JobStarted records that a worker picked up the job
func (t *Tracker) JobStarted(job *pipeline.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[job.ID]
	if !ok {
		status = &JobStatus{JobID: job.ID}
		t.statuses[job.ID] = status
	}
	status.State = string(job.Status)
	status.StartedAt = job.StartedAt
	status.LastError = job.LastError
}

// JobFinished records a terminal or retrying transition
func (t *Tracker) JobFinished(job *pipeline.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[job.ID]
	if !ok {
		status = &JobStatus{JobID: job.ID}
		t.statuses[job.ID] = status
	}
	status.State = string(job.Status)
	status.FinishedAt = job.CompletedAt
	status.LastError = job.LastError
}

// RecordProgress stores the latest snapshot for a job and broadcasts it to
// subscribers. Delivery is at-most-once per subscriber; slow subscribers
// miss snapshots instead of blocking the producer.
func (t *Tracker) RecordProgress(jobID string, snapshot models.ProgressSnapshot) {
	snapshot.JobID = jobID
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = time.Now()
	}

	t.mu.Lock()
	status, ok := t.statuses[jobID]
	if !ok {
		status = &JobStatus{JobID: jobID, State: string(pipeline.StatusProcessing)}
		t.statuses[jobID] = status
	}
	snapshotCopy := snapshot
	status.Progress = &snapshotCopy
	t.mu.Unlock()

	t.broadcast(snapshot)
}

// RecordFinish persists a finished sync run and attaches it to the job
// status. A run with no owning job id is persisted without status state.
func (t *Tracker) RecordFinish(ctx context.Context, jobID string, run *models.SyncRun) {
	if run != nil && t.runs != nil {
		if err := t.runs.RecordSyncRun(ctx, run); err != nil {
			slog.Error("Failed to record sync run", "run_id", run.ID, "error", err)
		}
	}

	if jobID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[jobID]
	if !ok {
		status = &JobStatus{JobID: jobID}
		t.statuses[jobID] = status
	}
	status.Run = run
}

// GetStatus returns the live status for a job, or store.ErrNotFound
func (t *Tracker) GetStatus(jobID string) (*JobStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status, ok := t.statuses[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	statusCopy := *status
	return &statusCopy, nil
}

// GetHistory returns up to limit recorded sync runs, most recent first
func (t *Tracker) GetHistory(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	if t.runs == nil {
		return nil, nil
	}
	return t.runs.ListSyncRuns(ctx, limit)
}

// statsWindow bounds how many runs feed the aggregate stats
const statsWindow = 500

// GetStats aggregates recent run history
func (t *Tracker) GetStats(ctx context.Context) (*Stats, error) {
	if t.runs == nil {
		return &Stats{}, nil
	}

	runs, err := t.runs.ListSyncRuns(ctx, statsWindow)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalRuns: len(runs)}
	if len(runs) == 0 {
		return stats, nil
	}

	succeeded := 0
	var totalDuration time.Duration
	for _, run := range runs {
		if run.Success {
			succeeded++
		}
		totalDuration += run.Duration()
	}
	stats.SuccessRate = float64(succeeded) / float64(len(runs))
	stats.AvgDurationMs = float64(totalDuration.Milliseconds()) / float64(len(runs))
	return stats, nil
}

// Subscribe registers a live snapshot subscriber. The returned cancel
// function removes the subscription and closes the channel.
func (t *Tracker) Subscribe() (<-chan models.ProgressSnapshot, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextSubID
	t.nextSubID++

	ch := make(chan models.ProgressSnapshot, subscriberBuffer)
	t.subscribers[id] = ch

	cancel := func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if sub, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// broadcast delivers a snapshot to every subscriber without blocking
func (t *Tracker) broadcast(snapshot models.ProgressSnapshot) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for _, ch := range t.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Subscriber is slow; drop the snapshot for it
		}
	}
}
