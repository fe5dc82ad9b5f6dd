package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgesync/forgesync/internal/store"
	"github.com/forgesync/forgesync/internal/telemetry"
)

// Handler executes one job attempt. The returned value is stored as the
// job result on success.
type Handler func(ctx context.Context, job *Job) (any, error)

// Listener receives job lifecycle notifications
type Listener interface {
	// JobStarted is called when a worker picks up a job
	JobStarted(job *Job)

	// JobFinished is called when a job reaches a terminal state or is
	// scheduled for retry
	JobFinished(job *Job)
}

// HistoryRecorder persists job audit records. Satisfied by store.Store.
type HistoryRecorder interface {
	RecordJobHistory(ctx context.Context, record *store.JobRecord) error
}

// Option configures the pipeline
type Option func(*Pipeline)

// WithWorkers sets the number of concurrent workers
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMaxRetries sets the default retry budget per job
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithJobTimeout sets the hard per-job execution deadline
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithHistory sets the recorder that persists job audit records
func WithHistory(h HistoryRecorder) Option {
	return func(p *Pipeline) {
		p.history = h
	}
}

// WithListener registers a lifecycle listener
func WithListener(l Listener) Option {
	return func(p *Pipeline) {
		p.listeners = append(p.listeners, l)
	}
}

// WithMetrics sets the pipeline metrics recorder
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline is the job pipeline. All job state lives in an owned registry;
// a job is mutated only under the pipeline mutex by the worker holding it.
type Pipeline struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue *jobQueue
	jobs  map[string]*Job

	handlers map[JobType]Handler

	workers    int
	maxRetries int
	jobTimeout time.Duration

	paused  bool
	stopped bool
	seq     uint64

	retryTimers map[string]*time.Timer

	history   HistoryRecorder
	listeners []Listener
	metrics   *telemetry.PipelineMetrics

	// retryDelayFn computes the backoff before the next attempt; replaced
	// in tests
	retryDelayFn func(attempt int) time.Duration

	wg sync.WaitGroup
}

// New creates a pipeline with the given options. Handlers are registered
// with RegisterHandler before Start.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		queue:        newJobQueue(),
		jobs:         make(map[string]*Job),
		handlers:     make(map[JobType]Handler),
		workers:      3,
		maxRetries:   3,
		jobTimeout:   9 * time.Minute,
		retryTimers:  make(map[string]*time.Timer),
		retryDelayFn: retryDelay,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler binds a handler to a job type. Submitting a job of an
// unregistered type fails.
func (p *Pipeline) RegisterHandler(t JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	slog.Info("Starting job pipeline", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}

	// Wake blocked workers on context cancellation
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop stops worker pickup and waits for in-flight jobs to finish their
// current attempt. Queued jobs remain queued.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, timer := range p.retryTimers {
		timer.Stop()
		delete(p.retryTimers, id)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("Job pipeline stopped")
}

// Submit validates and enqueues a job, returning its id
func (p *Pipeline) Submit(ctx context.Context, t JobType, payload Payload, priority Priority) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", t)
	}
	if payload == nil {
		return "", fmt.Errorf("payload is required")
	}
	if err := payload.Validate(t); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", fmt.Errorf("pipeline is stopped")
	}
	if _, ok := p.handlers[t]; !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("no handler registered for job type %q", t)
	}

	p.seq++
	job := &Job{
		ID:         uuid.New().String(),
		Type:       t,
		Payload:    payload,
		Priority:   priority,
		Status:     StatusQueued,
		MaxRetries: p.maxRetries,
		CreatedAt:  time.Now(),
		seq:        p.seq,
		cancelled:  make(chan struct{}),
	}
	p.jobs[job.ID] = job
	p.queue.push(job)
	p.cond.Signal()
	depth := p.queue.Len()
	p.mu.Unlock()

	p.recordHistory(ctx, job)
	if p.metrics != nil {
		p.metrics.RecordQueueDepth(ctx, int64(depth))
	}

	slog.Debug("Job submitted", "job_id", job.ID, "type", t, "priority", priority)
	return job.ID, nil
}

// Get returns a copy of the job or store.ErrNotFound
func (p *Pipeline) Get(jobID string) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job.clone(), nil
}

// List returns copies of jobs matching the optional status and type
// filters, most recently created first
func (p *Pipeline) List(status Status, t JobType) []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]*Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		if status != "" && job.Status != status {
			continue
		}
		if t != "" && job.Type != t {
			continue
		}
		result = append(result, job.clone())
	}
	sortJobsByCreation(result)
	return result
}

// Pause stops worker pickup without discarding queued jobs
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	slog.Info("Job pipeline paused")
}

// Resume restarts worker pickup
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.cond.Broadcast()
	slog.Info("Job pipeline resumed")
}

// Paused reports whether the pipeline is paused
func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Cancel requests cooperative cancellation of a job. Queued jobs are
// cancelled immediately; processing jobs observe the flag at their next
// checkpoint; retrying jobs skip the pending retry.
func (p *Pipeline) Cancel(ctx context.Context, jobID string) error {
	p.mu.Lock()

	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return store.ErrNotFound
	}
	if job.terminal() {
		p.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	select {
	case <-job.cancelled:
	default:
		close(job.cancelled)
	}

	switch job.Status {
	case StatusQueued:
		p.queue.remove(jobID)
		p.finishLocked(job, StatusCancelled, "cancelled before execution")
	case StatusRetrying:
		if timer, ok := p.retryTimers[jobID]; ok {
			timer.Stop()
			delete(p.retryTimers, jobID)
		}
		p.finishLocked(job, StatusCancelled, "cancelled while awaiting retry")
	}
	jobCopy := job.clone()
	p.mu.Unlock()

	if jobCopy.Status == StatusCancelled {
		p.recordHistory(ctx, jobCopy)
		p.notifyFinished(jobCopy)
	}
	return nil
}

// ListDeadLetter returns copies of all dead-lettered jobs
func (p *Pipeline) ListDeadLetter() []*Job {
	return p.List(StatusDeadLetter, "")
}

// RetryDeadLetter resets a dead-lettered job and re-enqueues it. An empty
// jobID retries every job in the dead-letter queue; the returned count is
// the number of jobs re-enqueued.
func (p *Pipeline) RetryDeadLetter(ctx context.Context, jobID string) (int, error) {
	p.mu.Lock()

	var revived []*Job
	if jobID != "" {
		job, ok := p.jobs[jobID]
		if !ok {
			p.mu.Unlock()
			return 0, store.ErrNotFound
		}
		if job.Status != StatusDeadLetter {
			p.mu.Unlock()
			return 0, fmt.Errorf("job %s is %s, not deadletter", jobID, job.Status)
		}
		revived = append(revived, job)
	} else {
		for _, job := range p.jobs {
			if job.Status == StatusDeadLetter {
				revived = append(revived, job)
			}
		}
	}

	for _, job := range revived {
		job.RetryCount = 0
		job.Status = StatusQueued
		job.LastError = ""
		job.StartedAt = nil
		job.CompletedAt = nil
		job.cancelled = make(chan struct{})
		p.seq++
		job.seq = p.seq
		p.queue.push(job)
	}
	p.cond.Broadcast()
	copies := make([]*Job, len(revived))
	for i, job := range revived {
		copies[i] = job.clone()
	}
	p.mu.Unlock()

	for _, job := range copies {
		p.recordHistory(ctx, job)
	}
	if p.metrics != nil {
		p.metrics.RecordDeadLetterSize(ctx, int64(len(p.ListDeadLetter())))
	}

	slog.Info("Dead-letter jobs re-enqueued", "count", len(copies))
	return len(copies), nil
}

// Cleanup purges terminal jobs older than the retention window and returns
// the number purged. Dead-lettered jobs are kept for manual reprocessing.
func (p *Pipeline) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	p.mu.Lock()
	defer p.mu.Unlock()

	purged := 0
	for id, job := range p.jobs {
		if job.Status == StatusDeadLetter || !job.terminal() {
			continue
		}
		finished := job.CompletedAt
		if finished == nil || finished.After(cutoff) {
			continue
		}
		delete(p.jobs, id)
		purged++
	}

	if purged > 0 {
		slog.Info("Purged terminal jobs", "count", purged)
	}
	return purged
}

// workerLoop picks and executes jobs until the pipeline stops
func (p *Pipeline) workerLoop(ctx context.Context, workerID int) {
	for {
		job := p.next()
		if job == nil {
			return
		}
		p.execute(ctx, job, workerID)
	}
}

// next blocks until a job is available and the pipeline is neither paused
// nor stopped. Returns nil on stop.
func (p *Pipeline) next() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.stopped {
			return nil
		}
		if !p.paused {
			if job := p.queue.pop(); job != nil {
				now := time.Now()
				job.Status = StatusProcessing
				job.StartedAt = &now
				return job
			}
		}
		p.cond.Wait()
	}
}

// execute runs one attempt of a job under the per-job deadline
func (p *Pipeline) execute(ctx context.Context, job *Job, workerID int) {
	handler := p.handlerFor(job.Type)
	jobCopy := p.cloneJob(job)

	p.recordHistory(ctx, jobCopy)
	p.notifyStarted(jobCopy)
	if p.metrics != nil {
		p.metrics.RecordJobStarted(ctx, string(job.Type))
	}

	slog.Info("Job processing",
		"job_id", job.ID, "type", job.Type, "worker", workerID, "attempt", job.RetryCount+1)

	attemptCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		result, err := handler(attemptCtx, job)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if job.IsCancelled() {
			// Chunk results of a cancelled job are discarded
			p.transition(ctx, job, StatusCancelled, "cancelled during execution", nil)
			return
		}
		if out.err != nil {
			p.handleFailure(ctx, job, out.err)
			return
		}
		p.transition(ctx, job, StatusCompleted, "", out.result)
		if p.metrics != nil {
			p.metrics.RecordJobDuration(ctx, string(job.Type), time.Since(started), true)
		}

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Pipeline shutdown, not a job timeout
			p.transition(ctx, job, StatusFailed, "pipeline shutdown", nil)
			return
		}
		// The handler may still be logically running in the background;
		// the job is failed regardless so the worker is freed.
		p.transition(ctx, job, StatusFailed, "timeout", nil)
		if p.metrics != nil {
			p.metrics.RecordJobDuration(ctx, string(job.Type), time.Since(started), false)
		}
		slog.Warn("Job timed out", "job_id", job.ID, "type", job.Type, "timeout", p.jobTimeout)
	}
}

// handleFailure applies the retry/backoff state machine after a failed
// attempt
func (p *Pipeline) handleFailure(ctx context.Context, job *Job, attemptErr error) {
	p.mu.Lock()
	job.RetryCount++
	job.LastError = attemptErr.Error()
	job.ErrorTrail = append(job.ErrorTrail, AttemptError{
		Attempt: job.RetryCount,
		Message: attemptErr.Error(),
		At:      time.Now(),
	})

	if job.RetryCount >= job.MaxRetries {
		p.finishLocked(job, StatusDeadLetter, job.LastError)
		jobCopy := job.clone()
		p.mu.Unlock()

		p.recordHistory(ctx, jobCopy)
		p.notifyFinished(jobCopy)
		if p.metrics != nil {
			p.metrics.RecordDeadLetterSize(ctx, int64(len(p.ListDeadLetter())))
		}
		slog.Error("Job moved to dead-letter queue",
			"job_id", jobCopy.ID, "type", jobCopy.Type, "retries", jobCopy.RetryCount, "error", jobCopy.LastError)
		return
	}

	delay := p.retryDelayFn(job.RetryCount)
	job.Status = StatusRetrying

	jobID := job.ID
	p.retryTimers[jobID] = time.AfterFunc(delay, func() {
		p.requeueAfterRetry(jobID)
	})
	jobCopy := job.clone()
	p.mu.Unlock()

	p.recordHistory(ctx, jobCopy)
	slog.Warn("Job attempt failed, retry scheduled",
		"job_id", jobCopy.ID, "type", jobCopy.Type, "attempt", jobCopy.RetryCount, "delay", delay, "error", attemptErr)
}

// requeueAfterRetry moves a retrying job back onto the queue once its
// backoff delay elapses
func (p *Pipeline) requeueAfterRetry(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.retryTimers, jobID)

	job, ok := p.jobs[jobID]
	if !ok || job.Status != StatusRetrying || p.stopped {
		return
	}
	if job.IsCancelled() {
		p.finishLocked(job, StatusCancelled, "cancelled while awaiting retry")
		return
	}

	job.Status = StatusQueued
	p.seq++
	job.seq = p.seq
	p.queue.push(job)
	p.cond.Signal()
}

// transition moves a job to a terminal state and emits notifications
func (p *Pipeline) transition(ctx context.Context, job *Job, status Status, reason string, result any) {
	p.mu.Lock()
	p.finishLocked(job, status, reason)
	job.Result = result
	jobCopy := job.clone()
	p.mu.Unlock()

	p.recordHistory(ctx, jobCopy)
	p.notifyFinished(jobCopy)
}

// finishLocked stamps a terminal state. Caller holds the mutex.
func (p *Pipeline) finishLocked(job *Job, status Status, reason string) {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if reason != "" {
		job.LastError = reason
	}
}

func (p *Pipeline) handlerFor(t JobType) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[t]
}

func (p *Pipeline) cloneJob(job *Job) *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return job.clone()
}

func (p *Pipeline) recordHistory(ctx context.Context, job *Job) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordJobHistory(ctx, job.historyRecord()); err != nil {
		slog.Error("Failed to record job history", "job_id", job.ID, "error", err)
	}
}

func (p *Pipeline) notifyStarted(job *Job) {
	for _, l := range p.listeners {
		l.JobStarted(job)
	}
}

func (p *Pipeline) notifyFinished(job *Job) {
	for _, l := range p.listeners {
		l.JobFinished(job)
	}
}

// retryDelay returns 2^attempt seconds for the k-th failed attempt
func retryDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func sortJobsByCreation(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
