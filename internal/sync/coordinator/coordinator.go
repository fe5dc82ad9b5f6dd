// Package coordinator runs the background loop that keeps the canonical
// store fresh by submitting incremental sync jobs on a jittered interval.
package coordinator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
)

const (
	// defaultInterval is the base scheduling interval between incremental
	// sync submissions
	defaultInterval = 30 * time.Minute

	// jitterFraction bounds the random offset applied to the interval so
	// multiple instances do not hit the upstream API in lockstep
	jitterFraction = 0.1
)

// Submitter enqueues jobs. Satisfied by pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, t pipeline.JobType, payload pipeline.Payload, priority pipeline.Priority) (string, error)
	List(status pipeline.Status, t pipeline.JobType) []*pipeline.Job
}

// Coordinator schedules periodic incremental syncs
type Coordinator struct {
	pipeline Submitter
	scope    string
	interval time.Duration

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option configures the coordinator
type Option func(*Coordinator)

// WithInterval overrides the base scheduling interval
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithScope restricts scheduled syncs to one scope
func WithScope(scope string) Option {
	return func(c *Coordinator) {
		c.scope = scope
	}
}

// New creates a coordinator submitting to p
func New(p Submitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		pipeline: p,
		interval: defaultInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// nextInterval returns the base interval with random jitter applied
func (c *Coordinator) nextInterval() time.Duration {
	jitter := time.Duration(float64(c.interval) * jitterFraction)
	if jitter <= 0 {
		return c.interval
	}
	//nolint:gosec // G404: non-cryptographic randomness is fine for scheduling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return c.interval + offset
}

// Start runs the scheduling loop. It blocks until the context is cancelled
// or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() {
		close(c.done)
		slog.Info("Sync coordinator shutting down")
	}()

	interval := c.nextInterval()
	slog.Info("Starting sync coordinator",
		"base_interval", c.interval,
		"actual_interval", interval.Round(time.Second),
		"scope", c.scope)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Kick off an initial sync so a fresh instance does not wait a full
	// interval before serving current data
	c.submitIncremental(coordCtx)

	for {
		select {
		case <-ticker.C:
			c.submitIncremental(coordCtx)
			ticker.Reset(c.nextInterval())
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to exit
func (c *Coordinator) Stop() error {
	if c.cancelFunc != nil {
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// submitIncremental enqueues one incremental sync unless one is already
// queued or running
func (c *Coordinator) submitIncremental(ctx context.Context) {
	if c.hasActiveSync() {
		slog.Debug("Skipping scheduled sync, one is already active")
		return
	}

	payload := &pipeline.SyncPayload{
		Mode:  models.SyncModeIncremental,
		Scope: c.scope,
	}
	jobID, err := c.pipeline.Submit(ctx, pipeline.JobTypeSyncIncremental, payload, pipeline.PriorityNormal)
	if err != nil {
		slog.Error("Failed to submit scheduled sync", "error", err)
		return
	}

	slog.Info("Submitted scheduled incremental sync", "job_id", jobID, "scope", c.scope)
}

// hasActiveSync reports whether an incremental sync is queued, retrying, or
// processing
func (c *Coordinator) hasActiveSync() bool {
	for _, status := range []pipeline.Status{
		pipeline.StatusQueued,
		pipeline.StatusProcessing,
		pipeline.StatusRetrying,
	} {
		if len(c.pipeline.List(status, pipeline.JobTypeSyncIncremental)) > 0 {
			return true
		}
	}
	return false
}
