// Package sync implements the orchestrator that drives full, incremental,
// and single-resource synchronization against the upstream forge.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/normalize"
	"github.com/forgesync/forgesync/internal/store"
	"github.com/forgesync/forgesync/internal/telemetry"
	"github.com/forgesync/forgesync/internal/upstream"
)

const (
	defaultConcurrency = 5
	defaultChunkSize   = 50

	// chunkTxRetries is how many extra attempts a chunk transaction gets
	// before the whole chunk is recorded failed
	chunkTxRetries = 2

	chunkTxRetryDelay = 500 * time.Millisecond
)

// ErrCancelled aborts a run at a chunk boundary when the owning job was
// cancelled
var ErrCancelled = errors.New("sync cancelled")

// syncedKinds is the enumeration order for full and incremental runs
var syncedKinds = []models.ResourceKind{
	models.KindRepository,
	models.KindIssue,
	models.KindPullRequest,
	models.KindCommit,
}

// Request describes one orchestrator run
type Request struct {
	Mode  models.SyncMode
	Scope string

	// Kind and ResourceID select the target of a single-resource run
	Kind       models.ResourceKind
	ResourceID string

	// JobID attributes progress snapshots to the owning pipeline job
	JobID string

	// Cancelled is polled at chunk boundaries; nil means never cancelled
	Cancelled func() bool
}

// ProgressReporter receives live progress and the finished run record.
// Satisfied by progress.Tracker.
type ProgressReporter interface {
	RecordStart(jobID string)
	RecordProgress(jobID string, snapshot models.ProgressSnapshot)
	RecordFinish(ctx context.Context, jobID string, run *models.SyncRun)
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithConcurrency sets how many resources normalize concurrently per chunk
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithChunkSize sets how many resources persist per transaction
func WithChunkSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithProgress wires a progress reporter
func WithProgress(p ProgressReporter) Option {
	return func(o *Orchestrator) {
		o.progress = p
	}
}

// WithMetrics wires sync run metrics
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator coordinates fetch, normalize, and persist for sync runs
type Orchestrator struct {
	client      upstream.Client
	store       store.Store
	progress    ProgressReporter
	metrics     *telemetry.SyncMetrics
	concurrency int
	chunkSize   int

	// inflight coalesces concurrent single-resource runs per resource id
	inflightMu sync.Mutex
	inflight   map[string]*inflightRun

	// normalizeFn maps an upstream resource to its canonical entity;
	// replaced in tests
	normalizeFn func(kind models.ResourceKind, res *models.UpstreamResource, now time.Time) (*models.CanonicalEntity, error)
}

type inflightRun struct {
	done chan struct{}
	run  *models.SyncRun
	err  error
}

// NewOrchestrator creates an orchestrator using client for fetches and st
// for persistence
func NewOrchestrator(client upstream.Client, st store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		store:       st,
		concurrency: defaultConcurrency,
		chunkSize:   defaultChunkSize,
		inflight:    make(map[string]*inflightRun),
		normalizeFn: normalize.ToCanonical,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one sync run and returns its immutable record. Per-resource
// failures are collected on the run; Run returns an error only when the run
// could not execute at all.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*models.SyncRun, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unsupported sync mode %q", req.Mode)
	}

	if req.Mode == models.SyncModeSingle {
		return o.runSingle(ctx, req)
	}

	run := &models.SyncRun{
		ID:        uuid.New().String(),
		Mode:      req.Mode,
		Scope:     req.Scope,
		StartedAt: time.Now(),
	}

	if o.progress != nil && req.JobID != "" {
		o.progress.RecordStart(req.JobID)
	}

	startSnapshot := o.client.RateLimit()

	err := o.runBulk(ctx, req, run)
	o.finishRun(ctx, req, run, startSnapshot, err)
	if err != nil {
		return run, err
	}
	return run, nil
}

// runBulk executes a full or incremental run across all resource kinds
func (o *Orchestrator) runBulk(ctx context.Context, req Request, run *models.SyncRun) error {
	var since time.Time
	if req.Mode == models.SyncModeIncremental {
		last, err := o.store.LastSuccessfulRun(ctx)
		switch {
		case err == nil:
			since = last.StartedAt
		case errors.Is(err, store.ErrNotFound):
			// First run; fall back to a full pass
			slog.Info("No successful run on record, incremental sync covers everything")
		default:
			return fmt.Errorf("failed to load last successful run: %w", err)
		}
	}

	resources, err := o.collect(ctx, req, run, since)
	if err != nil {
		return err
	}

	slog.Info("Sync collection complete",
		"mode", run.Mode,
		"scope", run.Scope,
		"resources", len(resources))

	return o.processChunks(ctx, req, run, resources)
}

// collect paginates every synced kind and returns the resources in scope.
// Incremental runs drop resources not updated since the since timestamp.
func (o *Orchestrator) collect(ctx context.Context, req Request, run *models.SyncRun, since time.Time) ([]models.UpstreamResource, error) {
	var resources []models.UpstreamResource

	for _, kind := range syncedKinds {
		if err := o.checkpoint(ctx, req); err != nil {
			return nil, err
		}

		cursor := ""
		for {
			page, err := o.client.FetchPage(ctx, kind, req.Scope, cursor)
			if err != nil {
				if upstream.IsAuthError(err) || upstream.IsRateLimitExhausted(err) {
					return nil, err
				}
				// Enumeration failure for one kind fails that kind, not
				// the whole run
				run.Errors = append(run.Errors, models.SyncError{
					ResourceID: string(kind),
					Message:    fmt.Sprintf("page fetch failed: %v", err),
				})
				run.ResourcesFailed++
				break
			}

			for _, res := range page.Items {
				if !since.IsZero() && !res.UpdatedAt.After(since) {
					continue
				}
				res.Kind = kind
				resources = append(resources, res)
			}

			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor

			if err := o.checkpoint(ctx, req); err != nil {
				return nil, err
			}
		}
	}

	return resources, nil
}

// processChunks normalizes and persists resources chunk by chunk, reporting
// progress after each chunk
func (o *Orchestrator) processChunks(ctx context.Context, req Request, run *models.SyncRun, resources []models.UpstreamResource) error {
	total := len(resources)
	processed := 0
	var avgChunk time.Duration
	chunks := 0

	for start := 0; start < total; start += o.chunkSize {
		if err := o.checkpoint(ctx, req); err != nil {
			return err
		}

		end := start + o.chunkSize
		if end > total {
			end = total
		}
		chunk := resources[start:end]

		chunkStart := time.Now()
		o.processChunk(ctx, run, chunk)
		chunkDuration := time.Since(chunkStart)

		chunks++
		avgChunk += (chunkDuration - avgChunk) / time.Duration(chunks)
		processed = end

		o.reportProgress(req, run, processed, total, avgChunk)
	}

	return nil
}

// processChunk normalizes a chunk concurrently and persists the surviving
// entities in one transaction. Per-item normalization failures are recorded
// on the run; a persistence failure after retries fails the whole chunk.
func (o *Orchestrator) processChunk(ctx context.Context, run *models.SyncRun, chunk []models.UpstreamResource) {
	now := time.Now()
	entities := make([]*models.CanonicalEntity, len(chunk))

	var errMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i := range chunk {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res := &chunk[i]
			entity, err := o.normalizeFn(res.Kind, res, now)
			if err != nil {
				errMu.Lock()
				run.Errors = append(run.Errors, models.SyncError{
					ResourceID: res.ID,
					Message:    err.Error(),
				})
				errMu.Unlock()
				return nil
			}
			entities[i] = entity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.failChunk(run, chunk, fmt.Sprintf("chunk aborted: %v", err))
		return
	}

	valid := entities[:0]
	for _, e := range entities {
		if e != nil {
			valid = append(valid, e)
		}
	}
	run.ResourcesFailed += len(chunk) - len(valid)

	if len(valid) == 0 {
		return
	}

	if err := o.persistChunk(ctx, valid); err != nil {
		slog.Error("Chunk persistence failed",
			"run_id", run.ID,
			"entities", len(valid),
			"error", err)
		for _, e := range valid {
			run.Errors = append(run.Errors, models.SyncError{
				ResourceID: e.ExternalID,
				Message:    fmt.Sprintf("persist failed: %v", err),
			})
		}
		run.ResourcesFailed += len(valid)
		return
	}

	run.ResourcesProcessed += len(valid)
}

// persistChunk writes all entities of a chunk in one transaction, retrying
// the transaction a bounded number of times
func (o *Orchestrator) persistChunk(ctx context.Context, entities []*models.CanonicalEntity) error {
	var lastErr error
	for attempt := 0; attempt <= chunkTxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkTxRetryDelay):
			}
		}

		lastErr = o.store.WithTx(ctx, func(tx store.TxStore) error {
			for _, entity := range entities {
				if err := tx.UpsertCanonical(ctx, entity); err != nil {
					return fmt.Errorf("failed to upsert %s: %w", entity.ExternalID, err)
				}
			}
			return nil
		})
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// failChunk records every resource of a chunk as failed with the same reason
func (o *Orchestrator) failChunk(run *models.SyncRun, chunk []models.UpstreamResource, reason string) {
	for _, res := range chunk {
		run.Errors = append(run.Errors, models.SyncError{
			ResourceID: res.ID,
			Message:    reason,
		})
	}
	run.ResourcesFailed += len(chunk)
}

// runSingle refreshes one resource. Concurrent requests for the same
// resource coalesce onto the in-flight run.
func (o *Orchestrator) runSingle(ctx context.Context, req Request) (*models.SyncRun, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("unsupported resource kind %q", req.Kind)
	}
	if req.ResourceID == "" {
		return nil, fmt.Errorf("resource id is required for single sync")
	}

	key := fmt.Sprintf("%s:%s", req.Kind, req.ResourceID)

	o.inflightMu.Lock()
	if existing, ok := o.inflight[key]; ok {
		o.inflightMu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-existing.done:
			return existing.run, existing.err
		}
	}
	flight := &inflightRun{done: make(chan struct{})}
	o.inflight[key] = flight
	o.inflightMu.Unlock()

	defer func() {
		o.inflightMu.Lock()
		delete(o.inflight, key)
		o.inflightMu.Unlock()
		close(flight.done)
	}()

	run := &models.SyncRun{
		ID:        uuid.New().String(),
		Mode:      models.SyncModeSingle,
		Scope:     req.Scope,
		StartedAt: time.Now(),
	}

	if o.progress != nil && req.JobID != "" {
		o.progress.RecordStart(req.JobID)
	}

	startSnapshot := o.client.RateLimit()

	// The next fetch must see the post-event state, not a cached response
	o.client.Invalidate(req.Kind, req.ResourceID)

	err := o.syncOne(ctx, req.Kind, req.ResourceID, run)
	o.finishRun(ctx, req, run, startSnapshot, err)

	flight.run = run
	flight.err = err
	return run, err
}

// syncOne fetches, normalizes, and persists a single resource
func (o *Orchestrator) syncOne(ctx context.Context, kind models.ResourceKind, id string, run *models.SyncRun) error {
	res, err := o.client.FetchOne(ctx, kind, id)
	if err != nil {
		run.Errors = append(run.Errors, models.SyncError{
			ResourceID: id,
			Message:    fmt.Sprintf("fetch failed: %v", err),
		})
		run.ResourcesFailed++
		return err
	}
	res.Kind = kind

	entity, err := o.normalizeFn(kind, res, time.Now())
	if err != nil {
		run.Errors = append(run.Errors, models.SyncError{
			ResourceID: id,
			Message:    err.Error(),
		})
		run.ResourcesFailed++
		return err
	}

	if err := o.persistChunk(ctx, []*models.CanonicalEntity{entity}); err != nil {
		run.Errors = append(run.Errors, models.SyncError{
			ResourceID: id,
			Message:    fmt.Sprintf("persist failed: %v", err),
		})
		run.ResourcesFailed++
		return err
	}

	run.ResourcesProcessed++
	return nil
}

// finishRun closes out the run record, emits metrics, and hands the run to
// the progress reporter
func (o *Orchestrator) finishRun(ctx context.Context, req Request, run *models.SyncRun, start upstream.RateLimitSnapshot, runErr error) {
	run.FinishedAt = time.Now()
	run.Success = runErr == nil && run.ResourcesFailed == 0
	run.RateLimitUsed = o.client.RateLimit().Used - start.Used

	if runErr != nil && len(run.Errors) == 0 {
		run.Errors = append(run.Errors, models.SyncError{Message: runErr.Error()})
	}

	slog.Info("Sync run finished",
		"run_id", run.ID,
		"mode", run.Mode,
		"scope", run.Scope,
		"processed", run.ResourcesProcessed,
		"failed", run.ResourcesFailed,
		"rate_limit_used", run.RateLimitUsed,
		"duration", run.Duration().Round(time.Millisecond),
		"success", run.Success)

	if o.metrics != nil {
		o.metrics.RecordRun(ctx, string(run.Mode), run.Duration(),
			run.ResourcesProcessed, run.ResourcesFailed, run.Success)
	}

	if o.progress != nil {
		o.progress.RecordFinish(ctx, req.JobID, run)
	} else if o.store != nil {
		if err := o.store.RecordSyncRun(ctx, run); err != nil {
			slog.Error("Failed to record sync run", "run_id", run.ID, "error", err)
		}
	}
}

// checkpoint enforces cancellation at chunk and page boundaries
func (o *Orchestrator) checkpoint(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Cancelled != nil && req.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// reportProgress publishes a snapshot after a chunk completes
func (o *Orchestrator) reportProgress(req Request, run *models.SyncRun, processed, total int, avgChunk time.Duration) {
	if o.progress == nil || req.JobID == "" {
		return
	}

	remainingChunks := (total - processed + o.chunkSize - 1) / o.chunkSize
	eta := avgChunk * time.Duration(remainingChunks)

	o.progress.RecordProgress(req.JobID, models.ProgressSnapshot{
		Processed:  processed,
		Total:      total,
		ETASeconds: eta.Seconds(),
		RecordedAt: time.Now(),
	})

	slog.Debug("Sync progress",
		"run_id", run.ID,
		"processed", processed,
		"total", total,
		"eta", eta.Round(time.Second))
}
