package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "forgesync"

// SyncMetrics records sync orchestrator measurements
type SyncMetrics struct {
	syncDuration       metric.Float64Histogram
	resourcesProcessed metric.Int64Counter
	resourcesFailed    metric.Int64Counter
}

// NewSyncMetrics creates sync metrics on the given provider
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	meter := provider.Meter(meterName)

	syncDuration, err := meter.Float64Histogram(
		"forgesync.sync.duration",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync duration histogram: %w", err)
	}

	resourcesProcessed, err := meter.Int64Counter(
		"forgesync.sync.resources_processed",
		metric.WithDescription("Resources successfully processed by sync runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources processed counter: %w", err)
	}

	resourcesFailed, err := meter.Int64Counter(
		"forgesync.sync.resources_failed",
		metric.WithDescription("Resources that failed during sync runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources failed counter: %w", err)
	}

	return &SyncMetrics{
		syncDuration:       syncDuration,
		resourcesProcessed: resourcesProcessed,
		resourcesFailed:    resourcesFailed,
	}, nil
}

// RecordRun records the outcome of one sync run
func (m *SyncMetrics) RecordRun(ctx context.Context, mode string, duration time.Duration, processed, failed int, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	)
	m.syncDuration.Record(ctx, duration.Seconds(), attrs)
	m.resourcesProcessed.Add(ctx, int64(processed), attrs)
	m.resourcesFailed.Add(ctx, int64(failed), attrs)
}

// PipelineMetrics records job pipeline measurements
type PipelineMetrics struct {
	jobsStarted    metric.Int64Counter
	jobDuration    metric.Float64Histogram
	queueDepth     metric.Int64Gauge
	deadLetterSize metric.Int64Gauge
}

// NewPipelineMetrics creates pipeline metrics on the given provider
func NewPipelineMetrics(provider metric.MeterProvider) (*PipelineMetrics, error) {
	meter := provider.Meter(meterName)

	jobsStarted, err := meter.Int64Counter(
		"forgesync.pipeline.jobs_started",
		metric.WithDescription("Jobs picked up by pipeline workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs started counter: %w", err)
	}

	jobDuration, err := meter.Float64Histogram(
		"forgesync.pipeline.job_duration",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job duration histogram: %w", err)
	}

	queueDepth, err := meter.Int64Gauge(
		"forgesync.pipeline.queue_depth",
		metric.WithDescription("Jobs currently queued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	deadLetterSize, err := meter.Int64Gauge(
		"forgesync.pipeline.deadletter_size",
		metric.WithDescription("Jobs currently in the dead-letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter gauge: %w", err)
	}

	return &PipelineMetrics{
		jobsStarted:    jobsStarted,
		jobDuration:    jobDuration,
		queueDepth:     queueDepth,
		deadLetterSize: deadLetterSize,
	}, nil
}

// RecordJobStarted counts a job pickup
func (m *PipelineMetrics) RecordJobStarted(ctx context.Context, jobType string) {
	m.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", jobType)))
}

// RecordJobDuration records one job execution
func (m *PipelineMetrics) RecordJobDuration(ctx context.Context, jobType string, duration time.Duration, success bool) {
	m.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("type", jobType),
		attribute.Bool("success", success),
	))
}

// RecordQueueDepth records the current queue depth
func (m *PipelineMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}

// RecordDeadLetterSize records the current dead-letter queue size
func (m *PipelineMetrics) RecordDeadLetterSize(ctx context.Context, size int64) {
	m.deadLetterSize.Record(ctx, size)
}
