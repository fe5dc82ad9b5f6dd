package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/store"
	"github.com/forgesync/forgesync/internal/store/inmemory"
)

func TestGetStatusUnknownJob(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	_, err := tracker.GetStatus("job-404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobLifecycleTransitions(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	started := time.Now()
	finished := started.Add(time.Minute)

	tracker.JobStarted(&pipeline.Job{
		ID:        "job-1",
		Status:    pipeline.StatusProcessing,
		StartedAt: &started,
	})

	status, err := tracker.GetStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.StatusProcessing), status.State)
	require.NotNil(t, status.StartedAt)

	tracker.JobFinished(&pipeline.Job{
		ID:          "job-1",
		Status:      pipeline.StatusCompleted,
		StartedAt:   &started,
		CompletedAt: &finished,
	})

	status, err = tracker.GetStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.StatusCompleted), status.State)
	require.NotNil(t, status.FinishedAt)
}

func TestRecordStartIsIdempotent(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	tracker.RecordStart("job-1")

	status, err := tracker.GetStatus("job-1")
	require.NoError(t, err)
	require.NotNil(t, status.StartedAt)
	first := *status.StartedAt

	tracker.RecordStart("job-1")
	status, err = tracker.GetStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, first, *status.StartedAt)
}

func TestRecordProgressStoresLatestSnapshot(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	tracker.RecordProgress("job-1", models.ProgressSnapshot{Processed: 50, Total: 200})
	tracker.RecordProgress("job-1", models.ProgressSnapshot{Processed: 100, Total: 200})

	status, err := tracker.GetStatus("job-1")
	require.NoError(t, err)
	require.NotNil(t, status.Progress)
	assert.Equal(t, "job-1", status.Progress.JobID)
	assert.Equal(t, 100, status.Progress.Processed)
	assert.False(t, status.Progress.RecordedAt.IsZero())
}

func TestRecordFinishPersistsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := inmemory.New()
	tracker := NewTracker(st)

	run := &models.SyncRun{
		ID:        "run-1",
		Mode:      models.SyncModeFull,
		StartedAt: time.Now().Add(-time.Minute),
		Success:   true,
	}
	tracker.RecordFinish(ctx, "job-1", run)

	status, err := tracker.GetStatus("job-1")
	require.NoError(t, err)
	require.NotNil(t, status.Run)
	assert.Equal(t, "run-1", status.Run.ID)

	recorded, err := st.LastSuccessfulRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", recorded.ID)
}

func TestSubscribeReceivesBroadcasts(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	ch, cancel := tracker.Subscribe()
	defer cancel()

	tracker.RecordProgress("job-1", models.ProgressSnapshot{Processed: 10, Total: 100})

	select {
	case snapshot := <-ch:
		assert.Equal(t, "job-1", snapshot.JobID)
		assert.Equal(t, 10, snapshot.Processed)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestSlowSubscriberDoesNotBlockProducer(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	_, cancel := tracker.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; every publish must return promptly
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			tracker.RecordProgress("job-1", models.ProgressSnapshot{Processed: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	ch, cancel := tracker.Subscribe()
	cancel()

	// Channel is closed and no longer receives
	tracker.RecordProgress("job-1", models.ProgressSnapshot{Processed: 1})
	_, open := <-ch
	assert.False(t, open)
}

func TestGetHistoryAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := inmemory.New()
	tracker := NewTracker(st)

	base := time.Now().Add(-time.Hour)
	runs := []*models.SyncRun{
		{ID: "run-1", StartedAt: base, FinishedAt: base.Add(10 * time.Second), Success: true},
		{ID: "run-2", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + 20*time.Second), Success: false},
		{ID: "run-3", StartedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(2*time.Minute + 30*time.Second), Success: true},
	}
	for _, run := range runs {
		require.NoError(t, st.RecordSyncRun(ctx, run))
	}

	history, err := tracker.GetHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "run-3", history[0].ID)

	stats, err := tracker.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRuns)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
	// (10s + 20s + 30s) / 3
	assert.InDelta(t, 20000, stats.AvgDurationMs, 0.001)
}

func TestGetStatsEmpty(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(inmemory.New())
	stats, err := tracker.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRuns)
	assert.Zero(t, stats.SuccessRate)
}

func TestRecordFinishWithoutJobID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := inmemory.New()
	tracker := NewTracker(st)

	run := &models.SyncRun{
		ID:        "run-anon",
		Mode:      models.SyncModeSingle,
		StartedAt: time.Now().Add(-time.Second),
		Success:   true,
	}
	tracker.RecordFinish(ctx, "", run)

	// The run is persisted but no status entry appears under the empty id
	recorded, err := st.LastSuccessfulRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-anon", recorded.ID)

	_, err = tracker.GetStatus("")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
