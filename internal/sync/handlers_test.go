package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/store/inmemory"
	"github.com/forgesync/forgesync/internal/upstream"
)

func waitForJob(t *testing.T, p *pipeline.Pipeline, jobID string, want pipeline.Status) *pipeline.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := p.Get(jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestSyncJobRunsThroughPipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Now()
	client := newFakeClient()
	client.pages[models.KindIssue] = []*upstream.Page{
		{Items: []models.UpstreamResource{issueResource("1", now)}},
	}

	st := inmemory.New()
	o := NewOrchestrator(client, st)

	p := pipeline.New(pipeline.WithWorkers(1), pipeline.WithMaxRetries(0))
	RegisterHandlers(p, o, st)
	p.Start(ctx)
	defer p.Stop()

	jobID, err := p.Submit(ctx, pipeline.JobTypeSyncFull, &pipeline.SyncPayload{Mode: models.SyncModeFull}, pipeline.PriorityNormal)
	require.NoError(t, err)

	job := waitForJob(t, p, jobID, pipeline.StatusCompleted)
	run, ok := job.Result.(*models.SyncRun)
	require.True(t, ok)
	assert.True(t, run.Success)

	_, err = st.GetCanonical(ctx, "issue:1")
	assert.NoError(t, err)
}

func TestSyncJobWithFailuresReportsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := newFakeClient()
	client.pages[models.KindIssue] = []*upstream.Page{
		{Items: []models.UpstreamResource{{ID: "1", UpdatedAt: time.Now()}}}, // invalid, no name
	}

	st := inmemory.New()
	o := NewOrchestrator(client, st)

	p := pipeline.New(pipeline.WithWorkers(1), pipeline.WithMaxRetries(0))
	RegisterHandlers(p, o, st)
	p.Start(ctx)
	defer p.Stop()

	jobID, err := p.Submit(ctx, pipeline.JobTypeSyncFull, &pipeline.SyncPayload{Mode: models.SyncModeFull}, pipeline.PriorityNormal)
	require.NoError(t, err)

	job := waitForJob(t, p, jobID, pipeline.StatusFailed)
	assert.Contains(t, job.LastError, "failed resources")
}

func TestWebhookApplyArchivesKnownEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := inmemory.New()
	require.NoError(t, st.UpsertCanonical(ctx, &models.CanonicalEntity{
		ExternalID: "repository:7",
		Kind:       models.KindRepository,
		Name:       "legacy-service",
		Status:     models.StatusActive,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}))

	o := NewOrchestrator(newFakeClient(), st)
	p := pipeline.New(pipeline.WithWorkers(1), pipeline.WithMaxRetries(0))
	RegisterHandlers(p, o, st)
	p.Start(ctx)
	defer p.Stop()

	jobID, err := p.Submit(ctx, pipeline.JobTypeWebhookApply, &pipeline.WebhookApplyPayload{
		DeliveryID: "d-1",
		EventType:  "resource.archived",
		Kind:       models.KindRepository,
		ResourceID: "7",
		Archived:   true,
	}, pipeline.PriorityHigh)
	require.NoError(t, err)

	waitForJob(t, p, jobID, pipeline.StatusCompleted)

	entity, err := st.GetCanonical(ctx, "repository:7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusShipped, entity.Status)
}

func TestWebhookApplyFetchesUnknownEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Now()
	client := newFakeClient()
	res := models.UpstreamResource{ID: "9", Name: "archived-repo", Archived: true, UpdatedAt: now}
	client.resources["repository:9"] = &res

	st := inmemory.New()
	o := NewOrchestrator(client, st)
	p := pipeline.New(pipeline.WithWorkers(1), pipeline.WithMaxRetries(0))
	RegisterHandlers(p, o, st)
	p.Start(ctx)
	defer p.Stop()

	jobID, err := p.Submit(ctx, pipeline.JobTypeWebhookApply, &pipeline.WebhookApplyPayload{
		DeliveryID: "d-2",
		EventType:  "resource.archived",
		Kind:       models.KindRepository,
		ResourceID: "9",
		Archived:   true,
	}, pipeline.PriorityHigh)
	require.NoError(t, err)

	waitForJob(t, p, jobID, pipeline.StatusCompleted)

	// The entity was fetched and normalized with the archived flag
	entity, err := st.GetCanonical(ctx, "repository:9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusShipped, entity.Status)
	assert.Equal(t, int64(1), client.fetchCalls.Load())
}
