package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/progress"
	"github.com/forgesync/forgesync/internal/store/inmemory"
	"github.com/forgesync/forgesync/internal/webhook"
)

const testWebhookSecret = "api-test-secret"

// newTestDeps builds a server with a stopped pipeline so submitted jobs
// stay queued and assertions stay deterministic
func newTestDeps(t *testing.T) (Deps, *pipeline.Pipeline, *progress.Tracker) {
	t.Helper()

	st := inmemory.New()
	tracker := progress.NewTracker(st)
	p := pipeline.New(pipeline.WithWorkers(1))

	noop := func(context.Context, *pipeline.Job) (any, error) { return nil, nil }
	for _, jobType := range []pipeline.JobType{
		pipeline.JobTypeSyncFull,
		pipeline.JobTypeSyncIncremental,
		pipeline.JobTypeSyncResource,
		pipeline.JobTypeWebhookApply,
		pipeline.JobTypeMaintenance,
	} {
		p.RegisterHandler(jobType, noop)
	}

	deps := Deps{
		Pipeline: p,
		Tracker:  tracker,
		Ingestor: webhook.NewIngestor(testWebhookSecret, p, st),
	}
	return deps, p, tracker
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = doJSON(t, server, http.MethodGet, "/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "version")
}

func TestReadinessFailsWhenStoreDown(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	deps.ReadinessCheck = func(context.Context) error {
		return errors.New("connection refused")
	}
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodGet, "/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	deps, p, _ := newTestDeps(t)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/sync", SyncRequest{Mode: models.SyncModeFull, Scope: "acme"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[SyncResponse](t, rec)
	require.NotEmpty(t, resp.JobID)

	job, err := p.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobTypeSyncFull, job.Type)
	assert.Equal(t, pipeline.StatusQueued, job.Status)
}

func TestTriggerSyncValidation(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	server := NewServer(deps)

	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{{`},
		{name: "unknown mode", body: `{"mode":"sideways"}`},
		{name: "unknown priority", body: `{"mode":"full","priority":"asap"}`},
		{name: "single without resource", body: `{"mode":"single","kind":"issue"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()

	deps, p, tracker := newTestDeps(t)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/sync/status/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A queued job falls back to pipeline state before the tracker sees it
	jobID, err := p.Submit(context.Background(), pipeline.JobTypeSyncFull,
		&pipeline.SyncPayload{Mode: models.SyncModeFull}, pipeline.PriorityNormal)
	require.NoError(t, err)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sync/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[progress.JobStatus](t, rec)
	assert.Equal(t, string(pipeline.StatusQueued), status.State)

	// Once the tracker has state, it wins
	tracker.RecordProgress(jobID, models.ProgressSnapshot{Processed: 10, Total: 40})
	rec = doJSON(t, server, http.MethodGet, "/api/v1/sync/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decodeBody[progress.JobStatus](t, rec)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 10, status.Progress.Processed)
}

func TestSyncHistoryAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := inmemory.New()
	require.NoError(t, st.RecordSyncRun(ctx, &models.SyncRun{
		ID:         "run-1",
		Mode:       models.SyncModeFull,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		Success:    true,
	}))

	deps, _, _ := newTestDeps(t)
	deps.Tracker = progress.NewTracker(st)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/sync/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[[]*models.SyncRun](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sync/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sync/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[progress.Stats](t, rec)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestPipelineJobsEndpoints(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/pipeline/jobs", SubmitJobRequest{
		Type:    pipeline.JobTypeMaintenance,
		Payload: json.RawMessage(`{"task":"cleanup_jobs","older_than_days":7}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[map[string]string](t, rec)
	jobID := resp["job_id"]
	require.NotEmpty(t, jobID)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/pipeline/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/pipeline/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody[[]struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	}](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/pipeline/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/pipeline/jobs?type=gibberish", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/jobs", SubmitJobRequest{
		Type: "gibberish",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	deps, p, _ := newTestDeps(t)
	server := NewServer(deps)

	jobID, err := p.Submit(context.Background(), pipeline.JobTypeSyncFull,
		&pipeline.SyncPayload{Mode: models.SyncModeFull}, pipeline.PriorityNormal)
	require.NoError(t, err)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/pipeline/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := p.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, job.Status)

	// Cancelling a terminal job conflicts
	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/pipeline/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Retrying all of an empty queue is a no-op, not an error
	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/dlq/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	retried := decodeBody[map[string]int](t, rec)
	assert.Zero(t, retried["retried"])

	// A named job that is not dead-lettered is an error
	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/dlq/retry", RetryDLQRequest{JobID: "no-such-job"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResumeCleanup(t *testing.T) {
	t.Parallel()

	deps, p, _ := newTestDeps(t)
	server := NewServer(deps)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/pipeline/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.Paused())

	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.Paused())

	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/cleanup", CleanupRequest{DaysOld: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/pipeline/cleanup", CleanupRequest{DaysOld: 7})
	require.Equal(t, http.StatusOK, rec.Code)
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/source", bytes.NewReader(body))
	req.Header.Set(webhook.HeaderEventType, "resource.updated")
	req.Header.Set(webhook.HeaderDeliveryID, "delivery-api-1")
	req.Header.Set(webhook.HeaderSignature, signature)
	return req
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()

	deps, p, _ := newTestDeps(t)
	server := NewServer(deps)

	body := []byte(`{"resource":{"id":"42","kind":"issue"}}`)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest(body, signBody(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[webhook.Result](t, rec)
	assert.Equal(t, webhook.OutcomeProcessed, result.Outcome)

	job, err := p.Get(result.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobTypeSyncResource, job.Type)
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	server := NewServer(deps)

	body := []byte(`{"resource":{"id":"42","kind":"issue"}}`)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest(body, "sha256=deadbeef"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookEndpointRejectsMissingHeaders(t *testing.T) {
	t.Parallel()

	deps, _, _ := newTestDeps(t)
	server := NewServer(deps)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/source", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpointAcknowledgesHandlerErrors(t *testing.T) {
	t.Parallel()

	// A pipeline with no registered handlers makes every dispatch fail
	st := inmemory.New()
	p := pipeline.New()
	deps := Deps{
		Pipeline: p,
		Tracker:  progress.NewTracker(st),
		Ingestor: webhook.NewIngestor(testWebhookSecret, p, st),
	}
	server := NewServer(deps)

	body := []byte(`{"resource":{"id":"42","kind":"issue"}}`)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest(body, signBody(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "error_acknowledged")
}

func TestWebhookEndpointAllowsRedelivery(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	p := pipeline.New()
	deps := Deps{
		Pipeline:        p,
		Tracker:         progress.NewTracker(st),
		Ingestor:        webhook.NewIngestor(testWebhookSecret, p, st),
		AllowRedelivery: true,
	}
	server := NewServer(deps)

	body := []byte(`{"resource":{"id":"42","kind":"issue"}}`)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest(body, signBody(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
