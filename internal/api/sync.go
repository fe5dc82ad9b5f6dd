package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/progress"
	"github.com/forgesync/forgesync/internal/store"
)

const defaultHistoryLimit = 20

// SyncRequest triggers a sync run
type SyncRequest struct {
	Mode       models.SyncMode     `json:"mode"`
	Scope      string              `json:"scope,omitempty"`
	Kind       models.ResourceKind `json:"kind,omitempty"`
	ResourceID string              `json:"resource_id,omitempty"`
	Priority   string              `json:"priority,omitempty"`
}

// SyncResponse acknowledges a submitted sync job
type SyncResponse struct {
	JobID string `json:"job_id"`
}

// syncRoutes handles the sync trigger API
type syncRoutes struct {
	pipeline *pipeline.Pipeline
	tracker  *progress.Tracker
}

// SyncRouter creates a router for the sync trigger API
func SyncRouter(p *pipeline.Pipeline, tracker *progress.Tracker) http.Handler {
	routes := &syncRoutes{pipeline: p, tracker: tracker}

	r := chi.NewRouter()
	r.Post("/", routes.triggerSync)
	r.Get("/status/{jobID}", routes.getSyncStatus)
	r.Get("/history", routes.getSyncHistory)
	r.Get("/stats", routes.getSyncStats)
	return r
}

// triggerSync handles POST /api/v1/sync
func (sr *syncRoutes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var jobType pipeline.JobType
	switch req.Mode {
	case models.SyncModeFull:
		jobType = pipeline.JobTypeSyncFull
	case models.SyncModeIncremental:
		jobType = pipeline.JobTypeSyncIncremental
	case models.SyncModeSingle:
		jobType = pipeline.JobTypeSyncResource
	default:
		writeErrorResponse(w, "unsupported sync mode", http.StatusBadRequest)
		return
	}

	priority, err := pipeline.ParsePriority(req.Priority)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload := &pipeline.SyncPayload{
		Mode:       req.Mode,
		Scope:      req.Scope,
		Kind:       req.Kind,
		ResourceID: req.ResourceID,
	}

	jobID, err := sr.pipeline.Submit(r.Context(), jobType, payload, priority)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("Sync triggered via API", "job_id", jobID, "mode", req.Mode, "scope", req.Scope)
	writeJSONResponse(w, http.StatusAccepted, SyncResponse{JobID: jobID})
}

// getSyncStatus handles GET /api/v1/sync/status/{jobID}
func (sr *syncRoutes) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	status, err := sr.tracker.GetStatus(jobID)
	if err == nil {
		writeJSONResponse(w, http.StatusOK, status)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, "failed to load status", http.StatusInternalServerError)
		return
	}

	// Queued jobs have no tracker state yet
	job, jobErr := sr.pipeline.Get(jobID)
	if jobErr != nil {
		writeErrorResponse(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, progress.JobStatus{
		JobID:     job.ID,
		State:     string(job.Status),
		LastError: job.LastError,
		StartedAt: job.StartedAt,
	})
}

// getSyncHistory handles GET /api/v1/sync/history
func (sr *syncRoutes) getSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := sr.tracker.GetHistory(r.Context(), limit)
	if err != nil {
		writeErrorResponse(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	writeJSONResponse(w, http.StatusOK, runs)
}

// getSyncStats handles GET /api/v1/sync/stats
func (sr *syncRoutes) getSyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := sr.tracker.GetStats(r.Context())
	if err != nil {
		writeErrorResponse(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}
