package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgesync/forgesync/internal/pipeline"
)

// SubmitJobRequest enqueues an arbitrary job
type SubmitJobRequest struct {
	Type     pipeline.JobType `json:"type"`
	Payload  json.RawMessage  `json:"payload"`
	Priority string           `json:"priority,omitempty"`
}

// RetryDLQRequest selects which dead-letter jobs to re-enqueue. An empty
// JobID retries all of them.
type RetryDLQRequest struct {
	JobID string `json:"job_id,omitempty"`
}

// CleanupRequest purges terminal jobs older than DaysOld
type CleanupRequest struct {
	DaysOld int `json:"days_old"`
}

// pipelineRoutes handles the pipeline management API
type pipelineRoutes struct {
	pipeline *pipeline.Pipeline
}

// PipelineRouter creates a router for the pipeline management API
func PipelineRouter(p *pipeline.Pipeline) http.Handler {
	routes := &pipelineRoutes{pipeline: p}

	r := chi.NewRouter()
	r.Get("/jobs", routes.listJobs)
	r.Post("/jobs", routes.submitJob)
	r.Get("/jobs/{jobID}", routes.getJob)
	r.Post("/jobs/{jobID}/cancel", routes.cancelJob)
	r.Get("/dlq", routes.listDeadLetter)
	r.Post("/dlq/retry", routes.retryDeadLetter)
	r.Post("/pause", routes.pause)
	r.Post("/resume", routes.resume)
	r.Post("/cleanup", routes.cleanup)
	return r
}

// listJobs handles GET /api/v1/pipeline/jobs
func (pr *pipelineRoutes) listJobs(w http.ResponseWriter, r *http.Request) {
	status := pipeline.Status(r.URL.Query().Get("status"))
	jobType := pipeline.JobType(r.URL.Query().Get("type"))

	if jobType != "" && !jobType.Valid() {
		writeErrorResponse(w, "unknown job type", http.StatusBadRequest)
		return
	}

	jobs := pr.pipeline.List(status, jobType)
	writeJSONResponse(w, http.StatusOK, jobs)
}

// submitJob handles POST /api/v1/pipeline/jobs
func (pr *pipelineRoutes) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := pipeline.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	priority, err := pipeline.ParsePriority(req.Priority)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID, err := pr.pipeline.Submit(r.Context(), req.Type, payload, priority)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// getJob handles GET /api/v1/pipeline/jobs/{jobID}
func (pr *pipelineRoutes) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := pr.pipeline.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeErrorResponse(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, job)
}

// cancelJob handles POST /api/v1/pipeline/jobs/{jobID}/cancel
func (pr *pipelineRoutes) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := pr.pipeline.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// listDeadLetter handles GET /api/v1/pipeline/dlq
func (pr *pipelineRoutes) listDeadLetter(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, pr.pipeline.ListDeadLetter())
}

// retryDeadLetter handles POST /api/v1/pipeline/dlq/retry
func (pr *pipelineRoutes) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req RetryDLQRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	retried, err := pr.pipeline.RetryDeadLetter(r.Context(), req.JobID)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"retried": retried})
}

// pause handles POST /api/v1/pipeline/pause
func (pr *pipelineRoutes) pause(w http.ResponseWriter, _ *http.Request) {
	pr.pipeline.Pause()
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "paused"})
}

// resume handles POST /api/v1/pipeline/resume
func (pr *pipelineRoutes) resume(w http.ResponseWriter, _ *http.Request) {
	pr.pipeline.Resume()
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "running"})
}

// cleanup handles POST /api/v1/pipeline/cleanup
func (pr *pipelineRoutes) cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DaysOld <= 0 {
		writeErrorResponse(w, "days_old must be positive", http.StatusBadRequest)
		return
	}

	purged := pr.pipeline.Cleanup(time.Duration(req.DaysOld) * 24 * time.Hour)
	writeJSONResponse(w, http.StatusOK, map[string]int{"purged": purged})
}
