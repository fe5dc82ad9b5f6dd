// Package models defines the canonical domain records shared across the
// ingestion pipeline: upstream resources, normalized entities, and sync runs.
package models

import (
	"encoding/json"
	"time"
)

// ResourceKind identifies the type of an upstream resource
type ResourceKind string

const (
	// KindRepository is a source repository on the upstream forge
	KindRepository ResourceKind = "repository"

	// KindIssue is an issue attached to a repository
	KindIssue ResourceKind = "issue"

	// KindPullRequest is a pull request attached to a repository
	KindPullRequest ResourceKind = "pull_request"

	// KindCommit is a single commit in a repository
	KindCommit ResourceKind = "commit"
)

// Valid reports whether the kind is one of the supported resource kinds
func (k ResourceKind) Valid() bool {
	switch k {
	case KindRepository, KindIssue, KindPullRequest, KindCommit:
		return true
	}
	return false
}

// UpstreamResource is the decoded payload of a single resource as returned
// by the upstream forge API, before normalization
type UpstreamResource struct {
	ID           string          `json:"id"`
	Kind         ResourceKind    `json:"kind"`
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Body         string          `json:"body,omitempty"`
	Labels       []string        `json:"labels,omitempty"`
	State        string          `json:"state,omitempty"`
	Archived     bool            `json:"archived,omitempty"`
	Blocking     bool            `json:"blocking,omitempty"`
	Stars        int             `json:"stars,omitempty"`
	OpenIssues   int             `json:"open_issues,omitempty"`
	Contributors int             `json:"contributors,omitempty"`
	HasCI        bool            `json:"has_ci,omitempty"`
	HasTests     bool            `json:"has_tests,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	PushedAt     time.Time       `json:"pushed_at,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// Entity status values derived from upstream state
const (
	// StatusActive is the default status for live resources
	StatusActive = "active"

	// StatusShipped marks archived upstream resources
	StatusShipped = "shipped"
)

// Severity tiers assigned by the normalizer
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// CanonicalEntity is the normalized, store-ready projection of an upstream
// resource. Exactly one entity exists per ExternalID regardless of how many
// times sync runs.
type CanonicalEntity struct {
	ExternalID    string         `json:"external_id"`
	Kind          ResourceKind   `json:"kind"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	Severity      string         `json:"severity"`
	SLAHours      int            `json:"sla_hours"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	HealthScore   int            `json:"health_score"`
	PriorityScore int            `json:"priority_score"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SyncMode selects which resources a sync run covers
type SyncMode string

const (
	// SyncModeFull enumerates and refreshes all resources in scope
	SyncModeFull SyncMode = "full"

	// SyncModeIncremental refreshes only resources changed since the last
	// successful run
	SyncModeIncremental SyncMode = "incremental"

	// SyncModeSingle refreshes one explicitly named resource
	SyncModeSingle SyncMode = "single"
)

// Valid reports whether the mode is a supported sync mode
func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeFull, SyncModeIncremental, SyncModeSingle:
		return true
	}
	return false
}

// SyncError records a single per-resource failure inside a run
type SyncError struct {
	ResourceID string `json:"resource_id"`
	Message    string `json:"message"`
}

// SyncRun is the immutable record of one orchestrator run
type SyncRun struct {
	ID                 string      `json:"id"`
	Mode               SyncMode    `json:"mode"`
	Scope              string      `json:"scope,omitempty"`
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at"`
	ResourcesProcessed int         `json:"resources_processed"`
	ResourcesFailed    int         `json:"resources_failed"`
	Errors             []SyncError `json:"errors,omitempty"`
	RateLimitUsed      int         `json:"rate_limit_used"`
	Success            bool        `json:"success"`
}

// Duration returns the wall-clock duration of a finished run
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ProgressSnapshot reports live progress of a running job after each chunk
type ProgressSnapshot struct {
	JobID      string    `json:"job_id"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	ETASeconds float64   `json:"eta_seconds"`
	RecordedAt time.Time `json:"recorded_at"`
}

// WebhookEvent is a verified inbound event from the upstream forge.
// Processing is idempotent keyed on DeliveryID.
type WebhookEvent struct {
	DeliveryID     string          `json:"delivery_id"`
	EventType      string          `json:"event_type"`
	SignatureValid bool            `json:"signature_valid"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}
