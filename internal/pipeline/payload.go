package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/forgesync/forgesync/internal/models"
)

// Payload is the typed job payload. Each job type carries its own variant;
// the pipeline rejects a payload that does not match the job type.
type Payload interface {
	// Validate checks the payload against the given job type
	Validate(t JobType) error
}

// SyncPayload drives sync_full, sync_incremental, and sync_resource jobs
type SyncPayload struct {
	Mode       models.SyncMode     `json:"mode"`
	Scope      string              `json:"scope,omitempty"`
	Kind       models.ResourceKind `json:"kind,omitempty"`
	ResourceID string              `json:"resource_id,omitempty"`
}

// Validate checks the payload against the given job type
func (p *SyncPayload) Validate(t JobType) error {
	switch t {
	case JobTypeSyncFull:
		if p.Mode != models.SyncModeFull {
			return fmt.Errorf("sync_full job requires mode %q, got %q", models.SyncModeFull, p.Mode)
		}
	case JobTypeSyncIncremental:
		if p.Mode != models.SyncModeIncremental {
			return fmt.Errorf("sync_incremental job requires mode %q, got %q", models.SyncModeIncremental, p.Mode)
		}
	case JobTypeSyncResource:
		if p.Mode != models.SyncModeSingle {
			return fmt.Errorf("sync_resource job requires mode %q, got %q", models.SyncModeSingle, p.Mode)
		}
		if p.ResourceID == "" {
			return fmt.Errorf("sync_resource job requires a resource_id")
		}
		if !p.Kind.Valid() {
			return fmt.Errorf("sync_resource job requires a valid resource kind, got %q", p.Kind)
		}
	default:
		return fmt.Errorf("sync payload not valid for job type %q", t)
	}
	return nil
}

// WebhookApplyPayload drives webhook_apply jobs
type WebhookApplyPayload struct {
	DeliveryID string              `json:"delivery_id"`
	EventType  string              `json:"event_type"`
	Kind       models.ResourceKind `json:"kind"`
	ResourceID string              `json:"resource_id"`
	Archived   bool                `json:"archived,omitempty"`
}

// Validate checks the payload against the given job type
func (p *WebhookApplyPayload) Validate(t JobType) error {
	if t != JobTypeWebhookApply {
		return fmt.Errorf("webhook payload not valid for job type %q", t)
	}
	if p.DeliveryID == "" {
		return fmt.Errorf("webhook_apply job requires a delivery_id")
	}
	if p.ResourceID == "" {
		return fmt.Errorf("webhook_apply job requires a resource_id")
	}
	return nil
}

// MaintenancePayload drives maintenance jobs
type MaintenancePayload struct {
	Task          string `json:"task"`
	OlderThanDays int    `json:"older_than_days,omitempty"`
}

// Validate checks the payload against the given job type
func (p *MaintenancePayload) Validate(t JobType) error {
	if t != JobTypeMaintenance {
		return fmt.Errorf("maintenance payload not valid for job type %q", t)
	}
	if p.Task == "" {
		return fmt.Errorf("maintenance job requires a task")
	}
	return nil
}

// DecodePayload builds the typed payload variant for a job type from raw
// JSON, used by the HTTP layer when accepting submissions.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case JobTypeSyncFull, JobTypeSyncIncremental, JobTypeSyncResource:
		p = &SyncPayload{}
	case JobTypeWebhookApply:
		p = &WebhookApplyPayload{}
	case JobTypeMaintenance:
		p = &MaintenancePayload{}
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
		}
	}

	if err := p.Validate(t); err != nil {
		return nil, err
	}
	return p, nil
}
