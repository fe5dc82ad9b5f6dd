// Package store defines the persistence port consumed by the ingestion
// pipeline. The relational schema itself lives behind this interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/forgesync/forgesync/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// JobRecord is the persisted audit projection of a pipeline job
type JobRecord struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TxStore is the subset of operations available inside a transaction.
// A sync chunk writes all of its entities through one TxStore so the chunk
// commits or rolls back as a unit.
type TxStore interface {
	// UpsertCanonical inserts or updates an entity keyed by ExternalID
	UpsertCanonical(ctx context.Context, entity *models.CanonicalEntity) error
}

// Store is the persistence port for canonical entities, sync runs, job
// history, and webhook delivery dedupe state
type Store interface {
	TxStore

	// WithTx runs fn inside a transaction. fn returning an error rolls the
	// transaction back; otherwise it commits.
	WithTx(ctx context.Context, fn func(tx TxStore) error) error

	// GetCanonical returns the entity for externalID or ErrNotFound
	GetCanonical(ctx context.Context, externalID string) (*models.CanonicalEntity, error)

	// ListCanonical returns up to limit entities, optionally filtered by kind
	ListCanonical(ctx context.Context, kind models.ResourceKind, limit int) ([]*models.CanonicalEntity, error)

	// RecordSyncRun persists a finished, immutable sync run
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error

	// ListSyncRuns returns up to limit runs, most recent first
	ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)

	// LastSuccessfulRun returns the most recent successful run, or
	// ErrNotFound when no run has succeeded yet
	LastSuccessfulRun(ctx context.Context) (*models.SyncRun, error)

	// RecordJobHistory persists the audit record of a job transition
	RecordJobHistory(ctx context.Context, record *JobRecord) error

	// WasDeliveryProcessed reports whether a webhook delivery id has
	// already been applied
	WasDeliveryProcessed(ctx context.Context, deliveryID string) (bool, error)

	// MarkDeliveryProcessed records a webhook delivery as applied
	MarkDeliveryProcessed(ctx context.Context, event *models.WebhookEvent) error
}
