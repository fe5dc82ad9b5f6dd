// Package postgres provides the pgx-backed implementation of the
// persistence port.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/store"
)

// Store is a PostgreSQL-backed implementation of store.Store
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given connection pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool for connString and verifies connectivity
func Connect(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertCanonicalQuery = `
INSERT INTO canonical_entities (
	external_id, kind, name, status, severity, sla_hours,
	attributes, health_score, priority_score, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (external_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	name = EXCLUDED.name,
	status = EXCLUDED.status,
	severity = EXCLUDED.severity,
	sla_hours = EXCLUDED.sla_hours,
	attributes = EXCLUDED.attributes,
	health_score = EXCLUDED.health_score,
	priority_score = EXCLUDED.priority_score,
	updated_at = EXCLUDED.updated_at`

func upsertCanonical(ctx context.Context, q execer, entity *models.CanonicalEntity) error {
	attrs, err := json.Marshal(entity.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal entity attributes: %w", err)
	}

	_, err = q.Exec(ctx, upsertCanonicalQuery,
		entity.ExternalID,
		string(entity.Kind),
		entity.Name,
		entity.Status,
		entity.Severity,
		entity.SLAHours,
		attrs,
		entity.HealthScore,
		entity.PriorityScore,
		entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", entity.ExternalID, err)
	}
	return nil
}

// UpsertCanonical inserts or updates an entity keyed by ExternalID
func (s *Store) UpsertCanonical(ctx context.Context, entity *models.CanonicalEntity) error {
	return upsertCanonical(ctx, s.pool, entity)
}

// txStore routes writes through an open transaction
type txStore struct {
	tx pgx.Tx
}

func (t *txStore) UpsertCanonical(ctx context.Context, entity *models.CanonicalEntity) error {
	return upsertCanonical(ctx, t.tx, entity)
}

// WithTx runs fn inside a database transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx store.TxStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const getCanonicalQuery = `
SELECT external_id, kind, name, status, severity, sla_hours,
	attributes, health_score, priority_score, updated_at
FROM canonical_entities
WHERE external_id = $1`

// GetCanonical returns the entity for externalID or store.ErrNotFound
func (s *Store) GetCanonical(ctx context.Context, externalID string) (*models.CanonicalEntity, error) {
	row := s.pool.QueryRow(ctx, getCanonicalQuery, externalID)
	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity %s: %w", externalID, err)
	}
	return entity, nil
}

const listCanonicalQuery = `
SELECT external_id, kind, name, status, severity, sla_hours,
	attributes, health_score, priority_score, updated_at
FROM canonical_entities
WHERE ($1 = '' OR kind = $1)
ORDER BY external_id
LIMIT $2`

// ListCanonical returns up to limit entities, optionally filtered by kind
func (s *Store) ListCanonical(ctx context.Context, kind models.ResourceKind, limit int) ([]*models.CanonicalEntity, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, listCanonicalQuery, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var result []*models.CanonicalEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		result = append(result, entity)
	}
	return result, rows.Err()
}

func scanEntity(row pgx.Row) (*models.CanonicalEntity, error) {
	var entity models.CanonicalEntity
	var kind string
	var attrs []byte

	err := row.Scan(
		&entity.ExternalID,
		&kind,
		&entity.Name,
		&entity.Status,
		&entity.Severity,
		&entity.SLAHours,
		&attrs,
		&entity.HealthScore,
		&entity.PriorityScore,
		&entity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entity.Kind = models.ResourceKind(kind)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &entity.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity attributes: %w", err)
		}
	}
	return &entity, nil
}

const recordSyncRunQuery = `
INSERT INTO sync_runs (
	id, mode, scope, started_at, finished_at,
	resources_processed, resources_failed, errors, rate_limit_used, success
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// RecordSyncRun persists a finished, immutable sync run
func (s *Store) RecordSyncRun(ctx context.Context, run *models.SyncRun) error {
	runErrors, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	_, err = s.pool.Exec(ctx, recordSyncRunQuery,
		run.ID,
		string(run.Mode),
		run.Scope,
		run.StartedAt,
		run.FinishedAt,
		run.ResourcesProcessed,
		run.ResourcesFailed,
		runErrors,
		run.RateLimitUsed,
		run.Success,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run %s: %w", run.ID, err)
	}
	return nil
}

const listSyncRunsQuery = `
SELECT id, mode, scope, started_at, finished_at,
	resources_processed, resources_failed, errors, rate_limit_used, success
FROM sync_runs
WHERE ($1 = false OR success = true)
ORDER BY finished_at DESC
LIMIT $2`

// ListSyncRuns returns up to limit runs, most recent first
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	return s.listRuns(ctx, false, limit)
}

// LastSuccessfulRun returns the most recent successful run
func (s *Store) LastSuccessfulRun(ctx context.Context) (*models.SyncRun, error) {
	runs, err := s.listRuns(ctx, true, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, store.ErrNotFound
	}
	return runs[0], nil
}

func (s *Store) listRuns(ctx context.Context, successOnly bool, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, listSyncRunsQuery, successOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		var mode string
		var runErrors []byte

		err := rows.Scan(
			&run.ID,
			&mode,
			&run.Scope,
			&run.StartedAt,
			&run.FinishedAt,
			&run.ResourcesProcessed,
			&run.ResourcesFailed,
			&runErrors,
			&run.RateLimitUsed,
			&run.Success,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}

		run.Mode = models.SyncMode(mode)
		if len(runErrors) > 0 {
			if err := json.Unmarshal(runErrors, &run.Errors); err != nil {
				return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
			}
		}
		result = append(result, &run)
	}
	return result, rows.Err()
}

const recordJobHistoryQuery = `
INSERT INTO job_history (
	id, type, status, priority, retry_count, last_error,
	created_at, started_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	retry_count = EXCLUDED.retry_count,
	last_error = EXCLUDED.last_error,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at`

// RecordJobHistory persists the audit record of a job transition
func (s *Store) RecordJobHistory(ctx context.Context, record *store.JobRecord) error {
	_, err := s.pool.Exec(ctx, recordJobHistoryQuery,
		record.ID,
		record.Type,
		record.Status,
		record.Priority,
		record.RetryCount,
		record.LastError,
		record.CreatedAt,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record job history %s: %w", record.ID, err)
	}
	return nil
}

// WasDeliveryProcessed reports whether a webhook delivery was applied
func (s *Store) WasDeliveryProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE delivery_id = $1)`,
		deliveryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery %s: %w", deliveryID, err)
	}
	return exists, nil
}

// MarkDeliveryProcessed records a webhook delivery as applied
func (s *Store) MarkDeliveryProcessed(ctx context.Context, event *models.WebhookEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (delivery_id) DO NOTHING`,
		event.DeliveryID,
		event.EventType,
		event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark delivery %s: %w", event.DeliveryID, err)
	}
	return nil
}
