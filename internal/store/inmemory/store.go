// Package inmemory provides a mutex-guarded in-memory implementation of the
// persistence port, used by tests and local runs without a database.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/store"
)

// Store is an in-memory implementation of store.Store
type Store struct {
	mu         sync.RWMutex
	entities   map[string]*models.CanonicalEntity
	runs       []*models.SyncRun
	jobs       []*store.JobRecord
	deliveries map[string]*models.WebhookEvent
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		entities:   make(map[string]*models.CanonicalEntity),
		deliveries: make(map[string]*models.WebhookEvent),
	}
}

// UpsertCanonical inserts or updates an entity keyed by ExternalID
func (s *Store) UpsertCanonical(_ context.Context, entity *models.CanonicalEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeEntity(entity)
	return nil
}

func (s *Store) storeEntity(entity *models.CanonicalEntity) {
	entityCopy := *entity
	s.entities[entity.ExternalID] = &entityCopy
}

// WithTx runs fn against a staging buffer and applies all writes atomically
// on success. An error from fn discards the buffer.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.TxStore) error) error {
	buf := &txBuffer{}
	if err := fn(buf); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range buf.entities {
		s.storeEntity(entity)
	}
	return nil
}

// txBuffer stages entity writes until commit
type txBuffer struct {
	entities []*models.CanonicalEntity
}

func (b *txBuffer) UpsertCanonical(_ context.Context, entity *models.CanonicalEntity) error {
	entityCopy := *entity
	b.entities = append(b.entities, &entityCopy)
	return nil
}

// GetCanonical returns the entity for externalID or store.ErrNotFound
func (s *Store) GetCanonical(_ context.Context, externalID string) (*models.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	entityCopy := *entity
	return &entityCopy, nil
}

// ListCanonical returns up to limit entities, optionally filtered by kind.
// Results are ordered by ExternalID for determinism.
func (s *Store) ListCanonical(_ context.Context, kind models.ResourceKind, limit int) ([]*models.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.CanonicalEntity, 0, len(s.entities))
	for _, entity := range s.entities {
		if kind != "" && entity.Kind != kind {
			continue
		}
		entityCopy := *entity
		result = append(result, &entityCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExternalID < result[j].ExternalID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RecordSyncRun persists a finished sync run
func (s *Store) RecordSyncRun(_ context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCopy := *run
	s.runs = append(s.runs, &runCopy)
	return nil
}

// ListSyncRuns returns up to limit runs, most recent first
func (s *Store) ListSyncRuns(_ context.Context, limit int) ([]*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.SyncRun, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		runCopy := *s.runs[i]
		result = append(result, &runCopy)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// LastSuccessfulRun returns the most recent successful run
func (s *Store) LastSuccessfulRun(_ context.Context) (*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].Success {
			runCopy := *s.runs[i]
			return &runCopy, nil
		}
	}
	return nil, store.ErrNotFound
}

// RecordJobHistory persists the audit record of a job transition
func (s *Store) RecordJobHistory(_ context.Context, record *store.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordCopy := *record
	s.jobs = append(s.jobs, &recordCopy)
	return nil
}

// WasDeliveryProcessed reports whether a webhook delivery was applied
func (s *Store) WasDeliveryProcessed(_ context.Context, deliveryID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.deliveries[deliveryID]
	return ok, nil
}

// MarkDeliveryProcessed records a webhook delivery as applied
func (s *Store) MarkDeliveryProcessed(_ context.Context, event *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCopy := *event
	s.deliveries[event.DeliveryID] = &eventCopy
	return nil
}
