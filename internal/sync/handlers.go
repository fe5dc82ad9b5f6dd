package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/store"
)

// RegisterHandlers binds the sync and webhook job types to the orchestrator
// and store
func RegisterHandlers(p *pipeline.Pipeline, o *Orchestrator, st store.Store) {
	syncHandler := func(ctx context.Context, job *pipeline.Job) (any, error) {
		payload, ok := job.Payload.(*pipeline.SyncPayload)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", job.Payload)
		}

		run, err := o.Run(ctx, Request{
			Mode:       payload.Mode,
			Scope:      payload.Scope,
			Kind:       payload.Kind,
			ResourceID: payload.ResourceID,
			JobID:      job.ID,
			Cancelled:  job.IsCancelled,
		})
		if err != nil {
			return run, err
		}
		if !run.Success {
			return run, fmt.Errorf("sync run %s finished with %d failed resources", run.ID, run.ResourcesFailed)
		}
		return run, nil
	}

	p.RegisterHandler(pipeline.JobTypeSyncFull, syncHandler)
	p.RegisterHandler(pipeline.JobTypeSyncIncremental, syncHandler)
	p.RegisterHandler(pipeline.JobTypeSyncResource, syncHandler)
	p.RegisterHandler(pipeline.JobTypeWebhookApply, applyHandler(o, st))
}

// applyHandler builds the webhook_apply handler. An archive event flips the
// stored entity to shipped without a refetch; an entity we have never synced
// is fetched first.
func applyHandler(o *Orchestrator, st store.Store) pipeline.Handler {
	return func(ctx context.Context, job *pipeline.Job) (any, error) {
		payload, ok := job.Payload.(*pipeline.WebhookApplyPayload)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", job.Payload)
		}

		externalID := fmt.Sprintf("%s:%s", payload.Kind, payload.ResourceID)

		entity, err := st.GetCanonical(ctx, externalID)
		if errors.Is(err, store.ErrNotFound) {
			// Never synced; fetch it so the status change lands on a real
			// record. The upstream payload already carries the archived
			// flag, so normalization yields the right status.
			run, runErr := o.Run(ctx, Request{
				Mode:       models.SyncModeSingle,
				Kind:       payload.Kind,
				ResourceID: payload.ResourceID,
				JobID:      job.ID,
				Cancelled:  job.IsCancelled,
			})
			return run, runErr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load entity %s: %w", externalID, err)
		}

		if payload.Archived {
			entity.Status = models.StatusShipped
		} else {
			entity.Status = models.StatusActive
		}
		entity.UpdatedAt = time.Now()

		err = st.WithTx(ctx, func(tx store.TxStore) error {
			return tx.UpsertCanonical(ctx, entity)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply status change to %s: %w", externalID, err)
		}

		slog.Info("Applied webhook status change",
			"external_id", externalID,
			"status", entity.Status,
			"delivery_id", payload.DeliveryID)
		return entity, nil
	}
}
