// Package webhook verifies and routes signed inbound events from the
// upstream forge into pipeline jobs.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/pipeline"
)

// Required request headers on inbound deliveries
const (
	HeaderEventType  = "X-Forge-Event"
	HeaderDeliveryID = "X-Forge-Delivery"
	HeaderSignature  = "X-Forge-Signature-256"
)

// signaturePrefix is the scheme tag the forge prepends to hex signatures
const signaturePrefix = "sha256="

// seenDeliveriesCap bounds the in-memory dedupe set; the persisted set in
// the store remains authoritative
const seenDeliveriesCap = 4096

// ErrSignatureInvalid rejects a delivery whose HMAC does not match
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrMissingHeaders rejects a delivery without the required headers
var ErrMissingHeaders = errors.New("webhook headers missing")

// Outcome classifies how a delivery was handled
type Outcome string

const (
	// OutcomeProcessed means a job was submitted for the event
	OutcomeProcessed Outcome = "processed"

	// OutcomeDuplicate means the delivery id was already applied
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeIgnored means the event type has no handler
	OutcomeIgnored Outcome = "ignored"
)

// Result reports the handling of one delivery
type Result struct {
	Outcome    Outcome `json:"outcome"`
	DeliveryID string  `json:"delivery_id"`
	EventType  string  `json:"event_type"`
	JobID      string  `json:"job_id,omitempty"`
}

// eventPayload is the subset of the delivery body the dispatch table needs
type eventPayload struct {
	Resource struct {
		ID   string              `json:"id"`
		Kind models.ResourceKind `json:"kind"`
	} `json:"resource"`
	Archived bool `json:"archived"`
}

// DeliveryStore persists webhook dedupe state. Satisfied by store.Store.
type DeliveryStore interface {
	WasDeliveryProcessed(ctx context.Context, deliveryID string) (bool, error)
	MarkDeliveryProcessed(ctx context.Context, event *models.WebhookEvent) error
}

// Submitter enqueues the jobs a delivery maps to. Satisfied by
// pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, t pipeline.JobType, payload pipeline.Payload, priority pipeline.Priority) (string, error)
}

// eventHandler maps one event type to a pipeline submission
type eventHandler func(ctx context.Context, i *Ingestor, event *models.WebhookEvent, payload *eventPayload) (string, error)

// Ingestor validates, dedupes, and dispatches inbound deliveries
type Ingestor struct {
	secret   []byte
	pipeline Submitter
	store    DeliveryStore
	handlers map[string]eventHandler

	// seen shortcuts dedupe lookups for recently processed deliveries
	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string
}

// NewIngestor creates an ingestor verifying deliveries against secret
func NewIngestor(secret string, p Submitter, st DeliveryStore) *Ingestor {
	i := &Ingestor{
		secret:   []byte(secret),
		pipeline: p,
		store:    st,
		seen:     make(map[string]struct{}),
	}
	i.handlers = map[string]eventHandler{
		"resource.updated":  handleResourceChanged,
		"resource.created":  handleResourceChanged,
		"resource.archived": handleResourceArchived,
	}
	return i
}

// Handle processes one inbound delivery. A replayed delivery id returns a
// duplicate result without reapplying; an unknown event type is
// acknowledged and ignored.
func (i *Ingestor) Handle(ctx context.Context, headers http.Header, rawBody []byte) (*Result, error) {
	eventType := headers.Get(HeaderEventType)
	deliveryID := headers.Get(HeaderDeliveryID)
	signature := headers.Get(HeaderSignature)

	if eventType == "" || deliveryID == "" || signature == "" {
		return nil, ErrMissingHeaders
	}

	if !i.verifySignature(rawBody, signature) {
		slog.Warn("Rejected webhook with invalid signature",
			"delivery_id", deliveryID,
			"event_type", eventType)
		return nil, ErrSignatureInvalid
	}

	result := &Result{DeliveryID: deliveryID, EventType: eventType}

	duplicate, err := i.isDuplicate(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("failed to check delivery state: %w", err)
	}
	if duplicate {
		slog.Debug("Ignoring replayed webhook delivery", "delivery_id", deliveryID)
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	event := &models.WebhookEvent{
		DeliveryID:     deliveryID,
		EventType:      eventType,
		SignatureValid: true,
		Payload:        json.RawMessage(rawBody),
		ReceivedAt:     time.Now(),
	}

	handler, ok := i.handlers[eventType]
	if !ok {
		slog.Debug("Ignoring webhook event with no handler",
			"delivery_id", deliveryID,
			"event_type", eventType)
		result.Outcome = OutcomeIgnored
		i.markProcessed(ctx, event)
		return result, nil
	}

	var payload eventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if payload.Resource.ID == "" || !payload.Resource.Kind.Valid() {
		return nil, fmt.Errorf("webhook payload missing a valid resource reference")
	}

	jobID, err := handler(ctx, i, event, &payload)
	if err != nil {
		return nil, err
	}

	i.markProcessed(ctx, event)

	result.Outcome = OutcomeProcessed
	result.JobID = jobID
	slog.Info("Webhook delivery dispatched",
		"delivery_id", deliveryID,
		"event_type", eventType,
		"job_id", jobID)
	return result, nil
}

// verifySignature compares the delivery signature against the HMAC-SHA256
// of the raw body in constant time
func (i *Ingestor) verifySignature(rawBody []byte, signature string) bool {
	provided := strings.TrimPrefix(signature, signaturePrefix)

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

// isDuplicate checks the in-memory set first, then the persisted set
func (i *Ingestor) isDuplicate(ctx context.Context, deliveryID string) (bool, error) {
	i.seenMu.Lock()
	_, ok := i.seen[deliveryID]
	i.seenMu.Unlock()
	if ok {
		return true, nil
	}
	if i.store == nil {
		return false, nil
	}
	return i.store.WasDeliveryProcessed(ctx, deliveryID)
}

// markProcessed records the delivery in both dedupe sets
func (i *Ingestor) markProcessed(ctx context.Context, event *models.WebhookEvent) {
	i.seenMu.Lock()
	if _, ok := i.seen[event.DeliveryID]; !ok {
		i.seen[event.DeliveryID] = struct{}{}
		i.order = append(i.order, event.DeliveryID)
		if len(i.order) > seenDeliveriesCap {
			oldest := i.order[0]
			i.order = i.order[1:]
			delete(i.seen, oldest)
		}
	}
	i.seenMu.Unlock()

	if i.store == nil {
		return
	}
	if err := i.store.MarkDeliveryProcessed(ctx, event); err != nil {
		slog.Error("Failed to persist webhook delivery state",
			"delivery_id", event.DeliveryID,
			"error", err)
	}
}

// handleResourceChanged submits a targeted single-resource sync
func handleResourceChanged(ctx context.Context, i *Ingestor, _ *models.WebhookEvent, payload *eventPayload) (string, error) {
	jobPayload := &pipeline.SyncPayload{
		Mode:       models.SyncModeSingle,
		Kind:       payload.Resource.Kind,
		ResourceID: payload.Resource.ID,
	}
	return i.pipeline.Submit(ctx, pipeline.JobTypeSyncResource, jobPayload, pipeline.PriorityHigh)
}

// handleResourceArchived submits a direct status change instead of a
// refetch so an archived resource flips to shipped even when the upstream
// record is already gone
func handleResourceArchived(ctx context.Context, i *Ingestor, event *models.WebhookEvent, payload *eventPayload) (string, error) {
	jobPayload := &pipeline.WebhookApplyPayload{
		DeliveryID: event.DeliveryID,
		EventType:  event.EventType,
		Kind:       payload.Resource.Kind,
		ResourceID: payload.Resource.ID,
		Archived:   true,
	}
	return i.pipeline.Submit(ctx, pipeline.JobTypeWebhookApply, jobPayload, pipeline.PriorityHigh)
}
