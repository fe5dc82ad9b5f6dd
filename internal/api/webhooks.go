package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgesync/forgesync/internal/webhook"
)

// maxWebhookBody bounds an inbound delivery body
const maxWebhookBody = 2 * 1024 * 1024

// webhookRoutes handles inbound deliveries
type webhookRoutes struct {
	ingestor        *webhook.Ingestor
	allowRedelivery bool
}

// WebhookRouter creates a router for the inbound webhook endpoint
func WebhookRouter(ingestor *webhook.Ingestor, allowRedelivery bool) http.Handler {
	routes := &webhookRoutes{ingestor: ingestor, allowRedelivery: allowRedelivery}

	r := chi.NewRouter()
	r.Post("/source", routes.receive)
	return r
}

// receive handles POST /webhooks/source. Handler errors after signature
// verification are acknowledged with 200 so the upstream does not storm
// redeliveries, unless redelivery is explicitly allowed.
func (wr *webhookRoutes) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErrorResponse(w, "failed to read body", http.StatusBadRequest)
		return
	}

	result, err := wr.ingestor.Handle(r.Context(), r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrSignatureInvalid):
			writeErrorResponse(w, "signature verification failed", http.StatusUnauthorized)
		case errors.Is(err, webhook.ErrMissingHeaders):
			writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		case wr.allowRedelivery:
			writeErrorResponse(w, "delivery processing failed", http.StatusInternalServerError)
		default:
			slog.Error("Webhook processing failed, acknowledging to suppress redelivery",
				"delivery_id", r.Header.Get(webhook.HeaderDeliveryID),
				"error", err)
			writeJSONResponse(w, http.StatusOK, map[string]string{"outcome": "error_acknowledged"})
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}
