package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rookgm/esimhub/internal/models"
)

type WebhookService interface {
	// Ingest validates and queues a provider callback
	Ingest(ctx context.Context, providerID string, payload []byte, header http.Header) (*models.WebhookEvent, error)
}

// WebhookHandler represents HTTP handler for provider callbacks
type WebhookHandler struct {
	svc WebhookService
}

// NewWebhookHandler creates new WebhookHandler instance
func NewWebhookHandler(svc WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// ReceiveWebhook acknowledges a provider callback once it is queued
// 202 — accepted;
// 400 — body is not a callback;
// 401 — invalid signature;
// 404 — unknown provider;
// 503 — queue is full or closed.
func (wh *WebhookHandler) ReceiveWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		_, err = wh.svc.Ingest(r.Context(), chi.URLParam(r, "providerID"), payload, r.Header)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrInvalidSignature):
				http.Error(w, "invalid signature", http.StatusUnauthorized)
			case errors.Is(err, models.ErrDataNotFound):
				http.Error(w, "unknown provider", http.StatusNotFound)
			case errors.Is(err, models.ErrInvalidPayload):
				http.Error(w, "invalid payload", http.StatusBadRequest)
			case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrQueueClosed):
				w.Header().Set("Retry-After", "5")
				http.Error(w, "try again later", http.StatusServiceUnavailable)
			default:
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}
