package repository

import (
	"context"
	"encoding/json"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/repository/postgres"
)

const insertWebhookEventQuery = `
						INSERT INTO webhook_events (provider_id, event_key, event_type, provider_order_id, iccid, payload, received_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7)
						ON CONFLICT (provider_id, event_key) DO NOTHING
`

const deleteWebhookEventQuery = `
						DELETE FROM webhook_events
						WHERE provider_id = $1 AND event_key = $2
`

// WebhookEventRepository implements WebhookEventRepository interface
type WebhookEventRepository struct {
	db *postgres.DB
}

// NewWebhookEventRepository creates new WebhookEventRepository instance
func NewWebhookEventRepository(db *postgres.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// SaveWebhookEvent records an event, reporting false if it was seen before
func (wr *WebhookEventRepository) SaveWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return false, err
	}

	res, err := wr.db.ExecContext(ctx, insertWebhookEventQuery,
		ev.ProviderID, ev.Key, ev.Type, ev.ProviderOrderID, ev.ICCID, payload, ev.Timestamp)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteWebhookEvent forgets a recorded event
func (wr *WebhookEventRepository) DeleteWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	_, err := wr.db.ExecContext(ctx, deleteWebhookEventQuery, ev.ProviderID, ev.Key)
	return err
}
