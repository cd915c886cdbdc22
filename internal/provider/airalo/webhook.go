package airalo

import (
	"fmt"
	"strings"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
)

// ParseWebhook implements provider.Service.
//
// Airalo sends three kinds of callbacks:
// low data: carries remaining_percentage for an iccid;
// expiring: type mentions expiry;
// order: carries request_id or a sims list of an async order.
func (c *Client) ParseWebhook(payload []byte) (*models.WebhookEvent, error) {
	obj, err := provider.DecodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}

	ev := &models.WebhookEvent{
		Type:      models.WebhookEventOther,
		ICCID:     provider.String(obj, "iccid"),
		Data:      obj,
		Timestamp: time.Now(),
	}

	kind := strings.ToLower(provider.String(obj, "type"))

	switch {
	case hasKey(obj, "remaining_percentage"):
		ev.Type = models.WebhookEventLowData
	case strings.Contains(kind, "expir"):
		ev.Type = models.WebhookEventExpiring
	case hasKey(obj, "request_id") || hasKey(obj, "sims"):
		ev.Type = models.WebhookEventOrderStatus
		parseOrder(obj, ev)
	}
	return ev, nil
}

func parseOrder(obj map[string]any, ev *models.WebhookEvent) {
	ev.ProviderOrderID = provider.String(obj, "request_id")
	if data := provider.Object(obj, "data"); data != nil {
		if id := provider.String(data, "id"); id != "" {
			ev.ProviderOrderID = id
		}
		obj = data
	}
	if id := provider.String(obj, "id"); ev.ProviderOrderID == "" && id != "" {
		ev.ProviderOrderID = id
	}

	sims, _ := obj["sims"].([]any)
	for _, s := range sims {
		sim, ok := s.(map[string]any)
		if !ok || provider.String(sim, "iccid") == "" {
			continue
		}
		ev.Allocation = models.Allocation{
			ICCID:          provider.String(sim, "iccid"),
			ActivationCode: provider.String(sim, "matching_id"),
			QRCode:         provider.String(sim, "qrcode"),
			SMDPAddress:    provider.String(sim, "lpa"),
		}
		ev.ICCID = ev.Allocation.ICCID
		break
	}

	switch strings.ToLower(provider.String(obj, "status")) {
	case "failed", "cancelled":
		ev.Status = models.ProviderStateFailed
	default:
		if ev.Allocation.IsZero() {
			ev.Status = models.ProviderStateProcessing
		} else {
			ev.Status = models.ProviderStateCompleted
		}
	}
}

func hasKey(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}
