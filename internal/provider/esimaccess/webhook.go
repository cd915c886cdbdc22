package esimaccess

import (
	"fmt"
	"strings"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
)

// ParseWebhook implements provider.Service. Callbacks are classified by
// notifyType, the details live in the content object.
func (c *Client) ParseWebhook(payload []byte) (*models.WebhookEvent, error) {
	obj, err := provider.DecodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}

	content := provider.Object(obj, "content")
	if content == nil {
		content = map[string]any{}
	}

	ev := &models.WebhookEvent{
		Type:            models.WebhookEventOther,
		ProviderOrderID: provider.String(content, "orderNo"),
		ICCID:           provider.String(content, "iccid"),
		Data:            obj,
		Timestamp:       time.Now(),
	}

	switch provider.String(obj, "notifyType") {
	case "ORDER_STATUS":
		ev.Type = models.WebhookEventOrderStatus
		switch strings.ToUpper(provider.String(content, "orderStatus")) {
		case "GOT_RESOURCE":
			ev.Status = models.ProviderStateCompleted
		case "FAILED", "CANCEL":
			ev.Status = models.ProviderStateFailed
		default:
			ev.Status = models.ProviderStateProcessing
		}
	case "DATA_USAGE":
		ev.Type = models.WebhookEventLowData
	case "VALIDITY_USAGE":
		ev.Type = models.WebhookEventExpiring
	}
	return ev, nil
}
