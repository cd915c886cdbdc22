package models

import "time"

// WebhookEventType classifies a normalized provider callback.
type WebhookEventType string

const (
	WebhookEventOrderStatus WebhookEventType = "order_status"
	WebhookEventLowData     WebhookEventType = "low_data"
	WebhookEventExpiring    WebhookEventType = "expiring"
	WebhookEventOther       WebhookEventType = "other"
)

// WebhookEvent is a provider callback normalized to one shape.
type WebhookEvent struct {
	// Key identifies the event for deduplication.
	Key             string
	ProviderID      string
	Type            WebhookEventType
	ProviderOrderID string
	ICCID           string
	Status          ProviderState
	Allocation      Allocation
	Data            map[string]any
	Timestamp       time.Time
}

// WebhookValidation is the result of a webhook signature check.
type WebhookValidation struct {
	IsValid bool
	Reason  string
}

// Notification is published when an order or an eSIM changes in a way a
// customer-facing collaborator should know about.
type Notification struct {
	Kind       string         `json:"kind"`
	OrderID    string         `json:"order_id"`
	ProviderID string         `json:"provider_id,omitempty"`
	Status     OrderStatus    `json:"status,omitempty"`
	ICCID      string         `json:"iccid,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// notification kinds
const (
	NotificationOrderCompleted = "order.completed"
	NotificationOrderFailed    = "order.failed"
	NotificationOrderRefunded  = "order.refunded"
	NotificationOrderCancelled = "order.cancelled"
	NotificationLowData        = "esim.low_data"
	NotificationExpiring       = "esim.expiring"
)
