package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
//
// pending: order is created, no provider has been called yet;
// processing: a provider accepted the order and allocation is in progress;
// completed: eSIM artifacts are allocated;
// failed: every eligible provider was tried without success;
// cancelled: provider-side cancellation succeeded;
// refunded: provider-side refund was approved.
type OrderStatus string

// order status
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusCompleted:  {OrderStatusRefunded, OrderStatusCancelled},
}

// IsTerminal reports whether no further automatic transition occurs from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether an order in status s may move to status to.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Allocation holds the eSIM artifacts a provider assigned to an order.
type Allocation struct {
	ICCID          string `json:"iccid,omitempty"`
	ActivationCode string `json:"activation_code,omitempty"`
	QRCode         string `json:"qr_code,omitempty"`
	SMDPAddress    string `json:"smdp_address,omitempty"`
}

// IsZero reports whether no artifact is set.
func (a Allocation) IsZero() bool {
	return a == Allocation{}
}

// AttemptSource tells who concluded an attempt.
type AttemptSource string

const (
	AttemptSourceOrchestrator AttemptSource = "orchestrator"
	AttemptSourceWebhook      AttemptSource = "webhook"
)

// FailoverAttempt is one provider's try at fulfilling an order.
type FailoverAttempt struct {
	ProviderID      string          `json:"provider_id"`
	ProviderSlug    ProviderSlug    `json:"provider_slug"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	Success         bool            `json:"success"`
	Margin          decimal.Decimal `json:"margin"`
	Error           string          `json:"error,omitempty"`
	Source          AttemptSource   `json:"source"`
	Duration        time.Duration   `json:"duration"`
	AttemptedAt     time.Time       `json:"attempted_at"`
}

// Order is order entity
type Order struct {
	ID                string
	PackageID         string
	ProviderPackageID string
	Quantity          int
	CustomerRef       string
	Status            OrderStatus
	Allocation        Allocation
	// ProviderOrderID is the external reference of the current or final attempt.
	ProviderOrderID    string
	OriginalProviderID *string
	// CurrentProviderID is the provider the order is assigned to while allocating.
	CurrentProviderID *string
	FinalProviderID   *string
	Attempts          []FailoverAttempt
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.OriginalProviderID = cloneString(o.OriginalProviderID)
	c.CurrentProviderID = cloneString(o.CurrentProviderID)
	c.FinalProviderID = cloneString(o.FinalProviderID)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	c.Attempts = append([]FailoverAttempt(nil), o.Attempts...)
	return &c
}

// ResolvedProviderID returns the provider holding the order: the current
// assignee while allocation is in flight, otherwise the one that fulfilled it,
// falling back to the first provider attempted when allocation never completed.
func (o *Order) ResolvedProviderID() string {
	if !o.Status.IsTerminal() && o.CurrentProviderID != nil {
		return *o.CurrentProviderID
	}
	if o.FinalProviderID != nil {
		return *o.FinalProviderID
	}
	if o.OriginalProviderID != nil {
		return *o.OriginalProviderID
	}
	return ""
}

// Attempted reports whether providerID already has a concluded attempt.
func (o *Order) Attempted(providerID string) bool {
	for _, a := range o.Attempts {
		if a.ProviderID == providerID {
			return true
		}
	}
	return false
}

// OrderPatch is a partial update of an order. Nil fields are left untouched,
// attempts are appended after the existing ones.
type OrderPatch struct {
	Status             *OrderStatus
	Allocation         *Allocation
	ProviderOrderID    *string
	ProviderPackageID  *string
	OriginalProviderID *string
	CurrentProviderID  *string
	FinalProviderID    *string
	CompletedAt        *time.Time
	AppendAttempts     []FailoverAttempt
}

// Apply applies the patch to the order, rejecting transitions the state machine
// does not allow. OriginalProviderID is set only once.
func (o *Order) Apply(p OrderPatch, now time.Time) error {
	// refunded and cancelled are final, repeating them is a conflict
	if p.Status != nil && (*p.Status != o.Status || o.Status == OrderStatusRefunded || o.Status == OrderStatusCancelled) {
		if !o.Status.CanTransition(*p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, *p.Status)
		}
		o.Status = *p.Status
	}
	if p.Allocation != nil {
		o.Allocation = *p.Allocation
	}
	if p.ProviderOrderID != nil {
		o.ProviderOrderID = *p.ProviderOrderID
	}
	if p.ProviderPackageID != nil {
		o.ProviderPackageID = *p.ProviderPackageID
	}
	if p.OriginalProviderID != nil && o.OriginalProviderID == nil {
		o.OriginalProviderID = cloneString(p.OriginalProviderID)
	}
	if p.CurrentProviderID != nil {
		o.CurrentProviderID = cloneString(p.CurrentProviderID)
	}
	if p.FinalProviderID != nil {
		o.FinalProviderID = cloneString(p.FinalProviderID)
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		o.CompletedAt = &t
	}
	o.Attempts = append(o.Attempts, p.AppendAttempts...)
	o.UpdatedAt = now
	return nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
