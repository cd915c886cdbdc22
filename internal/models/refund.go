package models

import "github.com/shopspring/decimal"

// RefundStatus is the provider-side outcome of a refund request.
type RefundStatus string

const (
	RefundStatusApproved     RefundStatus = "approved"
	RefundStatusPending      RefundStatus = "pending"
	RefundStatusRejected     RefundStatus = "rejected"
	RefundStatusNotSupported RefundStatus = "not_supported"
	RefundStatusFailed       RefundStatus = "failed"
)

// CancelStatus is the provider-side outcome of a cancellation request.
type CancelStatus string

const (
	CancelStatusCancelled    CancelStatus = "cancelled"
	CancelStatusRejected     CancelStatus = "rejected"
	CancelStatusNotSupported CancelStatus = "not_supported"
	CancelStatusFailed       CancelStatus = "failed"
)

// RefundResult is the structured outcome of a refund. PaymentReversalPending
// is set when the provider accepted the refund and the payment side still has
// to be reversed by the caller.
type RefundResult struct {
	Success                bool             `json:"success"`
	Status                 RefundStatus     `json:"status"`
	Message                string           `json:"message,omitempty"`
	CreditsRefunded        *decimal.Decimal `json:"credits_refunded,omitempty"`
	ProviderID             string           `json:"provider_id,omitempty"`
	PaymentReversalPending bool             `json:"payment_reversal_pending"`
}

// CancelResult is the structured outcome of a cancellation.
type CancelResult struct {
	Success                bool             `json:"success"`
	Status                 CancelStatus     `json:"status"`
	Message                string           `json:"message,omitempty"`
	CreditsRefunded        *decimal.Decimal `json:"credits_refunded,omitempty"`
	ProviderID             string           `json:"provider_id,omitempty"`
	PaymentReversalPending bool             `json:"payment_reversal_pending"`
}
