package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderState is the normalized order state reported by a provider.
type ProviderState string

const (
	ProviderStateCompleted  ProviderState = "completed"
	ProviderStateProcessing ProviderState = "processing"
	ProviderStatePending    ProviderState = "pending"
	ProviderStateFailed     ProviderState = "failed"
)

// ProviderOrderResponse is what an adapter returns from order creation.
type ProviderOrderResponse struct {
	Success         bool
	ProviderOrderID string
	Status          ProviderState
	Allocation      Allocation
	Error           string
}

// ProviderOrderStatus is an adapter snapshot of a previously created order.
type ProviderOrderStatus struct {
	ProviderOrderID string
	Status          ProviderState
	Allocation      Allocation
	Error           string
}

// UsageReport is the data usage of an installed eSIM.
type UsageReport struct {
	ICCID       string     `json:"iccid"`
	TotalMB     int64      `json:"total_mb"`
	RemainingMB int64      `json:"remaining_mb"`
	Unlimited   bool       `json:"unlimited"`
	Status      string     `json:"status,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// TopUpRequest adds a package to an existing eSIM.
type TopUpRequest struct {
	ICCID             string
	ProviderPackageID string
	Reference         string
}

// TopUpResponse is the outcome of a top-up.
type TopUpResponse struct {
	Success         bool
	ProviderOrderID string
	Price           *decimal.Decimal
	Error           string
}

// HealthStatus is the outcome of a provider health check.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}
