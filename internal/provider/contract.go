// Package provider defines the capability contract every fulfillment provider
// adapter implements, the registry that builds and caches adapters, and the
// helpers adapters share: rate limiting, credential lookup, margin calculation
// and webhook signature verification.
//
// Adapters are compiled in and registered at startup. An adapter never lets a
// provider-specific error escape: it returns a normalized failure shape or one
// of the error types declared in this package.
package provider

import (
	"context"
	"time"

	"github.com/rookgm/esimhub/internal/models"
)

// Service is the capability contract of a provider adapter.
type Service interface {
	// Slug returns the provider identifier the adapter implements.
	Slug() models.ProviderSlug

	// SyncPackages returns the provider's current package catalog.
	SyncPackages(ctx context.Context) ([]models.ProviderPackageData, error)
	// CreateOrder places an order. A business rejection is reported with
	// Success false, transport failures as an error.
	CreateOrder(ctx context.Context, req OrderRequest) (*models.ProviderOrderResponse, error)
	// GetOrderStatus returns the state of an order created earlier.
	GetOrderStatus(ctx context.Context, providerOrderID string) (*models.ProviderOrderStatus, error)
	GetUsage(ctx context.Context, iccid string) (*models.UsageReport, error)
	TopUp(ctx context.Context, req models.TopUpRequest) (*models.TopUpResponse, error)
	Refund(ctx context.Context, req RefundRequest) (*models.RefundResult, error)
	Cancel(ctx context.Context, req CancelRequest) (*models.CancelResult, error)

	// SupportsRefunds and SupportsCancellation never touch the network.
	SupportsRefunds() bool
	SupportsCancellation() bool

	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string
	// ValidateWebhook checks the signature of a raw callback body.
	ValidateWebhook(payload []byte, signature, secret string) models.WebhookValidation
	// ParseWebhook normalizes a callback body. Unknown shapes yield an event of
	// type other; only a body that is not JSON is an error.
	ParseWebhook(payload []byte) (*models.WebhookEvent, error)

	// HealthCheck never fails, transport errors are folded into the result.
	HealthCheck(ctx context.Context) models.HealthStatus
}

// OrderRequest asks a provider for an allocation.
type OrderRequest struct {
	// OrderID is our reference, sent to providers that accept one.
	OrderID           string
	ProviderPackageID string
	Quantity          int
	Description       string
}

// RefundRequest asks a provider to refund an allocated order.
type RefundRequest struct {
	OrderID         string
	ProviderOrderID string
	ICCID           string
	Reason          string
}

// CancelRequest asks a provider to cancel an order.
type CancelRequest struct {
	OrderID         string
	ProviderOrderID string
	ICCID           string
	Reason          string
}

// Capabilities is the static metadata of a provider integration, available
// without building an adapter.
type Capabilities struct {
	Refunds      bool          `json:"refunds"`
	Cancellation bool          `json:"cancellation"`
	TopUps       bool          `json:"top_ups"`
	MinInterval  time.Duration `json:"min_interval"`
}
