package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderSlug is the stable identifier of a provider integration, e.g. "airalo".
type ProviderSlug string

// Provider is a fulfillment provider record. Several records may share a slug
// (sandbox and production), ID is what distinguishes them.
type Provider struct {
	ID      string
	Slug    ProviderSlug
	Name    string
	Enabled bool
	// PricingMargin is the reseller margin in percent applied over wholesale.
	PricingMargin  decimal.Decimal
	PreferenceRank int
	WebhookSecret  string
	// SecretRef names the secret holding outbound API credentials.
	SecretRef    string
	BaseURL      string
	SyncInterval time.Duration
	CreatedAt    time.Time
}

// PackageType is the coverage of a package.
type PackageType string

const (
	PackageTypeLocal    PackageType = "local"
	PackageTypeRegional PackageType = "regional"
	PackageTypeGlobal   PackageType = "global"
)

// ProviderPackageData is a normalized package description produced by a provider sync.
type ProviderPackageData struct {
	ProviderPackageID string          `json:"provider_package_id"`
	Title             string          `json:"title"`
	DataAmountMB      int64           `json:"data_amount_mb"`
	ValidityDays      int             `json:"validity_days"`
	WholesalePrice    decimal.Decimal `json:"wholesale_price"`
	RetailPrice       decimal.Decimal `json:"retail_price"`
	Currency          string          `json:"currency"`
	Type              PackageType     `json:"type"`
	Operator          string          `json:"operator,omitempty"`
	VoiceMinutes      *int            `json:"voice_minutes,omitempty"`
	SMSCount          *int            `json:"sms_count,omitempty"`
	Unlimited         bool            `json:"unlimited"`
}

// PackageOffer links a catalog package to one provider's package.
type PackageOffer struct {
	PackageID         string          `json:"package_id"`
	ProviderID        string          `json:"provider_id"`
	ProviderPackageID string          `json:"provider_package_id"`
	WholesalePrice    decimal.Decimal `json:"wholesale_price"`
	Currency          string          `json:"currency"`
}
