package airalo

import (
	"context"
	"crypto/sha512"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/shopspring/decimal"
)

const (
	signatureHeader = "airalo-signature"
	packagesPerPage = 100
	usageTimeLayout = "2006-01-02 15:04:05"
)

type sim struct {
	ID         int64  `json:"id"`
	ICCID      string `json:"iccid"`
	LPA        string `json:"lpa"`
	MatchingID string `json:"matching_id"`
	QRCode     string `json:"qrcode"`
}

type orderData struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	PackageID string `json:"package_id"`
	Quantity  int    `json:"quantity"`
	Status    string `json:"status"`
	Sims      []sim  `json:"sims"`
}

func (o orderData) allocation() models.Allocation {
	for _, s := range o.Sims {
		if s.ICCID != "" {
			return models.Allocation{
				ICCID:          s.ICCID,
				ActivationCode: s.MatchingID,
				QRCode:         s.QRCode,
				SMDPAddress:    s.LPA,
			}
		}
	}
	return models.Allocation{}
}

func (o orderData) state() models.ProviderState {
	switch o.Status {
	case "failed", "cancelled", "refunded":
		return models.ProviderStateFailed
	}
	if !o.allocation().IsZero() {
		return models.ProviderStateCompleted
	}
	return models.ProviderStateProcessing
}

// CreateOrder implements provider.Service. Airalo allocates synchronously,
// the response already carries the sims.
func (c *Client) CreateOrder(ctx context.Context, req provider.OrderRequest) (*models.ProviderOrderResponse, error) {
	form := url.Values{}
	form.Set("package_id", req.ProviderPackageID)
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("type", "sim")
	form.Set("description", req.OrderID)

	var data orderData
	if err := c.do(ctx, http.MethodPost, "/v2/orders", form, &data); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.ProviderOrderResponse{
				Status: models.ProviderStateFailed,
				Error:  ae.message,
			}, nil
		}
		return nil, err
	}

	state := data.state()
	return &models.ProviderOrderResponse{
		Success:         state != models.ProviderStateFailed,
		ProviderOrderID: strconv.FormatInt(data.ID, 10),
		Status:          state,
		Allocation:      data.allocation(),
	}, nil
}

// GetOrderStatus implements provider.Service.
func (c *Client) GetOrderStatus(ctx context.Context, providerOrderID string) (*models.ProviderOrderStatus, error) {
	form := url.Values{}
	form.Set("include", "sims")

	var data orderData
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(providerOrderID), form, &data); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.ProviderOrderStatus{
				ProviderOrderID: providerOrderID,
				Status:          models.ProviderStateFailed,
				Error:           ae.message,
			}, nil
		}
		return nil, err
	}

	return &models.ProviderOrderStatus{
		ProviderOrderID: providerOrderID,
		Status:          data.state(),
		Allocation:      data.allocation(),
	}, nil
}

type apiPackage struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Amount      int64    `json:"amount"`
	Day         int      `json:"day"`
	IsUnlimited bool     `json:"is_unlimited"`
	NetPrice    float64  `json:"net_price"`
	Price       float64  `json:"price"`
	Voice       *int     `json:"voice"`
	Text        *int     `json:"text"`
	Type        string   `json:"type"`
	Countries   []string `json:"countries"`
}

type operator struct {
	Title    string       `json:"title"`
	Type     string       `json:"type"`
	Packages []apiPackage `json:"packages"`
}

type countryPackages struct {
	Slug        string     `json:"slug"`
	CountryCode string     `json:"country_code"`
	Title       string     `json:"title"`
	Operators   []operator `json:"operators"`
}

func (cp countryPackages) packageType() models.PackageType {
	switch {
	case cp.CountryCode != "":
		return models.PackageTypeLocal
	case cp.Slug == "world" || cp.Slug == "global":
		return models.PackageTypeGlobal
	default:
		return models.PackageTypeRegional
	}
}

// SyncPackages implements provider.Service, walking every page of the catalog.
func (c *Client) SyncPackages(ctx context.Context) ([]models.ProviderPackageData, error) {
	var pkgs []models.ProviderPackageData

	for page := 1; ; page++ {
		form := url.Values{}
		form.Set("limit", strconv.Itoa(packagesPerPage))
		form.Set("page", strconv.Itoa(page))

		var data pagedData
		if err := c.do(ctx, http.MethodGet, "/v2/packages", form, &data); err != nil {
			return nil, err
		}

		for _, cp := range data.items {
			for _, op := range cp.Operators {
				for _, p := range op.Packages {
					if p.Type != "" && p.Type != "sim" {
						// top-up packages are not sold as new orders
						continue
					}
					pkgs = append(pkgs, models.ProviderPackageData{
						ProviderPackageID: p.ID,
						Title:             p.Title,
						DataAmountMB:      p.Amount,
						ValidityDays:      p.Day,
						WholesalePrice:    decimal.NewFromFloat(p.NetPrice),
						Currency:          "USD",
						Type:              cp.packageType(),
						Operator:          op.Title,
						VoiceMinutes:      p.Voice,
						SMSCount:          p.Text,
						Unlimited:         p.IsUnlimited,
					})
				}
			}
		}

		if data.lastPage <= page || len(data.items) == 0 {
			return pkgs, nil
		}
	}
}

type usageData struct {
	Remaining   int64  `json:"remaining"`
	Total       int64  `json:"total"`
	ExpiredAt   string `json:"expired_at"`
	IsUnlimited bool   `json:"is_unlimited"`
	Status      string `json:"status"`
}

// GetUsage implements provider.Service.
func (c *Client) GetUsage(ctx context.Context, iccid string) (*models.UsageReport, error) {
	var data usageData
	if err := c.do(ctx, http.MethodGet, "/v2/sims/"+url.PathEscape(iccid)+"/usage", nil, &data); err != nil {
		return nil, err
	}

	report := &models.UsageReport{
		ICCID:       iccid,
		TotalMB:     data.Total,
		RemainingMB: data.Remaining,
		Unlimited:   data.IsUnlimited,
		Status:      data.Status,
	}
	if t, err := time.Parse(usageTimeLayout, data.ExpiredAt); err == nil {
		report.ExpiresAt = &t
	}
	return report, nil
}

// TopUp implements provider.Service.
func (c *Client) TopUp(ctx context.Context, req models.TopUpRequest) (*models.TopUpResponse, error) {
	form := url.Values{}
	form.Set("package_id", req.ProviderPackageID)
	form.Set("iccid", req.ICCID)
	form.Set("description", req.Reference)

	var data struct {
		ID    int64   `json:"id"`
		Price float64 `json:"price"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/orders/topups", form, &data); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.TopUpResponse{Error: ae.message}, nil
		}
		return nil, err
	}

	price := decimal.NewFromFloat(data.Price)
	return &models.TopUpResponse{
		Success:         true,
		ProviderOrderID: strconv.FormatInt(data.ID, 10),
		Price:           &price,
	}, nil
}

// Refund implements provider.Service. Airalo reviews refund requests, so an
// accepted request is usually pending rather than approved.
func (c *Client) Refund(ctx context.Context, req provider.RefundRequest) (*models.RefundResult, error) {
	form := url.Values{}
	form.Add("iccids[]", req.ICCID)
	form.Set("reason", req.Reason)
	form.Set("description", req.OrderID)

	var data struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Credits float64 `json:"credits"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/refund", form, &data); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.RefundResult{Status: models.RefundStatusRejected, Message: ae.message}, nil
		}
		return nil, err
	}

	res := &models.RefundResult{Message: data.Message}
	switch data.Status {
	case "approved", "refunded":
		res.Success = true
		res.Status = models.RefundStatusApproved
		if data.Credits > 0 {
			credits := decimal.NewFromFloat(data.Credits)
			res.CreditsRefunded = &credits
		}
	case "rejected", "declined":
		res.Status = models.RefundStatusRejected
	default:
		res.Success = true
		res.Status = models.RefundStatusPending
	}
	return res, nil
}

// Cancel implements provider.Service. Airalo has no cancellation endpoint.
func (c *Client) Cancel(ctx context.Context, req provider.CancelRequest) (*models.CancelResult, error) {
	return &models.CancelResult{
		Status:  models.CancelStatusNotSupported,
		Message: "airalo does not support cancellation",
	}, nil
}

// SupportsRefunds implements provider.Service.
func (c *Client) SupportsRefunds() bool {
	return Capabilities.Refunds
}

// SupportsCancellation implements provider.Service.
func (c *Client) SupportsCancellation() bool {
	return Capabilities.Cancellation
}

// HealthCheck implements provider.Service.
func (c *Client) HealthCheck(ctx context.Context) models.HealthStatus {
	start := time.Now()

	form := url.Values{}
	form.Set("limit", "1")
	var data pagedData
	err := c.do(ctx, http.MethodGet, "/v2/packages", form, &data)

	status := models.HealthStatus{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Error = provider.ErrorText(err)
	}
	return status
}

// SignatureHeader implements provider.Service.
func (c *Client) SignatureHeader() string {
	return signatureHeader
}

// ValidateWebhook implements provider.Service. Callbacks are signed with
// HMAC-SHA512 over the raw body.
func (c *Client) ValidateWebhook(payload []byte, signature, secret string) models.WebhookValidation {
	return provider.VerifyHMAC(sha512.New, payload, signature, secret)
}
