package esimaccess

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/shopspring/decimal"
)

const (
	signatureHeader = "RT-Signature"
	// prices are returned in 1/10000 of the currency unit
	priceExp = -4
	// the profile is not allocated yet
	codeAllocating = "200010"
	bytesInMB      = 1024 * 1024
)

type packageInfo struct {
	PackageCode string `json:"packageCode"`
	Count       int    `json:"count"`
}

type orderRequest struct {
	TransactionID   string        `json:"transactionId"`
	PackageInfoList []packageInfo `json:"packageInfoList"`
}

type pager struct {
	PageNum  int `json:"pageNum"`
	PageSize int `json:"pageSize"`
}

type queryRequest struct {
	OrderNo string `json:"orderNo,omitempty"`
	ICCID   string `json:"iccid,omitempty"`
	Pager   pager  `json:"pager"`
}

type esim struct {
	ICCID        string `json:"iccid"`
	AC           string `json:"ac"`
	QRCodeURL    string `json:"qrCodeUrl"`
	ESIMStatus   string `json:"esimStatus"`
	SMDPStatus   string `json:"smdpStatus"`
	TotalVolume  int64  `json:"totalVolume"`
	OrderUsage   int64  `json:"orderUsage"`
	ExpiredTime  string `json:"expiredTime"`
	PackageCount int    `json:"packageCount"`
}

// allocation splits the LPA activation string "LPA:1$<smdp>$<matching id>".
func (e esim) allocation() models.Allocation {
	a := models.Allocation{
		ICCID:          e.ICCID,
		ActivationCode: e.AC,
		QRCode:         e.QRCodeURL,
	}
	parts := strings.Split(e.AC, "$")
	if len(parts) >= 3 {
		a.SMDPAddress = parts[1]
		a.ActivationCode = parts[2]
	}
	return a
}

func (e esim) failed() bool {
	switch e.ESIMStatus {
	case "CANCEL", "REVOKED", "USED_EXPIRED", "UNUSED_EXPIRED":
		return true
	}
	return false
}

// CreateOrder implements provider.Service. The response carries only the
// order number, the order is always processing.
func (c *Client) CreateOrder(ctx context.Context, req provider.OrderRequest) (*models.ProviderOrderResponse, error) {
	in := orderRequest{
		TransactionID:   req.OrderID,
		PackageInfoList: []packageInfo{{PackageCode: req.ProviderPackageID, Count: req.Quantity}},
	}
	var out struct {
		OrderNo string `json:"orderNo"`
	}
	if err := c.call(ctx, "/esim/order", in, &out); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.ProviderOrderResponse{
				Status: models.ProviderStateFailed,
				Error:  ae.message,
			}, nil
		}
		return nil, err
	}

	return &models.ProviderOrderResponse{
		Success:         true,
		ProviderOrderID: out.OrderNo,
		Status:          models.ProviderStateProcessing,
	}, nil
}

func (c *Client) query(ctx context.Context, in queryRequest) ([]esim, error) {
	in.Pager = pager{PageNum: 1, PageSize: 20}
	var out struct {
		ESIMList []esim `json:"esimList"`
	}
	if err := c.call(ctx, "/esim/query", in, &out); err != nil {
		return nil, err
	}
	return out.ESIMList, nil
}

// GetOrderStatus implements provider.Service.
func (c *Client) GetOrderStatus(ctx context.Context, providerOrderID string) (*models.ProviderOrderStatus, error) {
	st := &models.ProviderOrderStatus{ProviderOrderID: providerOrderID}

	list, err := c.query(ctx, queryRequest{OrderNo: providerOrderID})
	if err != nil {
		var ae *apiError
		switch {
		case errors.As(err, &ae) && ae.code == codeAllocating:
			st.Status = models.ProviderStateProcessing
			return st, nil
		case errors.As(err, &ae):
			st.Status = models.ProviderStateFailed
			st.Error = ae.message
			return st, nil
		}
		return nil, err
	}

	for _, e := range list {
		if e.failed() {
			st.Status = models.ProviderStateFailed
			st.Error = "esim " + strings.ToLower(e.ESIMStatus)
			return st, nil
		}
		if e.ICCID != "" && e.AC != "" {
			st.Status = models.ProviderStateCompleted
			st.Allocation = e.allocation()
			return st, nil
		}
	}
	st.Status = models.ProviderStateProcessing
	return st, nil
}

type apiPackage struct {
	PackageCode  string `json:"packageCode"`
	Name         string `json:"name"`
	Price        int64  `json:"price"`
	CurrencyCode string `json:"currencyCode"`
	Volume       int64  `json:"volume"`
	Duration     int    `json:"duration"`
	DurationUnit string `json:"durationUnit"`
	Location     string `json:"location"`
	LocationCode string `json:"locationCode"`
	Type         string `json:"type"`
	DataType     int    `json:"dataType"`
}

func (p apiPackage) packageType() models.PackageType {
	switch {
	case p.LocationCode == "!GL":
		return models.PackageTypeGlobal
	case strings.Contains(p.Location, ","):
		return models.PackageTypeRegional
	default:
		return models.PackageTypeLocal
	}
}

func (p apiPackage) validityDays() int {
	switch strings.ToUpper(p.DurationUnit) {
	case "MONTH":
		return p.Duration * 30
	case "YEAR":
		return p.Duration * 365
	}
	return p.Duration
}

// SyncPackages implements provider.Service.
func (c *Client) SyncPackages(ctx context.Context) ([]models.ProviderPackageData, error) {
	in := map[string]string{"locationCode": "", "type": "BASE"}
	var out struct {
		PackageList []apiPackage `json:"packageList"`
	}
	if err := c.call(ctx, "/package/list", in, &out); err != nil {
		return nil, err
	}

	pkgs := make([]models.ProviderPackageData, 0, len(out.PackageList))
	for _, p := range out.PackageList {
		currency := p.CurrencyCode
		if currency == "" {
			currency = "USD"
		}
		pkgs = append(pkgs, models.ProviderPackageData{
			ProviderPackageID: p.PackageCode,
			Title:             p.Name,
			DataAmountMB:      p.Volume / bytesInMB,
			ValidityDays:      p.validityDays(),
			WholesalePrice:    decimal.New(p.Price, priceExp),
			Currency:          currency,
			Type:              p.packageType(),
			// dataType 2 is a daily plan without a total cap
			Unlimited: p.DataType == 2,
		})
	}
	return pkgs, nil
}

// GetUsage implements provider.Service.
func (c *Client) GetUsage(ctx context.Context, iccid string) (*models.UsageReport, error) {
	list, err := c.query(ctx, queryRequest{ICCID: iccid})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &provider.StatusError{Op: "esimaccess usage", Message: "esim " + iccid + " not found"}
	}

	e := list[0]
	report := &models.UsageReport{
		ICCID:       iccid,
		TotalMB:     e.TotalVolume / bytesInMB,
		RemainingMB: (e.TotalVolume - e.OrderUsage) / bytesInMB,
		Status:      e.ESIMStatus,
	}
	if t, err := time.Parse(time.RFC3339, e.ExpiredTime); err == nil {
		report.ExpiresAt = &t
	}
	return report, nil
}

// TopUp implements provider.Service.
func (c *Client) TopUp(ctx context.Context, req models.TopUpRequest) (*models.TopUpResponse, error) {
	in := map[string]string{
		"iccid":         req.ICCID,
		"packageCode":   req.ProviderPackageID,
		"transactionId": req.Reference,
	}
	var out struct {
		TransactionID string `json:"transactionId"`
		OrderNo       string `json:"orderNo"`
		Price         int64  `json:"price"`
	}
	if err := c.call(ctx, "/esim/topup", in, &out); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.TopUpResponse{Error: ae.message}, nil
		}
		return nil, err
	}

	res := &models.TopUpResponse{Success: true, ProviderOrderID: out.OrderNo}
	if res.ProviderOrderID == "" {
		res.ProviderOrderID = out.TransactionID
	}
	if out.Price > 0 {
		price := decimal.New(out.Price, priceExp)
		res.Price = &price
	}
	return res, nil
}

// Refund implements provider.Service. Refunds are not offered through the API.
func (c *Client) Refund(ctx context.Context, req provider.RefundRequest) (*models.RefundResult, error) {
	return &models.RefundResult{
		Status:  models.RefundStatusNotSupported,
		Message: "esimaccess does not support refunds",
	}, nil
}

// Cancel implements provider.Service. Only an unused profile can be cancelled.
func (c *Client) Cancel(ctx context.Context, req provider.CancelRequest) (*models.CancelResult, error) {
	in := map[string]string{"iccid": req.ICCID}
	if req.ICCID == "" {
		in = map[string]string{"orderNo": req.ProviderOrderID}
	}

	if err := c.call(ctx, "/esim/cancel", in, nil); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return &models.CancelResult{Status: models.CancelStatusRejected, Message: ae.message}, nil
		}
		return nil, err
	}
	return &models.CancelResult{Success: true, Status: models.CancelStatusCancelled}, nil
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
	err := c.call(ctx, "/balance/query", struct{}{}, nil)

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
// HMAC-SHA256 over the raw body.
func (c *Client) ValidateWebhook(payload []byte, signature, secret string) models.WebhookValidation {
	return provider.VerifyHMAC(sha256.New, payload, signature, secret)
}
