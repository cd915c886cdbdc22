package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/rookgm/esimhub/internal/service"
)

type RefundService interface {
	Refund(ctx context.Context, orderID, reason string) (*models.RefundResult, error)
	Cancel(ctx context.Context, orderID, reason string) (*models.CancelResult, error)
}

type ESIMService interface {
	GetUsage(ctx context.Context, orderID string) (*models.UsageReport, error)
	TopUp(ctx context.Context, orderID, providerPackageID string) (*models.TopUpResponse, error)
}

type ProviderService interface {
	ListProviders(ctx context.Context) ([]models.Provider, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	RotateCredentials(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) ([]service.ProviderHealth, error)
}

// AdminHandler represents HTTP handler for operator requests
type AdminHandler struct {
	orders    OrderService
	refunds   RefundService
	esims     ESIMService
	providers ProviderService
}

// NewAdminHandler creates new AdminHandler instance
func NewAdminHandler(orders OrderService, refunds RefundService, esims ESIMService, providers ProviderService) *AdminHandler {
	return &AdminHandler{
		orders:    orders,
		refunds:   refunds,
		esims:     esims,
		providers: providers,
	}
}

type attemptResponse struct {
	ProviderID      string `json:"provider_id"`
	ProviderSlug    string `json:"provider_slug"`
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	Success         bool   `json:"success"`
	Margin          string `json:"margin"`
	Error           string `json:"error,omitempty"`
	Source          string `json:"source"`
	DurationMS      int64  `json:"duration_ms"`
	AttemptedAt     string `json:"attempted_at"`
}

type adminOrderResponse struct {
	orderResponse
	ProviderPackageID  string            `json:"provider_package_id,omitempty"`
	ProviderOrderID    string            `json:"provider_order_id,omitempty"`
	OriginalProviderID *string           `json:"original_provider_id"`
	CurrentProviderID  *string           `json:"current_provider_id"`
	FinalProviderID    *string           `json:"final_provider_id"`
	Attempts           []attemptResponse `json:"attempts"`
}

func newAdminOrderResponse(o *models.Order) adminOrderResponse {
	resp := adminOrderResponse{
		orderResponse:      newOrderResponse(o),
		ProviderPackageID:  o.ProviderPackageID,
		ProviderOrderID:    o.ProviderOrderID,
		OriginalProviderID: o.OriginalProviderID,
		CurrentProviderID:  o.CurrentProviderID,
		FinalProviderID:    o.FinalProviderID,
		Attempts:           make([]attemptResponse, 0, len(o.Attempts)),
	}
	for _, a := range o.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ProviderID:      a.ProviderID,
			ProviderSlug:    string(a.ProviderSlug),
			ProviderOrderID: a.ProviderOrderID,
			Success:         a.Success,
			Margin:          a.Margin.String(),
			Error:           a.Error,
			Source:          string(a.Source),
			DurationMS:      a.Duration.Milliseconds(),
			AttemptedAt:     a.AttemptedAt.Format(time.RFC3339),
		})
	}
	return resp
}

// GetOrder returns an order with its attempt history
func (ah *AdminHandler) GetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := ah.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newAdminOrderResponse(order))
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func decodeReason(r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	return req.Reason, nil
}

// RefundOrder requests a provider refund
// 200 — provider answered, see status;
// 400 — bad request;
// 404 — no such order;
// 409 — order cannot be refunded in its status.
func (ah *AdminHandler) RefundOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		reason, err := decodeReason(r)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		res, err := ah.refunds.Refund(r.Context(), chi.URLParam(r, "id"), reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CancelOrder requests a provider cancellation
func (ah *AdminHandler) CancelOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		reason, err := decodeReason(r)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		res, err := ah.refunds.Cancel(r.Context(), chi.URLParam(r, "id"), reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GetUsage returns data usage of the eSIM of an order
func (ah *AdminHandler) GetUsage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := ah.esims.GetUsage(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, usage)
	}
}

type topUpRequest struct {
	ProviderPackageID string `json:"provider_package_id"`
}

// TopUp adds a provider package to the eSIM of an order
func (ah *AdminHandler) TopUp() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req topUpRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil || req.ProviderPackageID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		res, err := ah.esims.TopUp(r.Context(), chi.URLParam(r, "id"), req.ProviderPackageID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type providerResponse struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	PricingMargin  string `json:"pricing_margin"`
	PreferenceRank int    `json:"preference_rank"`
	SecretRef      string `json:"secret_ref,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
}

// ListProviders returns provider records without their secrets
func (ah *AdminHandler) ListProviders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := ah.providers.ListProviders(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := make([]providerResponse, 0, len(providers))
		for _, p := range providers {
			resp = append(resp, providerResponse{
				ID:             p.ID,
				Slug:           string(p.Slug),
				Name:           p.Name,
				Enabled:        p.Enabled,
				PricingMargin:  p.PricingMargin.String(),
				PreferenceRank: p.PreferenceRank,
				SecretRef:      p.SecretRef,
				BaseURL:        p.BaseURL,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// SetProviderEnabled enables or disables a provider
func (ah *AdminHandler) SetProviderEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ah.providers.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RotateCredentials reloads the credentials of a provider
func (ah *AdminHandler) RotateCredentials() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ah.providers.RotateCredentials(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ProvidersHealth checks every enabled provider
func (ah *AdminHandler) ProvidersHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health, err := ah.providers.HealthCheck(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}

		status := http.StatusOK
		for _, h := range health {
			if !h.Healthy {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, health)
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrDataNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNoProvider), errors.Is(err, models.ErrOrderBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case provider.IsConfigError(err):
		http.Error(w, err.Error(), http.StatusFailedDependency)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
