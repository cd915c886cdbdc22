package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/service"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks . OrderService,WebhookService,RefundService,ESIMService,ProviderService

type OrderService interface {
	// Purchase creates an order and drives it as far as it gets synchronously
	Purchase(ctx context.Context, req service.PurchaseRequest) (*models.Order, error)
	// GetOrder returns order with attempts
	GetOrder(ctx context.Context, id string) (*models.Order, error)
}

// OrderHandler represents HTTP handler for storefront order requests
type OrderHandler struct {
	svc      OrderService
	validate *validator.Validate
}

// NewOrderHandler creates new OrderHandler instance
func NewOrderHandler(svc OrderService) *OrderHandler {
	return &OrderHandler{svc: svc, validate: validator.New()}
}

// orderResponse is the customer view of an order, attempts are never shown
type orderResponse struct {
	ID             string             `json:"id"`
	PackageID      string             `json:"package_id"`
	Quantity       int                `json:"quantity"`
	CustomerRef    string             `json:"customer_ref,omitempty"`
	Status         models.OrderStatus `json:"status"`
	ICCID          string             `json:"iccid,omitempty"`
	ActivationCode string             `json:"activation_code,omitempty"`
	QRCode         string             `json:"qr_code,omitempty"`
	SMDPAddress    string             `json:"smdp_address,omitempty"`
	CreatedAt      string             `json:"created_at"`
	CompletedAt    string             `json:"completed_at,omitempty"`
}

func newOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		PackageID:      o.PackageID,
		Quantity:       o.Quantity,
		CustomerRef:    o.CustomerRef,
		Status:         o.Status,
		ICCID:          o.Allocation.ICCID,
		ActivationCode: o.Allocation.ActivationCode,
		QRCode:         o.Allocation.QRCode,
		SMDPAddress:    o.Allocation.SMDPAddress,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	if o.CompletedAt != nil {
		resp.CompletedAt = o.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

// PurchaseOrder purchases a package
// 201 — eSIM allocated;
// 202 — order accepted, allocation in progress;
// 400 — invalid request;
// 422 — no provider could fulfill the order;
// 500 — internal server error.
func (oh *OrderHandler) PurchaseOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.PurchaseRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if err := oh.validate.Struct(req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		order, err := oh.svc.Purchase(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrInvalidQuantity), errors.Is(err, models.ErrInvalidPackage):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		status := http.StatusAccepted
		switch order.Status {
		case models.OrderStatusCompleted:
			status = http.StatusCreated
		case models.OrderStatusFailed:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, newOrderResponse(order))
	}
}

// GetOrder returns the customer view of an order
// 200 — order found;
// 404 — no such order;
// 500 — internal server error.
func (oh *OrderHandler) GetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := oh.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, models.ErrDataNotFound) {
				http.Error(w, "order not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResponse(order))
	}
}
