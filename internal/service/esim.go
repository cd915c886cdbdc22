package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/models"
	"go.uber.org/zap"
)

// ESIMService serves installed eSIMs of completed orders.
type ESIMService struct {
	orders      OrderRepository
	providers   ProviderRepository
	adapters    AdapterRegistry
	callTimeout time.Duration
}

// NewESIMService creates new ESIMService instance
func NewESIMService(orders OrderRepository, providers ProviderRepository, adapters AdapterRegistry, callTimeout time.Duration) *ESIMService {
	return &ESIMService{
		orders:      orders,
		providers:   providers,
		adapters:    adapters,
		callTimeout: callTimeout,
	}
}

func (es *ESIMService) allocated(ctx context.Context, orderID string) (*models.Order, *models.Provider, error) {
	order, err := es.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != models.OrderStatusCompleted || order.FinalProviderID == nil || order.Allocation.ICCID == "" {
		return nil, nil, fmt.Errorf("%w: order %s has no allocated eSIM", models.ErrDataNotFound, orderID)
	}
	p, err := es.providers.GetProviderByID(ctx, *order.FinalProviderID)
	if err != nil {
		return nil, nil, err
	}
	return order, p, nil
}

// GetUsage returns the data usage of the eSIM allocated to an order.
func (es *ESIMService) GetUsage(ctx context.Context, orderID string) (*models.UsageReport, error) {
	order, p, err := es.allocated(ctx, orderID)
	if err != nil {
		return nil, err
	}
	adapter, err := es.adapters.GetService(*p)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, es.callTimeout)
	defer cancel()
	return adapter.GetUsage(callCtx, order.Allocation.ICCID)
}

// TopUp adds a provider package to the eSIM allocated to an order.
func (es *ESIMService) TopUp(ctx context.Context, orderID, providerPackageID string) (*models.TopUpResponse, error) {
	order, p, err := es.allocated(ctx, orderID)
	if err != nil {
		return nil, err
	}

	caps, err := es.adapters.Capabilities(p.Slug)
	if err != nil {
		return nil, err
	}
	if !caps.TopUps {
		return &models.TopUpResponse{
			Success: false,
			Error:   fmt.Sprintf("provider %s does not support top-ups", p.Slug),
		}, nil
	}

	adapter, err := es.adapters.GetService(*p)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, es.callTimeout)
	defer cancel()
	res, err := adapter.TopUp(callCtx, models.TopUpRequest{
		ICCID:             order.Allocation.ICCID,
		ProviderPackageID: providerPackageID,
		Reference:         uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("top-up requested",
		zap.String("order_id", order.ID),
		zap.String("provider", string(p.Slug)),
		zap.String("package", providerPackageID),
		zap.Bool("success", res.Success))
	return res, nil
}
