package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"go.uber.org/zap"
)

// RefundService asks the provider that fulfilled an order to refund or cancel
// it. It owns only the provider-side outcome; reversing the payment is left to
// the caller, signalled by PaymentReversalPending.
type RefundService struct {
	orders      OrderRepository
	providers   ProviderRepository
	adapters    AdapterRegistry
	notifier    Notifier
	locker      *OrderLocker
	callTimeout time.Duration
	now         func() time.Time

	// inflight holds the ids of orders with a refund or cancellation running
	inflight sync.Map
}

// NewRefundService creates new RefundService instance
func NewRefundService(
	orders OrderRepository,
	providers ProviderRepository,
	adapters AdapterRegistry,
	notifier Notifier,
	locker *OrderLocker,
	callTimeout time.Duration,
) *RefundService {
	return &RefundService{
		orders:      orders,
		providers:   providers,
		adapters:    adapters,
		notifier:    notifier,
		locker:      locker,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// claim admits one refund or cancellation of an order at a time. The returned
// function releases the order.
func (rs *RefundService) claim(orderID string) (func(), error) {
	if _, busy := rs.inflight.LoadOrStore(orderID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: order %s", models.ErrOrderBusy, orderID)
	}
	return func() { rs.inflight.Delete(orderID) }, nil
}

// resolve returns the order and the provider holding it.
func (rs *RefundService) resolve(ctx context.Context, orderID string) (*models.Order, *models.Provider, error) {
	order, err := rs.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	providerID := order.ResolvedProviderID()
	if providerID == "" {
		return order, nil, models.ErrNoProvider
	}
	p, err := rs.providers.GetProviderByID(ctx, providerID)
	if err != nil {
		return order, nil, err
	}
	return order, p, nil
}

// Refund requests a refund of a completed order. Providers without refund
// support are answered with not_supported before any call is made.
func (rs *RefundService) Refund(ctx context.Context, orderID, reason string) (*models.RefundResult, error) {
	release, err := rs.claim(orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, p, err := rs.resolve(ctx, orderID)
	if err != nil {
		return nil, err
	}

	caps, err := rs.adapters.Capabilities(p.Slug)
	if err != nil {
		return nil, err
	}
	if !caps.Refunds {
		return &models.RefundResult{
			Success:    false,
			Status:     models.RefundStatusNotSupported,
			Message:    fmt.Sprintf("provider %s does not support refunds", p.Slug),
			ProviderID: p.ID,
		}, nil
	}

	if order.Status != models.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: cannot refund %s order", models.ErrInvalidTransition, order.Status)
	}

	adapter, err := rs.adapters.GetService(*p)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	res, err := adapter.Refund(callCtx, provider.RefundRequest{
		OrderID:         order.ID,
		ProviderOrderID: order.ProviderOrderID,
		ICCID:           order.Allocation.ICCID,
		Reason:          reason,
	})
	cancel()
	if err != nil {
		logger.Log.Warn("refund call failed",
			zap.String("order_id", order.ID),
			zap.String("provider", string(p.Slug)),
			zap.Error(err))
		return &models.RefundResult{
			Success:    false,
			Status:     models.RefundStatusFailed,
			Message:    provider.ErrorText(err),
			ProviderID: p.ID,
		}, nil
	}

	res.ProviderID = p.ID
	res.PaymentReversalPending = res.Success

	logger.Log.Info("refund requested",
		zap.String("order_id", order.ID),
		zap.String("provider", string(p.Slug)),
		zap.String("status", string(res.Status)),
		zap.Bool("success", res.Success))

	if res.Success && res.Status == models.RefundStatusApproved {
		if err := rs.conclude(ctx, order.ID, models.OrderStatusRefunded, models.NotificationOrderRefunded, p.ID); err != nil {
			// concluded elsewhere, the payment is reversed by whoever did it
			if errors.Is(err, models.ErrInvalidTransition) {
				res.PaymentReversalPending = false
			}
			return res, err
		}
	}
	return res, nil
}

// Cancel requests cancellation of a processing or completed order.
func (rs *RefundService) Cancel(ctx context.Context, orderID, reason string) (*models.CancelResult, error) {
	release, err := rs.claim(orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, p, err := rs.resolve(ctx, orderID)
	if err != nil {
		return nil, err
	}

	caps, err := rs.adapters.Capabilities(p.Slug)
	if err != nil {
		return nil, err
	}
	if !caps.Cancellation {
		return &models.CancelResult{
			Success:    false,
			Status:     models.CancelStatusNotSupported,
			Message:    fmt.Sprintf("provider %s does not support cancellation", p.Slug),
			ProviderID: p.ID,
		}, nil
	}

	if !order.Status.CanTransition(models.OrderStatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel %s order", models.ErrInvalidTransition, order.Status)
	}

	adapter, err := rs.adapters.GetService(*p)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, rs.callTimeout)
	res, err := adapter.Cancel(callCtx, provider.CancelRequest{
		OrderID:         order.ID,
		ProviderOrderID: order.ProviderOrderID,
		ICCID:           order.Allocation.ICCID,
		Reason:          reason,
	})
	cancel()
	if err != nil {
		logger.Log.Warn("cancel call failed",
			zap.String("order_id", order.ID),
			zap.String("provider", string(p.Slug)),
			zap.Error(err))
		return &models.CancelResult{
			Success:    false,
			Status:     models.CancelStatusFailed,
			Message:    provider.ErrorText(err),
			ProviderID: p.ID,
		}, nil
	}

	res.ProviderID = p.ID
	res.PaymentReversalPending = res.Success

	logger.Log.Info("cancel requested",
		zap.String("order_id", order.ID),
		zap.String("provider", string(p.Slug)),
		zap.String("status", string(res.Status)),
		zap.Bool("success", res.Success))

	if res.Success {
		if err := rs.conclude(ctx, order.ID, models.OrderStatusCancelled, models.NotificationOrderCancelled, p.ID); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				res.PaymentReversalPending = false
			}
			return res, err
		}
	}
	return res, nil
}

func (rs *RefundService) conclude(ctx context.Context, orderID string, status models.OrderStatus, kind, providerID string) error {
	unlock := rs.locker.Lock(orderID)
	defer unlock()

	order, err := rs.orders.UpdateOrder(ctx, orderID, models.OrderPatch{Status: &status})
	if err != nil {
		return err
	}

	if rs.notifier != nil {
		n := models.Notification{
			Kind:       kind,
			OrderID:    order.ID,
			ProviderID: providerID,
			Status:     order.Status,
			ICCID:      order.Allocation.ICCID,
			Timestamp:  rs.now(),
		}
		if err := rs.notifier.Notify(ctx, n); err != nil {
			logger.Log.Warn("notification failed", zap.String("kind", kind), zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return nil
}
