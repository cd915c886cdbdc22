package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OrderRepository is interface for interacting with order-related data
type OrderRepository interface {
	// CreateOrder inserts new order
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	// GetOrder returns order with its attempts
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// UpdateOrder applies patch atomically, rejecting invalid transitions
	UpdateOrder(ctx context.Context, id string, patch models.OrderPatch) (*models.Order, error)
	// GetOrderByProviderOrderID returns the order a provider knows by providerOrderID
	GetOrderByProviderOrderID(ctx context.Context, providerID, providerOrderID string) (*models.Order, error)
	// GetOrderByICCID returns the latest order allocated with iccid
	GetOrderByICCID(ctx context.Context, iccid string) (*models.Order, error)
	// GetOrdersByStatus returns orders in any of statuses, oldest first
	GetOrdersByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]models.Order, error)
}

// ProviderRepository is interface for interacting with provider records
type ProviderRepository interface {
	CreateProvider(ctx context.Context, p *models.Provider) (*models.Provider, error)
	ListProviders(ctx context.Context) ([]models.Provider, error)
	GetEnabledProviders(ctx context.Context) ([]models.Provider, error)
	GetProviderByID(ctx context.Context, id string) (*models.Provider, error)
	SetProviderEnabled(ctx context.Context, id string, enabled bool) error
}

// OfferRepository is interface for interacting with provider catalogs
type OfferRepository interface {
	GetPackageOffers(ctx context.Context, packageID string) ([]models.PackageOffer, error)
	SaveOffer(ctx context.Context, offer models.PackageOffer) error
	SaveProviderPackages(ctx context.Context, providerID string, pkgs []models.ProviderPackageData) error
	GetProviderPackages(ctx context.Context, providerID string) ([]models.ProviderPackageData, error)
}

// AdapterRegistry resolves provider records to adapters
type AdapterRegistry interface {
	// Select refuses disabled providers
	Select(p models.Provider) (provider.Service, error)
	GetService(p models.Provider) (provider.Service, error)
	Capabilities(slug models.ProviderSlug) (provider.Capabilities, error)
	ClearProviderCache(id string)
}

// Notifier publishes order and eSIM notifications
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// FulfillmentConfig bounds the outbound calls of one fulfillment.
type FulfillmentConfig struct {
	// CallTimeout bounds every adapter call
	CallTimeout time.Duration
	// PollInterval and PollAttempts bound waiting for an asynchronous
	// allocation, independently of failover
	PollInterval time.Duration
	PollAttempts int
	// ResumeConcurrency bounds how many stranded orders are driven at once
	ResumeConcurrency int
}

// DefaultFulfillmentConfig returns the default bounds.
func DefaultFulfillmentConfig() FulfillmentConfig {
	return FulfillmentConfig{
		CallTimeout:       15 * time.Second,
		PollInterval:      3 * time.Second,
		PollAttempts:      10,
		ResumeConcurrency: 4,
	}
}

// PurchaseRequest is an inbound purchase
type PurchaseRequest struct {
	PackageID   string `json:"package_id" validate:"required,max=255"`
	Quantity    int    `json:"quantity" validate:"required,min=1,max=10"`
	CustomerRef string `json:"customer_ref" validate:"max=255"`
}

// OrderService drives orders from pending to a terminal status, failing over
// across providers in a deterministic order.
type OrderService struct {
	orders    OrderRepository
	providers ProviderRepository
	offers    OfferRepository
	adapters  AdapterRegistry
	notifier  Notifier
	locker    *OrderLocker
	cfg       FulfillmentConfig
	now       func() time.Time

	// orders being driven by this process
	inflight sync.Map
}

// NewOrderService creates new OrderService instance
func NewOrderService(
	orders OrderRepository,
	providers ProviderRepository,
	offers OfferRepository,
	adapters AdapterRegistry,
	notifier Notifier,
	locker *OrderLocker,
	cfg FulfillmentConfig,
) *OrderService {
	if cfg.ResumeConcurrency <= 0 {
		cfg.ResumeConcurrency = 1
	}
	return &OrderService{
		orders:    orders,
		providers: providers,
		offers:    offers,
		adapters:  adapters,
		notifier:  notifier,
		locker:    locker,
		cfg:       cfg,
		now:       time.Now,
	}
}

type candidate struct {
	provider models.Provider
	offer    models.PackageOffer
}

// Purchase creates a pending order and drives it until it is completed,
// failed or waiting on an asynchronous allocation.
func (os *OrderService) Purchase(ctx context.Context, req PurchaseRequest) (*models.Order, error) {
	if req.Quantity <= 0 {
		return nil, models.ErrInvalidQuantity
	}

	offers, err := os.offers.GetPackageOffers(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidPackage, req.PackageID)
	}

	order, err := os.orders.CreateOrder(ctx, &models.Order{
		ID:          uuid.NewString(),
		PackageID:   req.PackageID,
		Quantity:    req.Quantity,
		CustomerRef: req.CustomerRef,
		Status:      models.OrderStatusPending,
		CreatedAt:   os.now(),
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("package_id", order.PackageID),
		zap.Int("quantity", order.Quantity))

	return os.Fulfill(ctx, order.ID)
}

// GetOrder returns order by id
func (os *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return os.orders.GetOrder(ctx, id)
}

// Fulfill drives an order through its candidate providers. It is safe to call
// for an order that was interrupted: providers that already have an attempt
// are skipped and an allocation in flight is polled again.
func (os *OrderService) Fulfill(ctx context.Context, orderID string) (*models.Order, error) {
	if _, busy := os.inflight.LoadOrStore(orderID, struct{}{}); busy {
		return os.orders.GetOrder(ctx, orderID)
	}
	defer os.inflight.Delete(orderID)

	order, err := os.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	order, done, err := os.resume(ctx, order)
	if err != nil || done {
		return order, err
	}

	cands, err := os.candidates(ctx, order)
	if err != nil {
		return nil, err
	}

	for _, c := range cands {
		order, done, err = os.attempt(ctx, order, c)
		if err != nil || done {
			return order, err
		}
	}

	return os.exhausted(ctx, order.ID, len(cands))
}

// resume continues an allocation that was in flight when the order was
// interrupted.
func (os *OrderService) resume(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	if order.Status != models.OrderStatusProcessing || order.CurrentProviderID == nil {
		return order, false, nil
	}
	providerID := *order.CurrentProviderID
	if order.Attempted(providerID) {
		return order, false, nil
	}

	p, err := os.providers.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, false, err
	}
	c := candidate{provider: *p, offer: models.PackageOffer{ProviderPackageID: order.ProviderPackageID}}
	start := os.now()

	logger.Log.Info("resuming allocation",
		zap.String("order_id", order.ID),
		zap.String("provider", string(p.Slug)),
		zap.String("provider_order_id", order.ProviderOrderID))

	if order.ProviderOrderID == "" {
		return os.failAttempt(ctx, order.ID, c, "", "interrupted before the provider acknowledged the order", start)
	}

	adapter, err := os.adapters.GetService(*p)
	if err != nil {
		return os.failAttempt(ctx, order.ID, c, order.ProviderOrderID, err.Error(), start)
	}
	return os.await(ctx, order.ID, adapter, c, order.ProviderOrderID, start)
}

// candidates returns the enabled providers offering the package that have no
// attempt yet, ordered by preference rank, then wholesale price ascending,
// then pricing margin descending, then provider id.
func (os *OrderService) candidates(ctx context.Context, order *models.Order) ([]candidate, error) {
	offers, err := os.offers.GetPackageOffers(ctx, order.PackageID)
	if err != nil {
		return nil, err
	}
	enabled, err := os.providers.GetEnabledProviders(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Provider, len(enabled))
	for _, p := range enabled {
		byID[p.ID] = p
	}

	cands := make([]candidate, 0, len(offers))
	for _, o := range offers {
		p, ok := byID[o.ProviderID]
		if !ok || order.Attempted(p.ID) {
			continue
		}
		cands = append(cands, candidate{provider: p, offer: o})
	}

	sortCandidates(cands)
	return cands, nil
}

func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.provider.PreferenceRank != b.provider.PreferenceRank {
			return a.provider.PreferenceRank < b.provider.PreferenceRank
		}
		if c := a.offer.WholesalePrice.Cmp(b.offer.WholesalePrice); c != 0 {
			return c < 0
		}
		// equal cost: the provider earning the larger margin goes first
		if c := a.provider.PricingMargin.Cmp(b.provider.PricingMargin); c != 0 {
			return c > 0
		}
		return a.provider.ID < b.provider.ID
	})
}

// attempt tries one candidate. done is true when the order needs no further
// candidates: it completed, or something else concluded it meanwhile.
func (os *OrderService) attempt(ctx context.Context, order *models.Order, c candidate) (*models.Order, bool, error) {
	start := os.now()
	slug := string(c.provider.Slug)

	adapter, err := os.adapters.Select(c.provider)
	if err != nil {
		logger.Log.Error("provider adapter unavailable",
			zap.String("order_id", order.ID),
			zap.String("provider", slug),
			zap.Error(err))
		return os.failAttempt(ctx, order.ID, c, "", err.Error(), start)
	}

	// assign the order to the candidate before calling it so that a
	// callback racing with the response finds it. The previous candidate's
	// reference is dropped with the assignment.
	processing := models.OrderStatusProcessing
	noRef := ""
	order, done, err := os.update(ctx, order.ID, models.OrderPatch{
		Status:             &processing,
		OriginalProviderID: &c.provider.ID,
		CurrentProviderID:  &c.provider.ID,
		ProviderPackageID:  &c.offer.ProviderPackageID,
		ProviderOrderID:    &noRef,
	})
	if err != nil || done {
		return order, done, err
	}

	callCtx, cancel := context.WithTimeout(ctx, os.cfg.CallTimeout)
	resp, err := adapter.CreateOrder(callCtx, provider.OrderRequest{
		OrderID:           order.ID,
		ProviderPackageID: c.offer.ProviderPackageID,
		Quantity:          order.Quantity,
		Description:       order.PackageID,
	})
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return order, true, ctx.Err()
		}
		return os.failAttempt(ctx, order.ID, c, "", provider.ErrorText(err), start)
	}
	if !resp.Success || resp.Status == models.ProviderStateFailed {
		msg := resp.Error
		if msg == "" {
			msg = "provider rejected the order"
		}
		return os.failAttempt(ctx, order.ID, c, resp.ProviderOrderID, msg, start)
	}

	if resp.Status == models.ProviderStateCompleted && !resp.Allocation.IsZero() {
		return os.complete(ctx, order.ID, c, resp.ProviderOrderID, resp.Allocation, start)
	}

	// allocation is asynchronous, remember the reference for callbacks
	order, done, err = os.update(ctx, order.ID, models.OrderPatch{ProviderOrderID: &resp.ProviderOrderID})
	if err != nil || done {
		return order, done, err
	}
	logger.Log.Info("allocation pending",
		zap.String("order_id", order.ID),
		zap.String("provider", slug),
		zap.String("provider_order_id", resp.ProviderOrderID))

	return os.await(ctx, order.ID, adapter, c, resp.ProviderOrderID, start)
}

// await polls an asynchronous allocation within the polling budget.
func (os *OrderService) await(ctx context.Context, orderID string, adapter provider.Service, c candidate, ref string, start time.Time) (*models.Order, bool, error) {
	if ref == "" {
		return os.failAttempt(ctx, orderID, c, "", "provider returned no order reference", start)
	}

	timer := time.NewTimer(os.cfg.PollInterval)
	defer timer.Stop()

	lastErr := "allocation not completed"
	for i := 0; i < os.cfg.PollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, true, ctx.Err()
		case <-timer.C:
		}

		// a callback may have concluded the order meanwhile
		order, err := os.orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, true, err
		}
		if order.Status != models.OrderStatusProcessing || order.CurrentProviderID == nil || *order.CurrentProviderID != c.provider.ID {
			return order, order.Status.IsTerminal(), nil
		}

		callCtx, cancel := context.WithTimeout(ctx, os.cfg.CallTimeout)
		st, err := adapter.GetOrderStatus(callCtx, ref)
		cancel()

		switch {
		case err != nil && ctx.Err() != nil:
			return order, true, ctx.Err()
		case err != nil:
			lastErr = provider.ErrorText(err)
			logger.Log.Warn("allocation status poll failed",
				zap.String("order_id", orderID),
				zap.String("provider", string(c.provider.Slug)),
				zap.Int("poll", i+1),
				zap.Error(err))
			if !provider.IsTransient(err) {
				return os.failAttempt(ctx, orderID, c, ref, lastErr, start)
			}
		case st.Status == models.ProviderStateCompleted && !st.Allocation.IsZero():
			return os.complete(ctx, orderID, c, ref, st.Allocation, start)
		case st.Status == models.ProviderStateFailed:
			msg := st.Error
			if msg == "" {
				msg = "allocation failed"
			}
			return os.failAttempt(ctx, orderID, c, ref, msg, start)
		}

		timer.Reset(os.cfg.PollInterval)
	}

	return os.failAttempt(ctx, orderID, c, ref,
		fmt.Sprintf("%s after %d polls", lastErr, os.cfg.PollAttempts), start)
}

// complete records the successful attempt and the allocation.
func (os *OrderService) complete(ctx context.Context, orderID string, c candidate, ref string, alloc models.Allocation, start time.Time) (*models.Order, bool, error) {
	now := os.now()
	completed := models.OrderStatusCompleted

	order, done, err := os.update(ctx, orderID, models.OrderPatch{
		Status:            &completed,
		Allocation:        &alloc,
		ProviderOrderID:   &ref,
		CurrentProviderID: &c.provider.ID,
		FinalProviderID:   &c.provider.ID,
		CompletedAt:       &now,
		AppendAttempts: []models.FailoverAttempt{{
			ProviderID:      c.provider.ID,
			ProviderSlug:    c.provider.Slug,
			ProviderOrderID: ref,
			Success:         true,
			Margin:          c.provider.PricingMargin,
			Source:          models.AttemptSourceOrchestrator,
			Duration:        now.Sub(start),
			AttemptedAt:     start,
		}},
	})
	if err != nil || done {
		return order, true, err
	}

	logger.Log.Info("order completed",
		zap.String("order_id", orderID),
		zap.String("provider", string(c.provider.Slug)),
		zap.String("iccid", alloc.ICCID),
		zap.Duration("duration", now.Sub(start)))

	os.notify(ctx, models.Notification{
		Kind:       models.NotificationOrderCompleted,
		OrderID:    orderID,
		ProviderID: c.provider.ID,
		Status:     completed,
		ICCID:      alloc.ICCID,
	})
	return order, true, nil
}

// failAttempt appends a failed attempt. done is true only when the order was
// concluded by someone else meanwhile.
func (os *OrderService) failAttempt(ctx context.Context, orderID string, c candidate, ref, errText string, start time.Time) (*models.Order, bool, error) {
	now := os.now()

	logger.Log.Warn("provider attempt failed",
		zap.String("order_id", orderID),
		zap.String("provider", string(c.provider.Slug)),
		zap.String("error", errText))

	return os.update(ctx, orderID, models.OrderPatch{
		AppendAttempts: []models.FailoverAttempt{{
			ProviderID:      c.provider.ID,
			ProviderSlug:    c.provider.Slug,
			ProviderOrderID: ref,
			Success:         false,
			Margin:          c.provider.PricingMargin,
			Error:           errText,
			Source:          models.AttemptSourceOrchestrator,
			Duration:        now.Sub(start),
			AttemptedAt:     start,
		}},
	})
}

func (os *OrderService) exhausted(ctx context.Context, orderID string, tried int) (*models.Order, error) {
	failed := models.OrderStatusFailed
	order, done, err := os.update(ctx, orderID, models.OrderPatch{Status: &failed})
	if err != nil || done {
		return order, err
	}

	logger.Log.Error("order failed, every provider exhausted",
		zap.String("order_id", orderID),
		zap.Int("candidates", tried),
		zap.Int("attempts", len(order.Attempts)))

	os.notify(ctx, models.Notification{
		Kind:    models.NotificationOrderFailed,
		OrderID: orderID,
		Status:  failed,
	})
	return order, nil
}

// update applies patch under the order lock unless the order is already
// terminal, in which case the stored order is returned with done set.
func (os *OrderService) update(ctx context.Context, orderID string, patch models.OrderPatch) (*models.Order, bool, error) {
	unlock := os.locker.Lock(orderID)
	defer unlock()

	cur, err := os.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, true, err
	}
	if cur.Status.IsTerminal() {
		return cur, true, nil
	}

	order, err := os.orders.UpdateOrder(ctx, orderID, patch)
	if err != nil {
		return nil, true, err
	}
	return order, false, nil
}

func (os *OrderService) notify(ctx context.Context, n models.Notification) {
	if os.notifier == nil {
		return
	}
	n.Timestamp = os.now()
	if err := os.notifier.Notify(ctx, n); err != nil {
		logger.Log.Warn("notification failed",
			zap.String("kind", n.Kind),
			zap.String("order_id", n.OrderID),
			zap.Error(err))
	}
}

// ResumeStranded drives every pending or processing order, e.g. after a
// restart. It returns the number of orders it picked up.
func (os *OrderService) ResumeStranded(ctx context.Context) (int, error) {
	orders, err := os.orders.GetOrdersByStatus(ctx, models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(os.cfg.ResumeConcurrency)

	for _, o := range orders {
		id := o.ID
		g.Go(func() error {
			if _, err := os.Fulfill(gctx, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.Log.Error("resume order", zap.String("order_id", id), zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return len(orders), err
	}
	return len(orders), nil
}
