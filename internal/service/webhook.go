package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// WebhookEventRepository stores the identity of applied webhook events
type WebhookEventRepository interface {
	// SaveWebhookEvent returns false when the event was recorded before
	SaveWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	// DeleteWebhookEvent forgets an event so that a redelivery is applied
	DeleteWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
}

// DefaultWebhookQueueSize is the capacity of the webhook queue.
const DefaultWebhookQueueSize = 1024

// WebhookService validates provider callbacks, queues them and applies them
// to orders one at a time.
type WebhookService struct {
	providers   ProviderRepository
	orders      OrderRepository
	events      WebhookEventRepository
	adapters    AdapterRegistry
	notifier    Notifier
	locker      *OrderLocker
	callTimeout time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	queue   chan *models.WebhookEvent
	closing *atomic.Bool
}

// NewWebhookService creates new WebhookService instance
func NewWebhookService(
	providers ProviderRepository,
	orders OrderRepository,
	events WebhookEventRepository,
	adapters AdapterRegistry,
	notifier Notifier,
	locker *OrderLocker,
	queueSize int,
	callTimeout time.Duration,
) *WebhookService {
	if queueSize <= 0 {
		queueSize = DefaultWebhookQueueSize
	}
	return &WebhookService{
		providers:   providers,
		orders:      orders,
		events:      events,
		adapters:    adapters,
		notifier:    notifier,
		locker:      locker,
		callTimeout: callTimeout,
		now:         time.Now,
		queue:       make(chan *models.WebhookEvent, queueSize),
		closing:     atomic.NewBool(false),
	}
}

// Ingest validates the signature of a callback, normalizes it and queues it.
// It returns as soon as the event is queued.
func (ws *WebhookService) Ingest(ctx context.Context, providerID string, payload []byte, header http.Header) (*models.WebhookEvent, error) {
	p, err := ws.providers.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	adapter, err := ws.adapters.GetService(*p)
	if err != nil {
		return nil, err
	}

	v := adapter.ValidateWebhook(payload, header.Get(adapter.SignatureHeader()), p.WebhookSecret)
	if !v.IsValid {
		logger.Log.Warn("webhook rejected",
			zap.String("provider_id", p.ID),
			zap.String("provider", string(p.Slug)),
			zap.String("reason", v.Reason))
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidSignature, v.Reason)
	}

	ev, err := adapter.ParseWebhook(payload)
	if err != nil {
		return nil, err
	}
	ev.ProviderID = p.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ws.now()
	}
	ev.Key = provider.EventKey(p.ID, ev)

	if err := ws.enqueue(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (ws *WebhookService) enqueue(ev *models.WebhookEvent) error {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if ws.closing.Load() {
		return models.ErrQueueClosed
	}

	select {
	case ws.queue <- ev:
		return nil
	default:
		return models.ErrQueueFull
	}
}

// Run applies queued events until the queue is closed and drained or ctx is
// done.
func (ws *WebhookService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ws.queue:
			if !ok {
				return
			}
			if _, err := ws.Apply(ctx, ev); err != nil {
				logger.Log.Error("apply webhook",
					zap.String("provider_id", ev.ProviderID),
					zap.String("type", string(ev.Type)),
					zap.String("provider_order_id", ev.ProviderOrderID),
					zap.Error(err))
			}
		}
	}
}

// Close stops accepting events. Events already queued are still delivered
// to Run.
func (ws *WebhookService) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closing.CompareAndSwap(false, true) {
		close(ws.queue)
	}
}

// Apply applies one normalized event. It reports whether the event changed an
// order or fired a notification; replays and events that find nothing to do
// report false. An event that fails to apply is forgotten, so a redelivery is
// applied again.
func (ws *WebhookService) Apply(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	if ev.Key == "" {
		ev.Key = provider.EventKey(ev.ProviderID, ev)
	}

	fresh, err := ws.events.SaveWebhookEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if !fresh {
		logger.Log.Debug("webhook replay ignored",
			zap.String("provider_id", ev.ProviderID),
			zap.String("key", ev.Key))
		return false, nil
	}

	changed, err := ws.apply(ctx, ev)
	if err != nil {
		if derr := ws.events.DeleteWebhookEvent(ctx, ev); derr != nil {
			logger.Log.Error("forget webhook event",
				zap.String("provider_id", ev.ProviderID),
				zap.String("key", ev.Key),
				zap.Error(derr))
		}
		return false, err
	}
	return changed, nil
}

func (ws *WebhookService) apply(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	order, err := ws.findOrder(ctx, ev)
	if errors.Is(err, models.ErrDataNotFound) {
		logger.Log.Info("webhook matches no order",
			zap.String("provider_id", ev.ProviderID),
			zap.String("type", string(ev.Type)),
			zap.String("provider_order_id", ev.ProviderOrderID),
			zap.String("iccid", ev.ICCID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch ev.Type {
	case models.WebhookEventOrderStatus:
		return ws.applyOrderStatus(ctx, order, ev)
	case models.WebhookEventLowData:
		ws.notify(ctx, order, ev, models.NotificationLowData)
		return true, nil
	case models.WebhookEventExpiring:
		ws.notify(ctx, order, ev, models.NotificationExpiring)
		return true, nil
	default:
		logger.Log.Debug("webhook ignored",
			zap.String("order_id", order.ID),
			zap.String("type", string(ev.Type)))
		return false, nil
	}
}

func (ws *WebhookService) findOrder(ctx context.Context, ev *models.WebhookEvent) (*models.Order, error) {
	if ev.ProviderOrderID != "" {
		order, err := ws.orders.GetOrderByProviderOrderID(ctx, ev.ProviderID, ev.ProviderOrderID)
		if err == nil || !errors.Is(err, models.ErrDataNotFound) || ev.ICCID == "" {
			return order, err
		}
	}
	if ev.ICCID != "" {
		return ws.orders.GetOrderByICCID(ctx, ev.ICCID)
	}
	return nil, models.ErrDataNotFound
}

// applyOrderStatus concludes an asynchronous allocation the order is still
// waiting on. Terminal orders and orders assigned to another provider are
// left alone.
func (ws *WebhookService) applyOrderStatus(ctx context.Context, order *models.Order, ev *models.WebhookEvent) (bool, error) {
	if !awaiting(order, ev.ProviderID) {
		logger.Log.Info("late webhook ignored",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.String("event_status", string(ev.Status)))
		return false, nil
	}

	switch ev.Status {
	case models.ProviderStateCompleted:
	case models.ProviderStateFailed:
		// failover stays with the orchestrator polling this allocation
		logger.Log.Warn("provider reported allocation failure",
			zap.String("order_id", order.ID),
			zap.String("provider_id", ev.ProviderID),
			zap.String("provider_order_id", ev.ProviderOrderID))
		return false, nil
	default:
		return false, nil
	}

	ref := ev.ProviderOrderID
	if ref == "" {
		ref = order.ProviderOrderID
	}

	alloc := ev.Allocation
	if alloc.IsZero() {
		fetched, err := ws.fetchAllocation(ctx, ev.ProviderID, ref)
		if err != nil {
			return false, err
		}
		alloc = fetched
	}
	if alloc.IsZero() {
		logger.Log.Warn("completion webhook without allocation",
			zap.String("order_id", order.ID),
			zap.String("provider_order_id", ref))
		return false, nil
	}

	p, err := ws.providers.GetProviderByID(ctx, ev.ProviderID)
	if err != nil {
		return false, err
	}

	unlock := ws.locker.Lock(order.ID)
	defer unlock()

	// re-check under the lock, the orchestrator may have concluded meanwhile
	cur, err := ws.orders.GetOrder(ctx, order.ID)
	if err != nil {
		return false, err
	}
	if !awaiting(cur, ev.ProviderID) {
		return false, nil
	}

	now := ws.now()
	completed := models.OrderStatusCompleted
	var duration time.Duration
	if cur.UpdatedAt.Before(now) {
		duration = now.Sub(cur.UpdatedAt)
	}

	updated, err := ws.orders.UpdateOrder(ctx, cur.ID, models.OrderPatch{
		Status:          &completed,
		Allocation:      &alloc,
		ProviderOrderID: &ref,
		FinalProviderID: &p.ID,
		CompletedAt:     &now,
		AppendAttempts: []models.FailoverAttempt{{
			ProviderID:      p.ID,
			ProviderSlug:    p.Slug,
			ProviderOrderID: ref,
			Success:         true,
			Margin:          p.PricingMargin,
			Source:          models.AttemptSourceWebhook,
			Duration:        duration,
			AttemptedAt:     now,
		}},
	})
	if err != nil {
		return false, err
	}

	logger.Log.Info("order completed by webhook",
		zap.String("order_id", updated.ID),
		zap.String("provider", string(p.Slug)),
		zap.String("iccid", alloc.ICCID))

	ws.notify(ctx, updated, ev, models.NotificationOrderCompleted)
	return true, nil
}

func (ws *WebhookService) fetchAllocation(ctx context.Context, providerID, ref string) (models.Allocation, error) {
	if ref == "" {
		return models.Allocation{}, nil
	}
	p, err := ws.providers.GetProviderByID(ctx, providerID)
	if err != nil {
		return models.Allocation{}, err
	}
	adapter, err := ws.adapters.GetService(*p)
	if err != nil {
		return models.Allocation{}, err
	}

	callCtx := ctx
	if ws.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ws.callTimeout)
		defer cancel()
	}

	st, err := adapter.GetOrderStatus(callCtx, ref)
	if err != nil {
		return models.Allocation{}, err
	}
	if st.Status != models.ProviderStateCompleted {
		return models.Allocation{}, nil
	}
	return st.Allocation, nil
}

func awaiting(o *models.Order, providerID string) bool {
	return o.Status == models.OrderStatusProcessing &&
		o.CurrentProviderID != nil &&
		*o.CurrentProviderID == providerID
}

func (ws *WebhookService) notify(ctx context.Context, order *models.Order, ev *models.WebhookEvent, kind string) {
	if ws.notifier == nil {
		return
	}
	iccid := ev.ICCID
	if iccid == "" {
		iccid = order.Allocation.ICCID
	}
	n := models.Notification{
		Kind:       kind,
		OrderID:    order.ID,
		ProviderID: ev.ProviderID,
		Status:     order.Status,
		ICCID:      iccid,
		Data:       ev.Data,
		Timestamp:  ws.now(),
	}
	if err := ws.notifier.Notify(ctx, n); err != nil {
		logger.Log.Warn("notification failed",
			zap.String("kind", kind),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}
