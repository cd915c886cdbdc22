package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/rookgm/esimhub/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const fakeSignatureHeader = "X-Fake-Signature"

// fakeAdapter is a provider.Service whose behavior is set per test. It counts
// every call so tests can assert which operations reached the "network".
type fakeAdapter struct {
	slug models.ProviderSlug

	createFn func(ctx context.Context, req provider.OrderRequest) (*models.ProviderOrderResponse, error)
	statusFn func(ctx context.Context, ref string) (*models.ProviderOrderStatus, error)
	refundFn func(ctx context.Context, req provider.RefundRequest) (*models.RefundResult, error)
	cancelFn func(ctx context.Context, req provider.CancelRequest) (*models.CancelResult, error)
	healthFn func(ctx context.Context) models.HealthStatus

	mu    sync.Mutex
	calls map[string]int
}

func newFakeAdapter(slug models.ProviderSlug) *fakeAdapter {
	return &fakeAdapter{slug: slug, calls: make(map[string]int)}
}

func (f *fakeAdapter) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeAdapter) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAdapter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAdapter) Slug() models.ProviderSlug { return f.slug }

func (f *fakeAdapter) SyncPackages(ctx context.Context) ([]models.ProviderPackageData, error) {
	f.record("sync")
	return []models.ProviderPackageData{
		{ProviderPackageID: "pkg-5gb", WholesalePrice: decimal.RequireFromString("10.00"), Currency: "USD"},
		{ProviderPackageID: "pkg-1gb", WholesalePrice: decimal.RequireFromString("3.33"), Currency: "USD"},
	}, nil
}

func (f *fakeAdapter) CreateOrder(ctx context.Context, req provider.OrderRequest) (*models.ProviderOrderResponse, error) {
	f.record("create")
	if f.createFn == nil {
		return &models.ProviderOrderResponse{Status: models.ProviderStateFailed, Error: "not configured"}, nil
	}
	return f.createFn(ctx, req)
}

func (f *fakeAdapter) GetOrderStatus(ctx context.Context, ref string) (*models.ProviderOrderStatus, error) {
	f.record("status")
	if f.statusFn == nil {
		return &models.ProviderOrderStatus{ProviderOrderID: ref, Status: models.ProviderStateProcessing}, nil
	}
	return f.statusFn(ctx, ref)
}

func (f *fakeAdapter) GetUsage(ctx context.Context, iccid string) (*models.UsageReport, error) {
	f.record("usage")
	return &models.UsageReport{ICCID: iccid, TotalMB: 5120, RemainingMB: 1024}, nil
}

func (f *fakeAdapter) TopUp(ctx context.Context, req models.TopUpRequest) (*models.TopUpResponse, error) {
	f.record("topup")
	return &models.TopUpResponse{Success: true, ProviderOrderID: "T-" + req.ProviderPackageID}, nil
}

func (f *fakeAdapter) Refund(ctx context.Context, req provider.RefundRequest) (*models.RefundResult, error) {
	f.record("refund")
	if f.refundFn == nil {
		return &models.RefundResult{Success: true, Status: models.RefundStatusApproved}, nil
	}
	return f.refundFn(ctx, req)
}

func (f *fakeAdapter) Cancel(ctx context.Context, req provider.CancelRequest) (*models.CancelResult, error) {
	f.record("cancel")
	if f.cancelFn == nil {
		return &models.CancelResult{Success: true, Status: models.CancelStatusCancelled}, nil
	}
	return f.cancelFn(ctx, req)
}

func (f *fakeAdapter) SupportsRefunds() bool      { return true }
func (f *fakeAdapter) SupportsCancellation() bool { return true }

func (f *fakeAdapter) SignatureHeader() string { return fakeSignatureHeader }

func (f *fakeAdapter) ValidateWebhook(payload []byte, signature, secret string) models.WebhookValidation {
	return provider.VerifyHMAC(sha256.New, payload, signature, secret)
}

// ParseWebhook understands {"type","ref","iccid","status","activation_code"}.
func (f *fakeAdapter) ParseWebhook(payload []byte) (*models.WebhookEvent, error) {
	obj, err := provider.DecodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	ev := &models.WebhookEvent{
		Type:            models.WebhookEventType(provider.String(obj, "type")),
		ProviderOrderID: provider.String(obj, "ref"),
		ICCID:           provider.String(obj, "iccid"),
		Status:          models.ProviderState(provider.String(obj, "status")),
		Data:            obj,
	}
	if code := provider.String(obj, "activation_code"); code != "" {
		ev.Allocation = models.Allocation{ICCID: ev.ICCID, ActivationCode: code}
	}
	if ev.Type == "" {
		ev.Type = models.WebhookEventOther
	}
	return ev, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) models.HealthStatus {
	f.record("health")
	if f.healthFn == nil {
		return models.HealthStatus{Healthy: true, Latency: time.Millisecond}
	}
	return f.healthFn(ctx)
}

// succeedWith allocates iccid synchronously.
func succeedWith(iccid string) func(context.Context, provider.OrderRequest) (*models.ProviderOrderResponse, error) {
	return func(_ context.Context, req provider.OrderRequest) (*models.ProviderOrderResponse, error) {
		return &models.ProviderOrderResponse{
			Success:         true,
			ProviderOrderID: "ref-" + req.OrderID,
			Status:          models.ProviderStateCompleted,
			Allocation:      models.Allocation{ICCID: iccid, ActivationCode: "LPA:1$smdp.example$" + iccid},
		}, nil
	}
}

// rejectWith answers with a business rejection.
func rejectWith(msg string) func(context.Context, provider.OrderRequest) (*models.ProviderOrderResponse, error) {
	return func(context.Context, provider.OrderRequest) (*models.ProviderOrderResponse, error) {
		return &models.ProviderOrderResponse{Status: models.ProviderStateFailed, Error: msg}, nil
	}
}

// hang blocks until the call deadline.
func hang(ctx context.Context, _ provider.OrderRequest) (*models.ProviderOrderResponse, error) {
	<-ctx.Done()
	return nil, provider.TransportError("create order", ctx.Err())
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, m models.Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, m)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

type testEnv struct {
	store    *repository.MemoryStore
	registry *provider.Registry
	locker   *OrderLocker
	notifier *recordingNotifier
	// builds counts adapter constructions per provider id
	builds map[string]int
	mu     sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		store:    repository.NewMemoryStore(),
		registry: provider.NewRegistry(nil),
		locker:   NewOrderLocker(),
		notifier: &recordingNotifier{},
		builds:   make(map[string]int),
	}
}

// addProvider registers a slug serving adapter and stores a provider record
// offering package "5gb-30d" at price.
func (e *testEnv) addProvider(t *testing.T, p models.Provider, caps provider.Capabilities, adapter *fakeAdapter, price string) models.Provider {
	t.Helper()

	id := p.ID
	require.NoError(t, e.registry.Register(p.Slug, caps, func(rec models.Provider, _ provider.Credentials) (provider.Service, error) {
		e.mu.Lock()
		e.builds[rec.ID]++
		e.mu.Unlock()
		return adapter, nil
	}))

	stored, err := e.store.CreateProvider(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, id, stored.ID)

	if price != "" {
		require.NoError(t, e.store.SaveOffer(context.Background(), models.PackageOffer{
			PackageID:         testPackage,
			ProviderID:        stored.ID,
			ProviderPackageID: "pkg-" + stored.ID,
			WholesalePrice:    decimal.RequireFromString(price),
			Currency:          "USD",
		}))
	}
	return *stored
}

func (e *testEnv) buildCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builds[id]
}

func (e *testEnv) orderService(cfg FulfillmentConfig) *OrderService {
	return NewOrderService(e.store, e.store, e.store, e.registry, e.notifier, e.locker, cfg)
}

func (e *testEnv) webhookService(queueSize int) *WebhookService {
	return NewWebhookService(e.store, e.store, e.store, e.registry, e.notifier, e.locker, queueSize, time.Second)
}

func (e *testEnv) refundService() *RefundService {
	return NewRefundService(e.store, e.store, e.registry, e.notifier, e.locker, time.Second)
}

const testPackage = "5gb-30d"

var fastConfig = FulfillmentConfig{
	CallTimeout:       50 * time.Millisecond,
	PollInterval:      time.Millisecond,
	PollAttempts:      3,
	ResumeConcurrency: 2,
}

var allCaps = provider.Capabilities{Refunds: true, Cancellation: true, TopUps: true}

func margin(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string {
	return &s
}
