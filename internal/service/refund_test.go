package service

import (
	"context"
	"sync"
	"testing"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRefundEnv(t *testing.T, caps provider.Capabilities, status models.OrderStatus) (*testEnv, *fakeAdapter) {
	t.Helper()
	env := newTestEnv(t)

	a := newFakeAdapter("a")
	env.addProvider(t, models.Provider{ID: "a", Slug: "a", Enabled: true}, caps, a, "")

	o := &models.Order{
		ID:                 "o1",
		PackageID:          testPackage,
		Quantity:           1,
		Status:             status,
		ProviderOrderID:    "A-1",
		OriginalProviderID: strPtr("a"),
		CurrentProviderID:  strPtr("a"),
	}
	if status == models.OrderStatusCompleted {
		o.FinalProviderID = strPtr("a")
		o.Allocation = models.Allocation{ICCID: "8910000000000000001"}
	}
	_, err := env.store.CreateOrder(context.Background(), o)
	require.NoError(t, err)
	return env, a
}

func TestRefundService_Refund(t *testing.T) {
	credits := decimal.RequireFromString("4.50")

	tests := []struct {
		name       string
		caps       provider.Capabilities
		status     models.OrderStatus
		refundFn   func(context.Context, provider.RefundRequest) (*models.RefundResult, error)
		want       models.RefundResult
		wantStatus models.OrderStatus
		wantCalls  int
	}{
		{
			name:   "approved",
			caps:   allCaps,
			status: models.OrderStatusCompleted,
			refundFn: func(_ context.Context, req provider.RefundRequest) (*models.RefundResult, error) {
				return &models.RefundResult{Success: true, Status: models.RefundStatusApproved, CreditsRefunded: &credits}, nil
			},
			want: models.RefundResult{
				Success:                true,
				Status:                 models.RefundStatusApproved,
				CreditsRefunded:        &credits,
				ProviderID:             "a",
				PaymentReversalPending: true,
			},
			wantStatus: models.OrderStatusRefunded,
			wantCalls:  1,
		},
		{
			name:   "pending_review",
			caps:   allCaps,
			status: models.OrderStatusCompleted,
			refundFn: func(context.Context, provider.RefundRequest) (*models.RefundResult, error) {
				return &models.RefundResult{Success: true, Status: models.RefundStatusPending}, nil
			},
			want: models.RefundResult{
				Success:                true,
				Status:                 models.RefundStatusPending,
				ProviderID:             "a",
				PaymentReversalPending: true,
			},
			wantStatus: models.OrderStatusCompleted,
			wantCalls:  1,
		},
		{
			name:   "rejected",
			caps:   allCaps,
			status: models.OrderStatusCompleted,
			refundFn: func(context.Context, provider.RefundRequest) (*models.RefundResult, error) {
				return &models.RefundResult{Status: models.RefundStatusRejected, Message: "esim already installed"}, nil
			},
			want: models.RefundResult{
				Status:     models.RefundStatusRejected,
				Message:    "esim already installed",
				ProviderID: "a",
			},
			wantStatus: models.OrderStatusCompleted,
			wantCalls:  1,
		},
		{
			name:   "transport_error",
			caps:   allCaps,
			status: models.OrderStatusCompleted,
			refundFn: func(context.Context, provider.RefundRequest) (*models.RefundResult, error) {
				return nil, &provider.TransientError{Op: "refund", StatusCode: 500}
			},
			want: models.RefundResult{
				Status:     models.RefundStatusFailed,
				Message:    "refund: status 500",
				ProviderID: "a",
			},
			wantStatus: models.OrderStatusCompleted,
			wantCalls:  1,
		},
		{
			name:   "not_supported",
			caps:   provider.Capabilities{Cancellation: true},
			status: models.OrderStatusCompleted,
			want: models.RefundResult{
				Status:     models.RefundStatusNotSupported,
				Message:    "provider a does not support refunds",
				ProviderID: "a",
			},
			wantStatus: models.OrderStatusCompleted,
			wantCalls:  0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env, a := newRefundEnv(t, test.caps, test.status)
			a.refundFn = test.refundFn

			res, err := env.refundService().Refund(context.Background(), "o1", "customer request")
			require.NoError(t, err)
			assert.Equal(t, test.want, *res)

			order, err := env.store.GetOrder(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, test.wantStatus, order.Status)
			assert.Equal(t, test.wantCalls, a.count("refund"))
			if test.wantCalls == 0 {
				assert.Equal(t, 0, a.total())
				assert.Equal(t, 0, env.buildCount("a"))
			}
		})
	}
}

func TestRefundService_Refund_RequiresCompleted(t *testing.T) {
	env, a := newRefundEnv(t, allCaps, models.OrderStatusProcessing)

	_, err := env.refundService().Refund(context.Background(), "o1", "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 0, a.total())
}

func TestRefundService_Refund_NoProvider(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.CreateOrder(context.Background(), &models.Order{ID: "o1", Status: models.OrderStatusFailed})
	require.NoError(t, err)

	_, err = env.refundService().Refund(context.Background(), "o1", "")
	assert.ErrorIs(t, err, models.ErrNoProvider)

	_, err = env.refundService().Refund(context.Background(), "missing", "")
	assert.ErrorIs(t, err, models.ErrDataNotFound)
}

func TestRefundService_Refund_NotifiesOnce(t *testing.T) {
	env, _ := newRefundEnv(t, allCaps, models.OrderStatusCompleted)
	rs := env.refundService()

	res, err := rs.Refund(context.Background(), "o1", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{models.NotificationOrderRefunded}, env.notifier.kinds())

	// refunded is terminal
	_, err = rs.Refund(context.Background(), "o1", "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Len(t, env.notifier.kinds(), 1)
}

func TestRefundService_Cancel(t *testing.T) {
	tests := []struct {
		name       string
		caps       provider.Capabilities
		status     models.OrderStatus
		cancelFn   func(context.Context, provider.CancelRequest) (*models.CancelResult, error)
		wantStatus models.CancelStatus
		wantOrder  models.OrderStatus
		wantCalls  int
	}{
		{
			name:       "completed_order",
			caps:       allCaps,
			status:     models.OrderStatusCompleted,
			wantStatus: models.CancelStatusCancelled,
			wantOrder:  models.OrderStatusCancelled,
			wantCalls:  1,
		},
		{
			name:       "processing_order",
			caps:       allCaps,
			status:     models.OrderStatusProcessing,
			wantStatus: models.CancelStatusCancelled,
			wantOrder:  models.OrderStatusCancelled,
			wantCalls:  1,
		},
		{
			name:   "rejected",
			caps:   allCaps,
			status: models.OrderStatusCompleted,
			cancelFn: func(context.Context, provider.CancelRequest) (*models.CancelResult, error) {
				return &models.CancelResult{Status: models.CancelStatusRejected, Message: "profile already downloaded"}, nil
			},
			wantStatus: models.CancelStatusRejected,
			wantOrder:  models.OrderStatusCompleted,
			wantCalls:  1,
		},
		{
			name:       "not_supported",
			caps:       provider.Capabilities{Refunds: true},
			status:     models.OrderStatusCompleted,
			wantStatus: models.CancelStatusNotSupported,
			wantOrder:  models.OrderStatusCompleted,
			wantCalls:  0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env, a := newRefundEnv(t, test.caps, test.status)
			a.cancelFn = test.cancelFn

			res, err := env.refundService().Cancel(context.Background(), "o1", "")
			require.NoError(t, err)
			assert.Equal(t, test.wantStatus, res.Status)
			assert.Equal(t, res.Success, res.PaymentReversalPending)
			assert.Equal(t, "a", res.ProviderID)

			order, err := env.store.GetOrder(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, test.wantOrder, order.Status)
			assert.Equal(t, test.wantCalls, a.count("cancel"))
		})
	}
}

func TestRefundService_Refund_Concurrent(t *testing.T) {
	env, a := newRefundEnv(t, allCaps, models.OrderStatusCompleted)
	started := make(chan struct{})
	release := make(chan struct{})
	a.refundFn = func(context.Context, provider.RefundRequest) (*models.RefundResult, error) {
		close(started)
		<-release
		return &models.RefundResult{Success: true, Status: models.RefundStatusApproved}, nil
	}
	rs := env.refundService()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		first    *models.RefundResult
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = rs.Refund(ctx, "o1", "customer request")
	}()
	<-started

	// the provider is still answering the first request
	_, err := rs.Refund(ctx, "o1", "customer request")
	assert.ErrorIs(t, err, models.ErrOrderBusy)
	_, err = rs.Cancel(ctx, "o1", "customer request")
	assert.ErrorIs(t, err, models.ErrOrderBusy)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.True(t, first.PaymentReversalPending)

	// once concluded the order is no longer refundable
	_, err = rs.Refund(ctx, "o1", "customer request")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	assert.Equal(t, 1, a.count("refund"))
	assert.Equal(t, 0, a.count("cancel"))
	order, err := env.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.Equal(t, []string{models.NotificationOrderRefunded}, env.notifier.kinds())
}

func TestRefundService_Cancel_Concurrent(t *testing.T) {
	env, a := newRefundEnv(t, allCaps, models.OrderStatusCompleted)
	started := make(chan struct{})
	release := make(chan struct{})
	a.cancelFn = func(context.Context, provider.CancelRequest) (*models.CancelResult, error) {
		close(started)
		<-release
		return &models.CancelResult{Success: true, Status: models.CancelStatusCancelled}, nil
	}
	rs := env.refundService()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := rs.Cancel(ctx, "o1", "")
		done <- err
	}()
	<-started

	_, err := rs.Cancel(ctx, "o1", "")
	assert.ErrorIs(t, err, models.ErrOrderBusy)

	close(release)
	require.NoError(t, <-done)

	_, err = rs.Cancel(ctx, "o1", "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 1, a.count("cancel"))
}

func TestRefundService_Cancel_FailedOverOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	var sent provider.CancelRequest
	b.cancelFn = func(_ context.Context, req provider.CancelRequest) (*models.CancelResult, error) {
		sent = req
		return &models.CancelResult{Success: true, Status: models.CancelStatusCancelled}, nil
	}
	env.addProvider(t, models.Provider{ID: "a", Slug: "a", Enabled: true, PreferenceRank: 1}, allCaps, a, "1.00")
	env.addProvider(t, models.Provider{ID: "b", Slug: "b", Enabled: true, PreferenceRank: 2}, allCaps, b, "1.00")

	// a rejected the order, b is still allocating it
	_, err := env.store.CreateOrder(ctx, &models.Order{
		ID:                 "o1",
		PackageID:          testPackage,
		Quantity:           1,
		Status:             models.OrderStatusProcessing,
		ProviderOrderID:    "B-REF",
		OriginalProviderID: strPtr("a"),
		CurrentProviderID:  strPtr("b"),
	})
	require.NoError(t, err)

	res, err := env.refundService().Cancel(ctx, "o1", "customer request")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "b", res.ProviderID)
	assert.Equal(t, "B-REF", sent.ProviderOrderID)
	assert.Equal(t, 1, b.count("cancel"))
	assert.Equal(t, 0, a.count("cancel"))

	order, err := env.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}
