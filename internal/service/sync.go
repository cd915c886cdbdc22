package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"go.uber.org/zap"
)

// DefaultSyncInterval applies to providers without their own interval.
const DefaultSyncInterval = 24 * time.Hour

// SyncService refreshes provider catalogs.
type SyncService struct {
	providers ProviderRepository
	offers    OfferRepository
	adapters  AdapterRegistry
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSync map[string]time.Time
}

// NewSyncService creates new SyncService instance. timeout bounds one
// provider's catalog download.
func NewSyncService(providers ProviderRepository, offers OfferRepository, adapters AdapterRegistry, timeout time.Duration) *SyncService {
	return &SyncService{
		providers: providers,
		offers:    offers,
		adapters:  adapters,
		timeout:   timeout,
		now:       time.Now,
		lastSync:  make(map[string]time.Time),
	}
}

// SyncProvider downloads the catalog of one provider, prices it with the
// provider margin and stores it. It returns the number of packages stored.
func (ss *SyncService) SyncProvider(ctx context.Context, id string) (int, error) {
	p, err := ss.providers.GetProviderByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return ss.sync(ctx, *p)
}

func (ss *SyncService) sync(ctx context.Context, p models.Provider) (int, error) {
	adapter, err := ss.adapters.GetService(p)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, ss.timeout)
	pkgs, err := adapter.SyncPackages(callCtx)
	cancel()
	if err != nil {
		return 0, err
	}

	for i := range pkgs {
		pkgs[i].RetailPrice = provider.RetailPrice(pkgs[i].WholesalePrice, p.PricingMargin)
	}

	if err := ss.offers.SaveProviderPackages(ctx, p.ID, pkgs); err != nil {
		return 0, err
	}

	ss.mu.Lock()
	ss.lastSync[p.ID] = ss.now()
	ss.mu.Unlock()

	logger.Log.Info("packages synced",
		zap.String("provider_id", p.ID),
		zap.String("provider", string(p.Slug)),
		zap.Int("packages", len(pkgs)))
	return len(pkgs), nil
}

// SyncAll syncs every enabled provider. A failing provider does not stop the
// others; their errors are joined.
func (ss *SyncService) SyncAll(ctx context.Context) (map[string]int, error) {
	return ss.syncWhere(ctx, func(models.Provider) bool { return true })
}

// SyncDue syncs the enabled providers whose sync interval has elapsed.
func (ss *SyncService) SyncDue(ctx context.Context) (map[string]int, error) {
	now := ss.now()
	return ss.syncWhere(ctx, func(p models.Provider) bool {
		interval := p.SyncInterval
		if interval <= 0 {
			interval = DefaultSyncInterval
		}
		ss.mu.Lock()
		last, ok := ss.lastSync[p.ID]
		ss.mu.Unlock()
		return !ok || now.Sub(last) >= interval
	})
}

func (ss *SyncService) syncWhere(ctx context.Context, due func(models.Provider) bool) (map[string]int, error) {
	providers, err := ss.providers.GetEnabledProviders(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var errs []error
	for _, p := range providers {
		if !due(p) {
			continue
		}
		n, err := ss.sync(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return counts, ctx.Err()
			}
			logger.Log.Error("package sync failed",
				zap.String("provider_id", p.ID),
				zap.String("provider", string(p.Slug)),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		counts[p.ID] = n
	}
	return counts, errors.Join(errs...)
}
