package service

import (
	"context"
	"time"

	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SecretReloader re-reads provider credentials from their source
type SecretReloader interface {
	Reload() error
}

// ProviderHealth is the health of one provider record
type ProviderHealth struct {
	ProviderID string              `json:"provider_id"`
	Slug       models.ProviderSlug `json:"slug"`
	Name       string              `json:"name"`
	models.HealthStatus
}

// ProviderService administers provider records and their adapters.
type ProviderService struct {
	providers   ProviderRepository
	adapters    AdapterRegistry
	secrets     SecretReloader
	callTimeout time.Duration
}

// NewProviderService creates new ProviderService instance. secrets may be nil
// when credentials are static.
func NewProviderService(providers ProviderRepository, adapters AdapterRegistry, secrets SecretReloader, callTimeout time.Duration) *ProviderService {
	return &ProviderService{
		providers:   providers,
		adapters:    adapters,
		secrets:     secrets,
		callTimeout: callTimeout,
	}
}

// CreateProvider stores a provider record for a registered slug.
func (ps *ProviderService) CreateProvider(ctx context.Context, p *models.Provider) (*models.Provider, error) {
	if _, err := ps.adapters.Capabilities(p.Slug); err != nil {
		return nil, err
	}
	return ps.providers.CreateProvider(ctx, p)
}

// ListProviders returns every provider record.
func (ps *ProviderService) ListProviders(ctx context.Context) ([]models.Provider, error) {
	return ps.providers.ListProviders(ctx)
}

// SetEnabled enables or disables a provider for new orders. Orders already
// assigned to it are not affected.
func (ps *ProviderService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := ps.providers.SetProviderEnabled(ctx, id, enabled); err != nil {
		return err
	}
	logger.Log.Info("provider toggled", zap.String("provider_id", id), zap.Bool("enabled", enabled))
	return nil
}

// RotateCredentials reloads secrets and drops the cached adapter so the next
// call builds one with the new credentials.
func (ps *ProviderService) RotateCredentials(ctx context.Context, id string) error {
	p, err := ps.providers.GetProviderByID(ctx, id)
	if err != nil {
		return err
	}
	if ps.secrets != nil {
		if err := ps.secrets.Reload(); err != nil {
			return err
		}
	}
	ps.adapters.ClearProviderCache(p.ID)

	logger.Log.Info("provider credentials rotated",
		zap.String("provider_id", p.ID),
		zap.String("provider", string(p.Slug)),
		zap.String("secret_ref", p.SecretRef))
	return nil
}

// HealthCheck checks every enabled provider concurrently.
func (ps *ProviderService) HealthCheck(ctx context.Context) ([]ProviderHealth, error) {
	providers, err := ps.providers.GetEnabledProviders(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]ProviderHealth, len(providers))
	g, gctx := errgroup.WithContext(ctx)

	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			res[i] = ProviderHealth{ProviderID: p.ID, Slug: p.Slug, Name: p.Name}

			adapter, err := ps.adapters.GetService(p)
			if err != nil {
				res[i].Error = err.Error()
				return nil
			}

			callCtx, cancel := context.WithTimeout(gctx, ps.callTimeout)
			defer cancel()
			res[i].HealthStatus = adapter.HealthCheck(callCtx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, h := range res {
		if !h.Healthy {
			logger.Log.Warn("provider unhealthy",
				zap.String("provider_id", h.ProviderID),
				zap.String("provider", string(h.Slug)),
				zap.String("error", h.Error))
		}
	}
	return res, nil
}
