package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/repository/postgres"
)

const (
	providerColumns = `id, slug, name, enabled, pricing_margin, preference_rank,
						webhook_secret, secret_ref, base_url, sync_interval, created_at`

	insertProviderQuery = `
						INSERT INTO providers (` + providerColumns + `)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	selectProvidersQuery = `
						SELECT ` + providerColumns + ` FROM providers
						ORDER BY preference_rank, created_at
`
	selectEnabledProvidersQuery = `
						SELECT ` + providerColumns + ` FROM providers
						WHERE enabled
						ORDER BY preference_rank, created_at
`
	selectProviderByIDQuery = `
						SELECT ` + providerColumns + ` FROM providers
						WHERE id = $1
`
	updateProviderEnabledQuery = `
						UPDATE providers
						SET enabled = $2
						WHERE id = $1
`
)

// ProviderRepository implements ProviderRepository interface
type ProviderRepository struct {
	db *postgres.DB
}

// NewProviderRepository creates new ProviderRepository instance
func NewProviderRepository(db *postgres.DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

// CreateProvider inserts new provider record, generating its id if empty
func (pr *ProviderRepository) CreateProvider(ctx context.Context, p *models.Provider) (*models.Provider, error) {
	created := *p
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}

	_, err := pr.db.ExecContext(ctx, insertProviderQuery,
		created.ID, created.Slug, created.Name, created.Enabled, created.PricingMargin, created.PreferenceRank,
		created.WebhookSecret, created.SecretRef, created.BaseURL, int64(created.SyncInterval/time.Second), created.CreatedAt)
	if err != nil {
		if errCode := pr.db.ErrorCode(err); errCode == pgErrUniqueViolationCode {
			return nil, models.ErrConflictData
		}
		return nil, err
	}
	return &created, nil
}

// ListProviders returns every provider record
func (pr *ProviderRepository) ListProviders(ctx context.Context) ([]models.Provider, error) {
	return pr.list(ctx, selectProvidersQuery)
}

// GetEnabledProviders returns providers eligible for new orders
func (pr *ProviderRepository) GetEnabledProviders(ctx context.Context) ([]models.Provider, error) {
	return pr.list(ctx, selectEnabledProvidersQuery)
}

// GetProviderByID returns provider record by id
func (pr *ProviderRepository) GetProviderByID(ctx context.Context, id string) (*models.Provider, error) {
	p, err := scanProvider(pr.db.QueryRowContext(ctx, selectProviderByIDQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrDataNotFound
		}
		return nil, err
	}
	return p, nil
}

// SetProviderEnabled toggles provider eligibility
func (pr *ProviderRepository) SetProviderEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := pr.db.ExecContext(ctx, updateProviderEnabledQuery, id, enabled)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrDataNotFound
	}
	return nil
}

func (pr *ProviderRepository) list(ctx context.Context, query string) ([]models.Provider, error) {
	rows, err := pr.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := []models.Provider{}

	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return providers, nil
}

func scanProvider(s scanner) (*models.Provider, error) {
	p := models.Provider{}
	var syncSeconds int64
	err := s.Scan(&p.ID, &p.Slug, &p.Name, &p.Enabled, &p.PricingMargin, &p.PreferenceRank,
		&p.WebhookSecret, &p.SecretRef, &p.BaseURL, &syncSeconds, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.SyncInterval = time.Duration(syncSeconds) * time.Second
	return &p, nil
}
