package repository

import (
	"context"
	"fmt"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/repository/postgres"
)

const (
	selectPackageOffersQuery = `
						SELECT o.package_id, o.provider_id, o.provider_package_id, p.wholesale_price, p.currency
						FROM package_offers o
						JOIN provider_packages p
						ON p.provider_id = o.provider_id AND p.provider_package_id = o.provider_package_id
						WHERE o.package_id = $1
`
	upsertOfferQuery = `
						INSERT INTO package_offers (package_id, provider_id, provider_package_id)
						VALUES ($1, $2, $3)
						ON CONFLICT (package_id, provider_id) DO UPDATE
						SET provider_package_id = EXCLUDED.provider_package_id
`
	upsertProviderPackageQuery = `
						INSERT INTO provider_packages (provider_id, provider_package_id, title, data_amount_mb,
						validity_days, wholesale_price, retail_price, currency, type, operator,
						voice_minutes, sms_count, unlimited, synced_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
						ON CONFLICT (provider_id, provider_package_id) DO UPDATE
						SET title = EXCLUDED.title, data_amount_mb = EXCLUDED.data_amount_mb,
						validity_days = EXCLUDED.validity_days, wholesale_price = EXCLUDED.wholesale_price,
						retail_price = EXCLUDED.retail_price, currency = EXCLUDED.currency, type = EXCLUDED.type,
						operator = EXCLUDED.operator, voice_minutes = EXCLUDED.voice_minutes,
						sms_count = EXCLUDED.sms_count, unlimited = EXCLUDED.unlimited, synced_at = NOW()
`
	selectProviderPackagesQuery = `
						SELECT provider_package_id, title, data_amount_mb, validity_days, wholesale_price,
						retail_price, currency, type, operator, voice_minutes, sms_count, unlimited
						FROM provider_packages
						WHERE provider_id = $1
						ORDER BY provider_package_id
`
)

// OfferRepository implements OfferRepository interface
type OfferRepository struct {
	db *postgres.DB
}

// NewOfferRepository creates new OfferRepository instance
func NewOfferRepository(db *postgres.DB) *OfferRepository {
	return &OfferRepository{db: db}
}

// GetPackageOffers returns every provider offer of catalog package packageID
func (or *OfferRepository) GetPackageOffers(ctx context.Context, packageID string) ([]models.PackageOffer, error) {
	rows, err := or.db.QueryContext(ctx, selectPackageOffersQuery, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offers := []models.PackageOffer{}

	for rows.Next() {
		o := models.PackageOffer{}
		if err := rows.Scan(&o.PackageID, &o.ProviderID, &o.ProviderPackageID, &o.WholesalePrice, &o.Currency); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return offers, nil
}

// SaveOffer links a catalog package to a provider package
func (or *OfferRepository) SaveOffer(ctx context.Context, offer models.PackageOffer) error {
	_, err := or.db.ExecContext(ctx, upsertOfferQuery, offer.PackageID, offer.ProviderID, offer.ProviderPackageID)
	return err
}

// SaveProviderPackages upserts a provider catalog in one transaction
func (or *OfferRepository) SaveProviderPackages(ctx context.Context, providerID string, pkgs []models.ProviderPackageData) error {
	tx, err := or.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range pkgs {
		_, err := tx.ExecContext(ctx, upsertProviderPackageQuery,
			providerID, p.ProviderPackageID, p.Title, p.DataAmountMB, p.ValidityDays, p.WholesalePrice,
			p.RetailPrice, p.Currency, p.Type, p.Operator, p.VoiceMinutes, p.SMSCount, p.Unlimited)
		if err != nil {
			return fmt.Errorf("save package %s: %w", p.ProviderPackageID, err)
		}
	}

	return tx.Commit()
}

// GetProviderPackages returns the stored catalog of a provider
func (or *OfferRepository) GetProviderPackages(ctx context.Context, providerID string) ([]models.ProviderPackageData, error) {
	rows, err := or.db.QueryContext(ctx, selectProviderPackagesQuery, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pkgs := []models.ProviderPackageData{}

	for rows.Next() {
		p := models.ProviderPackageData{}
		err := rows.Scan(&p.ProviderPackageID, &p.Title, &p.DataAmountMB, &p.ValidityDays, &p.WholesalePrice,
			&p.RetailPrice, &p.Currency, &p.Type, &p.Operator, &p.VoiceMinutes, &p.SMSCount, &p.Unlimited)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pkgs, nil
}
