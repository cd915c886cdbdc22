package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rookgm/esimhub/internal/models"
)

// MemoryStore keeps orders, providers, catalogs and webhook events in memory.
// It implements the same contracts as the Postgres repositories and is used
// when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*models.Order
	providers map[string]models.Provider
	// provider id -> provider package id -> package
	packages map[string]map[string]models.ProviderPackageData
	// catalog package id -> provider id -> offer
	offers map[string]map[string]models.PackageOffer
	events map[string]struct{}
	now    func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*models.Order),
		providers: make(map[string]models.Provider),
		packages:  make(map[string]map[string]models.ProviderPackageData),
		offers:    make(map[string]map[string]models.PackageOffer),
		events:    make(map[string]struct{}),
		now:       time.Now,
	}
}

// CreateOrder stores a new order
func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return nil, models.ErrConflictData
	}
	o := order.Clone()
	o.UpdatedAt = o.CreatedAt
	o.Attempts = nil
	m.orders[o.ID] = o
	return o.Clone(), nil
}

// GetOrder returns order by id
func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, models.ErrDataNotFound
	}
	return o.Clone(), nil
}

// GetOrderByProviderOrderID returns the order a provider knows by providerOrderID
func (m *MemoryStore) GetOrderByProviderOrderID(ctx context.Context, providerID, providerOrderID string) (*models.Order, error) {
	return m.findOrder(func(o *models.Order) bool {
		if o.ProviderOrderID != providerOrderID {
			return false
		}
		return (o.CurrentProviderID != nil && *o.CurrentProviderID == providerID) ||
			(o.FinalProviderID != nil && *o.FinalProviderID == providerID)
	})
}

// GetOrderByICCID returns the latest order allocated with iccid
func (m *MemoryStore) GetOrderByICCID(ctx context.Context, iccid string) (*models.Order, error) {
	return m.findOrder(func(o *models.Order) bool {
		return o.Allocation.ICCID == iccid
	})
}

func (m *MemoryStore) findOrder(match func(o *models.Order) bool) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Order
	for _, o := range m.orders {
		if match(o) && (found == nil || o.CreatedAt.After(found.CreatedAt)) {
			found = o
		}
	}
	if found == nil {
		return nil, models.ErrDataNotFound
	}
	return found.Clone(), nil
}

// GetOrdersByStatus returns orders in any of statuses, oldest first
func (m *MemoryStore) GetOrdersByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		for _, s := range statuses {
			if o.Status == s {
				orders = append(orders, *o.Clone())
				break
			}
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// UpdateOrder applies patch atomically
func (m *MemoryStore) UpdateOrder(ctx context.Context, id string, patch models.OrderPatch) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[id]
	if !ok {
		return nil, models.ErrDataNotFound
	}

	o := cur.Clone()
	if err := o.Apply(patch, m.now()); err != nil {
		return nil, err
	}
	m.orders[id] = o
	return o.Clone(), nil
}

// CreateProvider stores a provider record, generating its id if empty
func (m *MemoryStore) CreateProvider(ctx context.Context, p *models.Provider) (*models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := *p
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if _, ok := m.providers[created.ID]; ok {
		return nil, models.ErrConflictData
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = m.now()
	}
	m.providers[created.ID] = created
	return &created, nil
}

// ListProviders returns every provider record
func (m *MemoryStore) ListProviders(ctx context.Context) ([]models.Provider, error) {
	return m.listProviders(func(models.Provider) bool { return true }), nil
}

// GetEnabledProviders returns providers eligible for new orders
func (m *MemoryStore) GetEnabledProviders(ctx context.Context) ([]models.Provider, error) {
	return m.listProviders(func(p models.Provider) bool { return p.Enabled }), nil
}

func (m *MemoryStore) listProviders(keep func(models.Provider) bool) []models.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()

	providers := []models.Provider{}
	for _, p := range m.providers {
		if keep(p) {
			providers = append(providers, p)
		}
	}
	sort.Slice(providers, func(i, j int) bool {
		if providers[i].PreferenceRank != providers[j].PreferenceRank {
			return providers[i].PreferenceRank < providers[j].PreferenceRank
		}
		return providers[i].ID < providers[j].ID
	})
	return providers
}

// GetProviderByID returns provider record by id
func (m *MemoryStore) GetProviderByID(ctx context.Context, id string) (*models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, models.ErrDataNotFound
	}
	return &p, nil
}

// SetProviderEnabled toggles provider eligibility
func (m *MemoryStore) SetProviderEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return models.ErrDataNotFound
	}
	p.Enabled = enabled
	m.providers[id] = p
	return nil
}

// GetPackageOffers returns every provider offer of catalog package packageID
// with the wholesale price of the last sync.
func (m *MemoryStore) GetPackageOffers(ctx context.Context, packageID string) ([]models.PackageOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offers := []models.PackageOffer{}
	for providerID, o := range m.offers[packageID] {
		pkg, ok := m.packages[providerID][o.ProviderPackageID]
		if ok {
			o.WholesalePrice = pkg.WholesalePrice
			o.Currency = pkg.Currency
		}
		offers = append(offers, o)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ProviderID < offers[j].ProviderID })
	return offers, nil
}

// SaveOffer links a catalog package to a provider package
func (m *MemoryStore) SaveOffer(ctx context.Context, offer models.PackageOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byProvider, ok := m.offers[offer.PackageID]
	if !ok {
		byProvider = make(map[string]models.PackageOffer)
		m.offers[offer.PackageID] = byProvider
	}
	byProvider[offer.ProviderID] = offer
	if _, ok := m.packages[offer.ProviderID][offer.ProviderPackageID]; !ok && !offer.WholesalePrice.IsZero() {
		m.savePackage(offer.ProviderID, models.ProviderPackageData{
			ProviderPackageID: offer.ProviderPackageID,
			WholesalePrice:    offer.WholesalePrice,
			Currency:          offer.Currency,
		})
	}
	return nil
}

// SaveProviderPackages upserts a provider catalog
func (m *MemoryStore) SaveProviderPackages(ctx context.Context, providerID string, pkgs []models.ProviderPackageData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range pkgs {
		m.savePackage(providerID, p)
	}
	return nil
}

func (m *MemoryStore) savePackage(providerID string, p models.ProviderPackageData) {
	byID, ok := m.packages[providerID]
	if !ok {
		byID = make(map[string]models.ProviderPackageData)
		m.packages[providerID] = byID
	}
	byID[p.ProviderPackageID] = p
}

// GetProviderPackages returns the stored catalog of a provider
func (m *MemoryStore) GetProviderPackages(ctx context.Context, providerID string) ([]models.ProviderPackageData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkgs := []models.ProviderPackageData{}
	for _, p := range m.packages[providerID] {
		pkgs = append(pkgs, p)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ProviderPackageID < pkgs[j].ProviderPackageID })
	return pkgs, nil
}

// SaveWebhookEvent records an event, reporting false if it was seen before
func (m *MemoryStore) SaveWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ev.ProviderID + "/" + ev.Key
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	m.events[key] = struct{}{}
	return true, nil
}

// DeleteWebhookEvent forgets a recorded event
func (m *MemoryStore) DeleteWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.events, ev.ProviderID+"/"+ev.Key)
	return nil
}
