package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rookgm/esimhub/internal/models"
)

// Factory builds an adapter for a provider record.
type Factory func(p models.Provider, creds Credentials) (Service, error)

type registration struct {
	capabilities Capabilities
	factory      Factory
}

// Registry maps provider slugs to adapter factories and caches one adapter
// per provider record. Registrations happen at startup; the adapter cache is
// process-scoped and cleared on credential rotation.
type Registry struct {
	secrets SecretSource

	regMu sync.RWMutex
	regs  map[models.ProviderSlug]registration

	mu        sync.RWMutex
	instances map[string]Service
}

// NewRegistry creates an empty registry resolving credentials from secrets.
func NewRegistry(secrets SecretSource) *Registry {
	if secrets == nil {
		secrets = StaticSecrets{}
	}
	return &Registry{
		secrets:   secrets,
		regs:      make(map[models.ProviderSlug]registration),
		instances: make(map[string]Service),
	}
}

// Register records a provider integration. Registering a slug twice, an empty
// slug or a nil factory is a configuration error.
func (r *Registry) Register(slug models.ProviderSlug, caps Capabilities, factory Factory) error {
	if slug == "" {
		return &ConfigError{Reason: "empty provider slug"}
	}
	if factory == nil {
		return &ConfigError{Slug: slug, Reason: "nil factory"}
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	if _, ok := r.regs[slug]; ok {
		return &ConfigError{Slug: slug, Reason: "registered twice"}
	}
	r.regs[slug] = registration{capabilities: caps, factory: factory}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(slug models.ProviderSlug, caps Capabilities, factory Factory) {
	if err := r.Register(slug, caps, factory); err != nil {
		panic(err)
	}
}

// Capabilities returns the static metadata of a registered slug.
func (r *Registry) Capabilities(slug models.ProviderSlug) (Capabilities, error) {
	reg, err := r.registration(slug)
	if err != nil {
		return Capabilities{}, err
	}
	return reg.capabilities, nil
}

// Slugs returns the registered slugs in lexical order.
func (r *Registry) Slugs() []models.ProviderSlug {
	r.regMu.RLock()
	defer r.regMu.RUnlock()

	slugs := make([]models.ProviderSlug, 0, len(r.regs))
	for s := range r.regs {
		slugs = append(slugs, s)
	}
	sort.Slice(slugs, func(i, j int) bool { return slugs[i] < slugs[j] })
	return slugs
}

// Validate checks that every provider record refers to a registered slug.
func (r *Registry) Validate(providers []models.Provider) error {
	var missing []string
	for _, p := range providers {
		if _, err := r.registration(p.Slug); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", p.Slug, p.ID))
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Reason: "unregistered providers: " + strings.Join(missing, ", ")}
	}
	return nil
}

// Select returns the adapter for a provider eligible for new orders.
// Disabled providers are refused.
func (r *Registry) Select(p models.Provider) (Service, error) {
	if !p.Enabled {
		return nil, fmt.Errorf("%w: %s", models.ErrProviderDisabled, p.ID)
	}
	return r.GetService(p)
}

// GetService returns the cached adapter for a provider record, building it on
// first use. The cache is keyed by record ID, so records sharing a slug get
// independent adapters.
func (r *Registry) GetService(p models.Provider) (Service, error) {
	r.mu.RLock()
	svc, ok := r.instances[p.ID]
	r.mu.RUnlock()
	if ok {
		return svc, nil
	}

	reg, err := r.registration(p.Slug)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another caller may have built it meanwhile
	if svc, ok := r.instances[p.ID]; ok {
		return svc, nil
	}

	var values map[string]string
	if p.SecretRef != "" {
		values, ok = r.secrets.Lookup(p.SecretRef)
		if !ok {
			return nil, &ConfigError{Slug: p.Slug, Reason: fmt.Sprintf("secret %q not found", p.SecretRef)}
		}
	}

	svc, err = reg.factory(p, NewCredentials(p.Slug, p.SecretRef, values))
	if err != nil {
		return nil, err
	}
	r.instances[p.ID] = svc
	return svc, nil
}

// ClearCache drops every cached adapter.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.instances = make(map[string]Service)
	r.mu.Unlock()
}

// ClearProviderCache drops the cached adapter of one provider record.
func (r *Registry) ClearProviderCache(id string) {
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
}

func (r *Registry) registration(slug models.ProviderSlug) (registration, error) {
	r.regMu.RLock()
	reg, ok := r.regs[slug]
	r.regMu.RUnlock()
	if !ok {
		return registration{}, &ConfigError{Slug: slug, Reason: "not registered"}
	}
	return reg, nil
}
