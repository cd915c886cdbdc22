package provider

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	Service
	slug models.ProviderSlug
	id   string
}

func (s *stubService) Slug() models.ProviderSlug { return s.slug }

func stubFactory(built *atomic.Int32) Factory {
	return func(p models.Provider, creds Credentials) (Service, error) {
		if err := creds.Require("api_key"); err != nil {
			return nil, err
		}
		built.Add(1)
		return &stubService{slug: p.Slug, id: p.ID}, nil
	}
}

func TestRegistry_Register(t *testing.T) {
	var built atomic.Int32
	tests := []struct {
		name    string
		slug    models.ProviderSlug
		factory Factory
		wantErr bool
	}{
		{name: "valid_registration", slug: "alpha", factory: stubFactory(&built)},
		{name: "duplicate_slug", slug: "alpha", factory: stubFactory(&built), wantErr: true},
		{name: "empty_slug", slug: "", factory: stubFactory(&built), wantErr: true},
		{name: "nil_factory", slug: "beta", factory: nil, wantErr: true},
	}

	reg := NewRegistry(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.slug, Capabilities{}, tt.factory)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigError(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	var built atomic.Int32
	reg := NewRegistry(nil)
	reg.MustRegister("alpha", Capabilities{}, stubFactory(&built))

	assert.Panics(t, func() {
		reg.MustRegister("alpha", Capabilities{}, stubFactory(&built))
	})
}

func TestRegistry_GetService(t *testing.T) {
	var built atomic.Int32
	secrets := StaticSecrets{
		"alpha-sandbox":    {"api_key": "sandbox"},
		"alpha-production": {"api_key": "production"},
		"empty":            {},
	}
	reg := NewRegistry(secrets)
	reg.MustRegister("alpha", Capabilities{Refunds: true}, stubFactory(&built))

	sandbox := models.Provider{ID: "p1", Slug: "alpha", Enabled: true, SecretRef: "alpha-sandbox"}
	production := models.Provider{ID: "p2", Slug: "alpha", Enabled: true, SecretRef: "alpha-production"}

	t.Run("cached_per_record", func(t *testing.T) {
		s1, err := reg.GetService(sandbox)
		require.NoError(t, err)
		s1again, err := reg.GetService(sandbox)
		require.NoError(t, err)
		s2, err := reg.GetService(production)
		require.NoError(t, err)

		assert.Same(t, s1, s1again)
		assert.NotSame(t, s1, s2)
		assert.Equal(t, int32(2), built.Load())
	})

	t.Run("clear_provider_cache_rebuilds", func(t *testing.T) {
		before := built.Load()
		reg.ClearProviderCache("p1")
		_, err := reg.GetService(sandbox)
		require.NoError(t, err)
		_, err = reg.GetService(production)
		require.NoError(t, err)
		assert.Equal(t, before+1, built.Load())
	})

	t.Run("unregistered_slug", func(t *testing.T) {
		_, err := reg.GetService(models.Provider{ID: "p3", Slug: "gamma", SecretRef: "alpha-sandbox"})
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("missing_secret", func(t *testing.T) {
		_, err := reg.GetService(models.Provider{ID: "p4", Slug: "alpha", SecretRef: "nope"})
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("missing_credential", func(t *testing.T) {
		_, err := reg.GetService(models.Provider{ID: "p5", Slug: "alpha", SecretRef: "empty"})
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("select_refuses_disabled", func(t *testing.T) {
		disabled := production
		disabled.Enabled = false
		_, err := reg.Select(disabled)
		assert.True(t, errors.Is(err, models.ErrProviderDisabled))

		// existing orders still reach the adapter
		_, err = reg.GetService(disabled)
		assert.NoError(t, err)
	})

	t.Run("capabilities_without_instantiation", func(t *testing.T) {
		before := built.Load()
		caps, err := reg.Capabilities("alpha")
		require.NoError(t, err)
		assert.True(t, caps.Refunds)
		assert.Equal(t, before, built.Load())
	})
}

func TestRegistry_GetServiceConcurrentFirstUse(t *testing.T) {
	var built atomic.Int32
	reg := NewRegistry(StaticSecrets{"alpha": {"api_key": "k"}})
	reg.MustRegister("alpha", Capabilities{}, stubFactory(&built))
	p := models.Provider{ID: "p1", Slug: "alpha", Enabled: true, SecretRef: "alpha"}

	var wg sync.WaitGroup
	services := make([]Service, 32)
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc, err := reg.GetService(p)
			assert.NoError(t, err)
			services[i] = svc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, svc := range services {
		assert.Same(t, services[0], svc)
	}
}

func TestRegistry_Validate(t *testing.T) {
	var built atomic.Int32
	reg := NewRegistry(nil)
	reg.MustRegister("alpha", Capabilities{}, stubFactory(&built))

	assert.NoError(t, reg.Validate([]models.Provider{{ID: "p1", Slug: "alpha"}}))

	err := reg.Validate([]models.Provider{{ID: "p1", Slug: "alpha"}, {ID: "p2", Slug: "gamma"}})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "gamma")
	assert.Equal(t, []models.ProviderSlug{"alpha"}, reg.Slugs())
}
