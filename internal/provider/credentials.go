package provider

import (
	"fmt"

	"github.com/rookgm/esimhub/internal/models"
)

// SecretSource resolves a named secret to its key/value pairs.
type SecretSource interface {
	Lookup(name string) (map[string]string, bool)
}

// StaticSecrets is a SecretSource backed by a map.
type StaticSecrets map[string]map[string]string

// Lookup implements SecretSource.
func (s StaticSecrets) Lookup(name string) (map[string]string, bool) {
	v, ok := s[name]
	return v, ok
}

// Credentials are the outbound API credentials of one provider record.
type Credentials struct {
	slug   models.ProviderSlug
	name   string
	values map[string]string
}

// NewCredentials creates credentials for secret name.
func NewCredentials(slug models.ProviderSlug, name string, values map[string]string) Credentials {
	return Credentials{slug: slug, name: name, values: values}
}

// Get returns the value of key or an empty string.
func (c Credentials) Get(key string) string {
	return c.values[key]
}

// Require returns a ConfigError naming the first missing key.
func (c Credentials) Require(keys ...string) error {
	for _, k := range keys {
		if c.values[k] == "" {
			return &ConfigError{
				Slug:   c.slug,
				Reason: fmt.Sprintf("missing credential %q in secret %q", k, c.name),
			}
		}
	}
	return nil
}
