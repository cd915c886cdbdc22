package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const secretsEnvPrefix = "ESIMHUB"

// Secrets are the named provider credentials. A secret "airalo" with key
// "client_id" reads from secrets.airalo.client_id in the file and is
// overridden by ESIMHUB_SECRETS_AIRALO_CLIENT_ID.
type Secrets struct {
	mu   sync.RWMutex
	path string
	v    *viper.Viper
}

// LoadSecrets reads the YAML secrets file at path. An empty path leaves only
// the environment as source.
func LoadSecrets(path string) (*Secrets, error) {
	s := &Secrets{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rereads the secrets file
func (s *Secrets) Reload() error {
	v := viper.New()
	v.SetEnvPrefix(secretsEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if s.path != "" {
		v.SetConfigFile(s.path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read secrets %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
	return nil
}

// Lookup returns the key/value pairs of secret name
func (s *Secrets) Lookup(name string) (map[string]string, bool) {
	s.mu.RLock()
	v := s.v
	s.mu.RUnlock()

	name = strings.ToLower(name)
	values := make(map[string]string)

	base := "secrets." + name
	for key := range v.GetStringMap(base) {
		if val := v.GetString(base + "." + key); val != "" {
			values[key] = val
		}
	}

	// keys present only in the environment
	prefix := secretsEnvPrefix + "_SECRETS_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
	for _, kv := range os.Environ() {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix))
		if _, found := values[key]; !found {
			values[key] = val
		}
	}

	if len(values) == 0 {
		return nil, false
	}
	return values, true
}
