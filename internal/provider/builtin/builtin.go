// Package builtin registers the compiled-in provider integrations.
package builtin

import (
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/rookgm/esimhub/internal/provider/airalo"
	"github.com/rookgm/esimhub/internal/provider/esimaccess"
)

// Register adds every built-in integration to reg.
func Register(reg *provider.Registry) error {
	if err := reg.Register(airalo.Slug, airalo.Capabilities, airalo.New); err != nil {
		return err
	}
	return reg.Register(esimaccess.Slug, esimaccess.Capabilities, esimaccess.New)
}
