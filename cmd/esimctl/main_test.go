package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rookgm/esimhub/config"
	"github.com/rookgm/esimhub/internal/auth"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/rookgm/esimhub/internal/provider/builtin"
	"github.com/rookgm/esimhub/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryOpener shares one in-memory backend between command runs
func memoryOpener(t *testing.T) opener {
	mem := repository.NewMemoryStore()
	secrets, err := config.LoadSecrets("")
	require.NoError(t, err)
	registry := provider.NewRegistry(secrets)
	require.NoError(t, builtin.Register(registry))

	return func(context.Context, *options) (*backend, error) {
		return &backend{
			orders:    mem,
			providers: mem,
			offers:    mem,
			registry:  registry,
			secrets:   secrets,
			close:     func() {},
		}, nil
	}
}

func execute(t *testing.T, open opener, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd(open, &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProvidersCommands(t *testing.T) {
	open := memoryOpener(t)

	out, err := execute(t, open, "providers", "add", "--slug", "airalo", "--name", "Airalo", "--margin", "12.5", "--rank", "1", "--secret-ref", "airalo")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = execute(t, open, "providers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "12.5")
	assert.Contains(t, out, "true")

	_, err = execute(t, open, "providers", "disable", id)
	require.NoError(t, err)
	out, err = execute(t, open, "providers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "false")

	_, err = execute(t, open, "providers", "add", "--slug", "unknown")
	assert.Error(t, err)

	_, err = execute(t, open, "providers", "add", "--slug", "airalo", "--margin", "lots")
	assert.Error(t, err)
}

func TestOffersCommands(t *testing.T) {
	open := memoryOpener(t)

	out, err := execute(t, open, "providers", "add", "--slug", "esimaccess")
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	_, err = execute(t, open, "offers", "add", "fr-5gb-30d", id, "P1Y2Z3", "9.80")
	require.NoError(t, err)

	out, err = execute(t, open, "offers", "list", "fr-5gb-30d")
	require.NoError(t, err)
	assert.Contains(t, out, "P1Y2Z3")
	assert.Contains(t, out, "9.8")

	_, err = execute(t, open, "offers", "add", "fr-5gb-30d", "missing", "P1Y2Z3", "9.80")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	const key = "f53ac685bbceebd75043e6be2e06ee07"

	out, err := execute(t, memoryOpener(t), "token", "--key", key, "--subject", "ops")
	require.NoError(t, err)

	raw, err := (&config.Config{AuthTokenKey: key}).TokenKey()
	require.NoError(t, err)
	at, err := auth.NewAuthToken(raw)
	require.NoError(t, err)

	payload, err := at.VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", payload.Subject)

	_, err = execute(t, memoryOpener(t), "token", "--key", "nothex")
	assert.Error(t, err)
}

func TestUsageCommand_UnknownOrder(t *testing.T) {
	_, err := execute(t, memoryOpener(t), "usage", "missing")
	assert.Error(t, err)
}
