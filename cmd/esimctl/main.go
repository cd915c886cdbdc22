package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/rookgm/esimhub/config"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/rookgm/esimhub/internal/provider/builtin"
	"github.com/rookgm/esimhub/internal/repository"
	"github.com/rookgm/esimhub/internal/repository/postgres"
	"github.com/rookgm/esimhub/internal/service"
	"github.com/spf13/cobra"
)

var Version = "dev"

type options struct {
	DatabaseDSN  string        `env:"DATABASE_URI"`
	SecretsFile  string        `env:"SECRETS_FILE"`
	AuthTokenKey string        `env:"AUTH_TOKEN_KEY"`
	CallTimeout  time.Duration `env:"PROVIDER_CALL_TIMEOUT" envDefault:"15s"`
}

// backend is what commands operate on
type backend struct {
	orders    service.OrderRepository
	providers service.ProviderRepository
	offers    service.OfferRepository
	registry  *provider.Registry
	secrets   *config.Secrets
	close     func()
}

type opener func(ctx context.Context, opts *options) (*backend, error)

func openPostgres(ctx context.Context, opts *options) (*backend, error) {
	if opts.DatabaseDSN == "" {
		return nil, errors.New("database DSN is required (--dsn or DATABASE_URI)")
	}

	secrets, err := config.LoadSecrets(opts.SecretsFile)
	if err != nil {
		return nil, err
	}
	registry := provider.NewRegistry(secrets)
	if err := builtin.Register(registry); err != nil {
		return nil, err
	}

	db, err := postgres.New(ctx, opts.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return &backend{
		orders:    repository.NewOrderRepository(db),
		providers: repository.NewProviderRepository(db),
		offers:    repository.NewOfferRepository(db),
		registry:  registry,
		secrets:   secrets,
		close:     func() { db.Close() },
	}, nil
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	opts := &options{}
	// environment gives the flag defaults
	_ = env.Parse(opts)

	rootCmd := &cobra.Command{
		Use:           "esimctl",
		Short:         "esimctl - operator tool for the esimhub fulfillment core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.DatabaseDSN, "dsn", opts.DatabaseDSN, "database DSN")
	pf.StringVar(&opts.SecretsFile, "secrets", opts.SecretsFile, "provider secrets file")
	pf.DurationVar(&opts.CallTimeout, "timeout", opts.CallTimeout, "timeout of a single provider call")

	// with runs fn against an opened backend
	with := func(fn func(ctx context.Context, b *backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.close()
			return fn(cmd.Context(), b, args)
		}
	}

	// Add subcommands
	rootCmd.AddCommand(migrateCmd(opts))
	rootCmd.AddCommand(providersCmd(opts, with))
	rootCmd.AddCommand(offersCmd(with))
	rootCmd.AddCommand(healthCmd(opts, with))
	rootCmd.AddCommand(syncCmd(opts, with))
	rootCmd.AddCommand(usageCmd(opts, with))
	rootCmd.AddCommand(tokenCmd(opts))

	return rootCmd
}

type runner = func(fn func(ctx context.Context, b *backend, args []string) error) func(*cobra.Command, []string) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := newRootCmd(openPostgres, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
