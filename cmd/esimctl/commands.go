package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rookgm/esimhub/config"
	"github.com/rookgm/esimhub/internal/auth"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/repository/postgres"
	"github.com/rookgm/esimhub/internal/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DatabaseDSN == "" {
				return errors.New("database DSN is required (--dsn or DATABASE_URI)")
			}
			db, err := postgres.New(cmd.Context(), opts.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			cmd.Println("database is up to date")
			return nil
		},
	}
}

func providerService(opts *options, b *backend) *service.ProviderService {
	return service.NewProviderService(b.providers, b.registry, b.secrets, opts.CallTimeout)
}

func providersCmd(opts *options, with runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage provider records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List provider records",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, b *backend, args []string) error {
			providers, err := b.providers.ListProviders(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSLUG\tNAME\tENABLED\tMARGIN\tRANK\tSECRET")
			for _, p := range providers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
					p.ID, p.Slug, p.Name, p.Enabled, p.PricingMargin.String(), p.PreferenceRank, p.SecretRef)
			}
			return tw.Flush()
		}),
	}

	var (
		p        models.Provider
		margin   string
		disabled bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a provider record for a registered integration",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, b *backend, args []string) error {
			m, err := decimal.NewFromString(margin)
			if err != nil {
				return fmt.Errorf("invalid margin %q: %w", margin, err)
			}
			rec := p
			rec.PricingMargin = m
			rec.Enabled = !disabled
			if rec.Name == "" {
				rec.Name = string(rec.Slug)
			}

			created, err := providerService(opts, b).CreateProvider(ctx, &rec)
			if err != nil {
				return err
			}
			cmd.Println(created.ID)
			return nil
		}),
	}
	add.Flags().StringVar((*string)(&p.Slug), "slug", "", "integration slug")
	add.Flags().StringVar(&p.Name, "name", "", "display name")
	add.Flags().StringVar(&margin, "margin", "0", "pricing margin in percent")
	add.Flags().IntVar(&p.PreferenceRank, "rank", 0, "preference rank, lower is tried first")
	add.Flags().StringVar(&p.WebhookSecret, "webhook-secret", "", "webhook signing secret")
	add.Flags().StringVar(&p.SecretRef, "secret-ref", "", "name of the credentials secret")
	add.Flags().StringVar(&p.BaseURL, "base-url", "", "API base URL override")
	add.Flags().DurationVar(&p.SyncInterval, "sync-interval", service.DefaultSyncInterval, "package sync interval")
	add.Flags().BoolVar(&disabled, "disabled", false, "create disabled")
	_ = add.MarkFlagRequired("slug")

	setEnabled := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [provider-id]",
			Short: fmt.Sprintf("%s a provider for new orders", use),
			Args:  cobra.ExactArgs(1),
			RunE: with(func(ctx context.Context, b *backend, args []string) error {
				return providerService(opts, b).SetEnabled(ctx, args[0], enabled)
			}),
		}
	}

	cmd.AddCommand(list, add, setEnabled("enable", true), setEnabled("disable", false))
	return cmd
}

func offersCmd(with runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Manage package offers",
	}

	var currency string
	add := &cobra.Command{
		Use:   "add [package-id] [provider-id] [provider-package-id] [wholesale-price]",
		Short: "Offer a catalog package through a provider package",
		Args:  cobra.ExactArgs(4),
		RunE: with(func(ctx context.Context, b *backend, args []string) error {
			price, err := decimal.NewFromString(args[3])
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", args[3], err)
			}
			if _, err := b.providers.GetProviderByID(ctx, args[1]); err != nil {
				return fmt.Errorf("provider %s: %w", args[1], err)
			}
			return b.offers.SaveOffer(ctx, models.PackageOffer{
				PackageID:         args[0],
				ProviderID:        args[1],
				ProviderPackageID: args[2],
				WholesalePrice:    price,
				Currency:          currency,
			})
		}),
	}
	add.Flags().StringVar(&currency, "currency", "USD", "wholesale price currency")

	list := &cobra.Command{
		Use:   "list [package-id]",
		Short: "List the offers of a catalog package",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, b *backend, args []string) error {
			offers, err := b.offers.GetPackageOffers(ctx, args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tPROVIDER PACKAGE\tWHOLESALE\tCURRENCY")
			for _, o := range offers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ProviderID, o.ProviderPackageID, o.WholesalePrice.String(), o.Currency)
			}
			return tw.Flush()
		}),
	}

	cmd.AddCommand(add, list)
	return cmd
}

func healthCmd(opts *options, with runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every enabled provider",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = with(func(ctx context.Context, b *backend, args []string) error {
		health, err := providerService(opts, b).HealthCheck(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), health); err != nil {
			return err
		}
		for _, h := range health {
			if !h.Healthy {
				return fmt.Errorf("provider %s is unhealthy: %s", h.ProviderID, h.Error)
			}
		}
		return nil
	})
	return cmd
}

func syncCmd(opts *options, with runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [provider-id]",
		Short: "Download provider package catalogs, every enabled provider when no id is given",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = with(func(ctx context.Context, b *backend, args []string) error {
		svc := service.NewSyncService(b.providers, b.offers, b.registry, opts.CallTimeout)
		if len(args) == 1 {
			n, err := svc.SyncProvider(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s: %d packages\n", args[0], n)
			return nil
		}

		synced, err := svc.SyncAll(ctx)
		ids := make([]string, 0, len(synced))
		for id := range synced {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			cmd.Printf("%s: %d packages\n", id, synced[id])
		}
		return err
	})
	return cmd
}

func usageCmd(opts *options, with runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage [order-id]",
		Short: "Show data usage of the eSIM of an order",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = with(func(ctx context.Context, b *backend, args []string) error {
		usage, err := service.NewESIMService(b.orders, b.providers, b.registry, opts.CallTimeout).GetUsage(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), usage)
	})
	return cmd
}

func tokenCmd(opts *options) *cobra.Command {
	var (
		key     string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := (&config.Config{AuthTokenKey: key}).TokenKey()
			if err != nil {
				return err
			}
			at, err := auth.NewAuthToken(raw)
			if err != nil {
				return err
			}
			token, err := at.CreateToken(subject, ttl)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", opts.AuthTokenKey, "hex encoded token key, AUTH_TOKEN_KEY by default")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
