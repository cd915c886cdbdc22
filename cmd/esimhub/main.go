package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rookgm/esimhub/config"
	"github.com/rookgm/esimhub/internal/auth"
	handler "github.com/rookgm/esimhub/internal/handler/http"
	"github.com/rookgm/esimhub/internal/logger"
	"github.com/rookgm/esimhub/internal/middleware"
	"github.com/rookgm/esimhub/internal/notify"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/rookgm/esimhub/internal/provider/builtin"
	"github.com/rookgm/esimhub/internal/repository"
	"github.com/rookgm/esimhub/internal/repository/postgres"
	"github.com/rookgm/esimhub/internal/service"
	"github.com/rookgm/esimhub/internal/worker"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type stores struct {
	orders    service.OrderRepository
	providers service.ProviderRepository
	offers    service.OfferRepository
	events    service.WebhookEventRepository
	close     func()
}

// openStores connects to postgres, or keeps everything in memory when dsn is empty
func openStores(ctx context.Context, dsn string) (*stores, error) {
	if dsn == "" {
		mem := repository.NewMemoryStore()
		return &stores{orders: mem, providers: mem, offers: mem, events: mem, close: func() {}}, nil
	}

	db, err := postgres.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	// migrate database
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return &stores{
		orders:    repository.NewOrderRepository(db),
		providers: repository.NewProviderRepository(db),
		offers:    repository.NewOfferRepository(db),
		events:    repository.NewWebhookEventRepository(db),
		close:     func() { db.Close() },
	}, nil
}

func main() {

	// create new config
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
	defer logger.Log.Sync()

	// create context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// initialize storage
	st, err := openStores(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Log.Fatal("Error initializing database", zap.Error(err))
	}
	defer st.close()
	if cfg.DatabaseDSN == "" {
		logger.Log.Warn("DATABASE_URI is not set, state is kept in memory")
	}

	// provider registry
	secrets, err := config.LoadSecrets(cfg.SecretsFile)
	if err != nil {
		logger.Log.Fatal("Error loading secrets", zap.Error(err))
	}
	registry := provider.NewRegistry(secrets)
	if err := builtin.Register(registry); err != nil {
		logger.Log.Fatal("Error registering providers", zap.Error(err))
	}
	records, err := st.providers.ListProviders(ctx)
	if err != nil {
		logger.Log.Fatal("Error loading providers", zap.Error(err))
	}
	if err := registry.Validate(records); err != nil {
		logger.Log.Fatal("Error validating providers", zap.Error(err))
	}

	// notifications
	var notifier service.Notifier = notify.Nop{}
	if cfg.RedisAddr != "" {
		rn, err := notify.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, notify.DefaultChannel)
		if err != nil {
			logger.Log.Fatal("Error connecting to redis", zap.Error(err))
		}
		defer rn.Close()
		notifier = rn
	}

	// dependency injection
	locker := service.NewOrderLocker()

	// order
	orderService := service.NewOrderService(st.orders, st.providers, st.offers, registry, notifier, locker, service.FulfillmentConfig{
		CallTimeout:       cfg.CallTimeout,
		PollInterval:      cfg.PollInterval,
		PollAttempts:      cfg.PollAttempts,
		ResumeConcurrency: service.DefaultFulfillmentConfig().ResumeConcurrency,
	})
	orderHandler := handler.NewOrderHandler(orderService)

	// webhook
	webhookService := service.NewWebhookService(st.providers, st.orders, st.events, registry, notifier, locker, cfg.WebhookQueueSize, cfg.CallTimeout)
	webhookHandler := handler.NewWebhookHandler(webhookService)

	// admin
	refundService := service.NewRefundService(st.orders, st.providers, registry, notifier, locker, cfg.CallTimeout)
	esimService := service.NewESIMService(st.orders, st.providers, registry, cfg.CallTimeout)
	providerService := service.NewProviderService(st.providers, registry, secrets, cfg.CallTimeout)
	adminHandler := handler.NewAdminHandler(orderService, refundService, esimService, providerService)

	syncService := service.NewSyncService(st.providers, st.offers, registry, cfg.CallTimeout)
	throttle := middleware.NewIPThrottle(cfg.WebhookRateRPS, cfg.WebhookRateBurst, worker.DefaultPruneInterval)

	router := chi.NewRouter()

	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.Logging(logger.Log))

	router.Post("/api/orders", orderHandler.PurchaseOrder())
	router.Get("/api/orders/{id}", orderHandler.GetOrder())
	router.With(throttle.Handler).Post("/api/webhooks/{providerID}", webhookHandler.ReceiveWebhook())

	// routes that require authentication
	if cfg.AuthTokenKey != "" {
		tokenKey, err := cfg.TokenKey()
		if err != nil {
			logger.Log.Fatal("Error extracting token key", zap.Error(err))
		}
		token, err := auth.NewAuthToken(tokenKey)
		if err != nil {
			logger.Log.Fatal("Error creating token verifier", zap.Error(err))
		}

		router.Group(func(group chi.Router) {
			group.Use(middleware.Auth(token))
			group.Get("/api/admin/orders/{id}", adminHandler.GetOrder())
			group.Post("/api/admin/orders/{id}/refund", adminHandler.RefundOrder())
			group.Post("/api/admin/orders/{id}/cancel", adminHandler.CancelOrder())
			group.Get("/api/admin/orders/{id}/usage", adminHandler.GetUsage())
			group.Post("/api/admin/orders/{id}/topup", adminHandler.TopUp())
			group.Get("/api/admin/providers", adminHandler.ListProviders())
			group.Get("/api/admin/providers/health", adminHandler.ProvidersHealth())
			group.Post("/api/admin/providers/{id}/enable", adminHandler.SetProviderEnabled(true))
			group.Post("/api/admin/providers/{id}/disable", adminHandler.SetProviderEnabled(false))
			group.Post("/api/admin/providers/{id}/rotate", adminHandler.RotateCredentials())
		})
	} else {
		logger.Log.Warn("AUTH_TOKEN_KEY is not set, admin API is disabled")
	}

	// background workers
	var wg sync.WaitGroup
	run := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	// queued webhooks are still applied after the signal, until the queue drains
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	wg.Add(1)
	go func() {
		defer wg.Done()
		webhookService.Run(drainCtx)
	}()
	run(worker.NewOrderProcessor(orderService, cfg.ResumeInterval).ProcessOrders)
	run(worker.NewPackageSyncer(syncService, worker.DefaultSyncCheck).SyncPackages)
	run(func(ctx context.Context) { worker.Prune(ctx, throttle, worker.DefaultPruneInterval) })

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Error shutting down server", zap.Error(err))
		}
		webhookService.Close()
		time.AfterFunc(shutdownTimeout, cancelDrain)
	}()

	logger.Log.Info("Running server", zap.String("addr", cfg.ServerAddr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal("Error starting server", zap.Error(err))
	}

	wg.Wait()
	logger.Log.Info("Server stopped")
}
