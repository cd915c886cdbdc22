package worker

import (
	"context"
	"time"

	"github.com/rookgm/esimhub/internal/logger"
	"go.uber.org/zap"
)

const (
	DefaultResumeInterval = 30 * time.Second
	DefaultSyncCheck      = 10 * time.Minute
	DefaultPruneInterval  = 5 * time.Minute
)

type OrderService interface {
	ResumeStranded(ctx context.Context) (int, error)
}

type SyncService interface {
	SyncDue(ctx context.Context) (map[string]int, error)
}

type Pruner interface {
	Prune()
}

// OrderProcessor is worker resumes orders interrupted before reaching a terminal status
type OrderProcessor struct {
	svc      OrderService
	interval time.Duration
}

// NewOrderProcessor create new order processor
func NewOrderProcessor(svc OrderService, interval time.Duration) *OrderProcessor {
	if interval <= 0 {
		interval = DefaultResumeInterval
	}
	return &OrderProcessor{svc: svc, interval: interval}
}

// ProcessOrders resumes stranded orders once at start and then on every tick
func (op *OrderProcessor) ProcessOrders(ctx context.Context) {
	op.resume(ctx)

	ticker := time.NewTicker(op.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Debug("order processor is done")
			return
		case <-ticker.C:
			op.resume(ctx)
		}
	}
}

func (op *OrderProcessor) resume(ctx context.Context) {
	n, err := op.svc.ResumeStranded(ctx)
	if err != nil {
		logger.Log.Error("error resume stranded orders", zap.Error(err))
	}
	if n > 0 {
		logger.Log.Info("resumed stranded orders", zap.Int("count", n))
	}
}

// PackageSyncer refreshes provider catalogs whose sync interval has elapsed
type PackageSyncer struct {
	svc      SyncService
	interval time.Duration
}

func NewPackageSyncer(svc SyncService, interval time.Duration) *PackageSyncer {
	if interval <= 0 {
		interval = DefaultSyncCheck
	}
	return &PackageSyncer{svc: svc, interval: interval}
}

// SyncPackages runs until ctx is done
func (ps *PackageSyncer) SyncPackages(ctx context.Context) {
	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Debug("package syncer is done")
			return
		case <-ticker.C:
			synced, err := ps.svc.SyncDue(ctx)
			if err != nil {
				logger.Log.Error("error sync provider packages", zap.Error(err))
			}
			for id, n := range synced {
				logger.Log.Info("synced provider packages", zap.String("provider_id", id), zap.Int("count", n))
			}
		}
	}
}

// Prune periodically drops idle entries of p
func Prune(ctx context.Context, p Pruner, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}
