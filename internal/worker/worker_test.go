package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

type resumer struct {
	calls atomic.Int32
	err   error
}

func (r *resumer) ResumeStranded(context.Context) (int, error) {
	r.calls.Inc()
	return 1, r.err
}

type syncer struct {
	calls atomic.Int32
}

func (s *syncer) SyncDue(context.Context) (map[string]int, error) {
	s.calls.Inc()
	return map[string]int{"p1": 2}, errors.New("p2: timeout")
}

type pruner struct {
	calls atomic.Int32
}

func (p *pruner) Prune() { p.calls.Inc() }

// runFor runs fn until it returns or d elapses
func runFor(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
	wg.Wait()
}

func TestOrderProcessor_ProcessOrders(t *testing.T) {
	svc := &resumer{err: errors.New("db down")}
	runFor(60*time.Millisecond, NewOrderProcessor(svc, 10*time.Millisecond).ProcessOrders)

	// one immediate run plus at least a tick, errors do not stop the loop
	assert.GreaterOrEqual(t, svc.calls.Load(), int32(2))
}

func TestOrderProcessor_StopsOnCancel(t *testing.T) {
	svc := &resumer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewOrderProcessor(svc, time.Hour).ProcessOrders(ctx)
	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestPackageSyncer_SyncPackages(t *testing.T) {
	svc := &syncer{}
	runFor(60*time.Millisecond, NewPackageSyncer(svc, 10*time.Millisecond).SyncPackages)
	assert.GreaterOrEqual(t, svc.calls.Load(), int32(1))
}

func TestPrune(t *testing.T) {
	p := &pruner{}
	runFor(60*time.Millisecond, func(ctx context.Context) { Prune(ctx, p, 10*time.Millisecond) })
	assert.GreaterOrEqual(t, p.calls.Load(), int32(1))
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, DefaultResumeInterval, NewOrderProcessor(&resumer{}, 0).interval)
	assert.Equal(t, DefaultSyncCheck, NewPackageSyncer(&syncer{}, -1).interval)
}
