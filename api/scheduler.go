/*
scheduler.go - Background maintenance scheduler

PURPOSE:
  Runs the periodic jobs that keep derived state in line with the source
  of truth and keep the store from growing without bound.

JOBS:
  Reconcile (every ReconcileInterval, default 1 hour):
    - counter.ReconcileAll: recompute every counter total from its shards

  Cleanup (every CleanupInterval, default 15 minutes):
    - ratelimit.Cleanup: delete expired buckets idle for BucketIdle
    - ledger.Cleanup: delete terminal operation records older than Retention
    - ratelimit.CleanupUsage: delete request logs older than UsageRetention
    - cache purge: drop expired entries from the advisory caches

DESIGN:
  - One background goroutine, two tickers
  - Both jobs run immediately on start
  - A failing job is logged and retried on the next tick
  - Stop cancels the context of a job that is still running

USAGE:
  scheduler := NewMaintenanceScheduler(ledger, counters, limiter)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - counter/reconcile.go: ReconcileAll
  - ratelimit/admin.go: Cleanup
  - ratelimit/usage.go: CleanupUsage
  - ledger/ledger.go: Cleanup
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/txcore/counter"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/ledger"
	"github.com/warp/txcore/ratelimit"
)

// Purger is an advisory cache that can drop its expired entries.
type Purger interface {
	Purge() int
}

// MaintenanceReport is the outcome of one run of both jobs.
type MaintenanceReport struct {
	Counters       counter.ReconcileReport `json:"counters"`
	BucketsRemoved int                     `json:"buckets_removed"`
	OpsRemoved     int                     `json:"operations_removed"`
	UsageRemoved   int                     `json:"usage_removed"`
	CacheEvicted   int                     `json:"cache_evicted"`
}

// MaintenanceScheduler handles periodic reconciliation and cleanup.
type MaintenanceScheduler struct {
	Ledger   *ledger.Ledger
	Counters *counter.Counter
	Limiter  *ratelimit.Limiter
	Caches   []Purger

	ReconcileInterval time.Duration
	CleanupInterval   time.Duration
	Retention         time.Duration
	BucketIdle        time.Duration
	UsageRetention    time.Duration
	Enabled           bool

	Clock  generic.Clock
	Logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	running bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewMaintenanceScheduler creates a new scheduler with default intervals.
func NewMaintenanceScheduler(ops *ledger.Ledger, counters *counter.Counter, limiter *ratelimit.Limiter, caches ...Purger) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Ledger:            ops,
		Counters:          counters,
		Limiter:           limiter,
		Caches:            caches,
		ReconcileInterval: time.Hour,
		CleanupInterval:   15 * time.Minute,
		Retention:         30 * 24 * time.Hour,
		BucketIdle:        24 * time.Hour,
		UsageRetention:    ratelimit.DefaultUsageRetention,
		Enabled:           true,
		Clock:             generic.SystemClock(),
		Logger:            slog.Default(),
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	log := ms.Logger.With(slog.String("component", "scheduler"))
	if !ms.Enabled {
		log.Info("disabled, not starting")
		return
	}
	if ms.running {
		return
	}

	ms.ctx, ms.cancel = context.WithCancel(context.Background())
	ms.stop = make(chan struct{})
	ms.running = true
	ms.wg.Add(1)

	go ms.run(ms.ctx, ms.stop)

	log.Info("started",
		slog.Duration("reconcile_interval", ms.ReconcileInterval),
		slog.Duration("cleanup_interval", ms.CleanupInterval))
}

// Stop stops the scheduler and waits for a running job to return.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.running {
		return
	}
	ms.cancel()
	close(ms.stop)
	ms.wg.Wait()
	ms.running = false
	ms.Logger.Info("stopped", slog.String("component", "scheduler"))
}

func (ms *MaintenanceScheduler) run(ctx context.Context, stop <-chan struct{}) {
	defer ms.wg.Done()

	reconcile := time.NewTicker(ms.ReconcileInterval)
	defer reconcile.Stop()
	cleanup := time.NewTicker(ms.CleanupInterval)
	defer cleanup.Stop()

	// Run immediately on start
	ms.reconcile(ctx)
	ms.cleanup(ctx)

	for {
		select {
		case <-reconcile.C:
			ms.reconcile(ctx)
		case <-cleanup.C:
			ms.cleanup(ctx)
		case <-stop:
			return
		}
	}
}

func (ms *MaintenanceScheduler) reconcile(ctx context.Context) counter.ReconcileReport {
	if ms.Counters == nil {
		return counter.ReconcileReport{}
	}
	report, err := ms.Counters.ReconcileAll(ctx, "")
	if err != nil {
		ms.Logger.ErrorContext(ctx, "counter reconciliation aborted",
			slog.String("component", "scheduler"), slog.Any("error", err))
	}
	return report
}

// cleanup fills the removal counts of a MaintenanceReport.
func (ms *MaintenanceScheduler) cleanup(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport
	log := ms.Logger.With(slog.String("component", "scheduler"))
	now := ms.Clock.Now()

	if ms.Limiter != nil {
		n, err := ms.Limiter.Cleanup(ctx, now.Add(-ms.BucketIdle))
		if err != nil {
			log.ErrorContext(ctx, "rate limit bucket cleanup failed", slog.Any("error", err))
		}
		report.BucketsRemoved = n

		if ms.UsageRetention > 0 {
			n, err := ms.Limiter.CleanupUsage(ctx, now.Add(-ms.UsageRetention))
			if err != nil {
				log.ErrorContext(ctx, "request log cleanup failed", slog.Any("error", err))
			}
			report.UsageRemoved = n
		}
	}

	if ms.Ledger != nil && ms.Retention > 0 {
		n, err := ms.Ledger.Cleanup(ctx, now.Add(-ms.Retention))
		if err != nil {
			log.ErrorContext(ctx, "operation retention cleanup failed", slog.Any("error", err))
		}
		report.OpsRemoved = n
	}

	for _, c := range ms.Caches {
		report.CacheEvicted += c.Purge()
	}

	if report.BucketsRemoved > 0 || report.OpsRemoved > 0 || report.UsageRemoved > 0 || report.CacheEvicted > 0 {
		log.InfoContext(ctx, "cleanup completed",
			slog.Int("buckets_removed", report.BucketsRemoved),
			slog.Int("operations_removed", report.OpsRemoved),
			slog.Int("usage_removed", report.UsageRemoved),
			slog.Int("cache_evicted", report.CacheEvicted))
	}
	return report
}

// RunNow runs both jobs synchronously (for testing/admin).
func (ms *MaintenanceScheduler) RunNow(ctx context.Context) MaintenanceReport {
	counters := ms.reconcile(ctx)
	report := ms.cleanup(ctx)
	report.Counters = counters
	return report
}

// NextReconcileTime returns when the next scheduled reconciliation will occur.
func (ms *MaintenanceScheduler) NextReconcileTime() time.Time {
	return ms.Clock.Now().Add(ms.ReconcileInterval)
}
