package river

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// EventWorker processes membership event jobs from the River queue.
// For now it logs the event; future versions will dispatch to webhooks
// or notification systems.
type EventWorker struct {
	river.WorkerDefaults[MembershipEventArgs]
}

// Work processes a single event job.
func (w *EventWorker) Work(ctx context.Context, job *river.Job[MembershipEventArgs]) error {
	slog.InfoContext(ctx, "processing membership event",
		"event", job.Args.Event,
		"group_id", job.Args.GroupID,
		"provider", job.Args.Provider,
		"correlation_id", job.Args.CorrelationID,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	return nil
}

// RetentionSweepArgs marks the periodic sweep that drops reconciliation
// records past their retention window.
type RetentionSweepArgs struct{}

func (RetentionSweepArgs) Kind() string { return "reconciliation.retention_sweep" }

// RetentionSweepWorker purges expired reconciliation records.
type RetentionSweepWorker struct {
	river.WorkerDefaults[RetentionSweepArgs]
	store domain.ReconciliationStore
}

// NewRetentionSweepWorker creates a sweep worker over the given store.
func NewRetentionSweepWorker(store domain.ReconciliationStore) *RetentionSweepWorker {
	return &RetentionSweepWorker{store: store}
}

func (w *RetentionSweepWorker) Work(ctx context.Context, job *river.Job[RetentionSweepArgs]) error {
	n, err := w.store.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purging expired records: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired reconciliation records purged",
			"count", n, "job_id", job.ID)
	}
	return nil
}

// CacheSweepArgs marks the periodic sweep of the idempotency cache.
type CacheSweepArgs struct{}

func (CacheSweepArgs) Kind() string { return "idempotency.cache_sweep" }

// CacheSweepWorker evicts expired idempotency entries so the cache does
// not grow without bound between reads.
type CacheSweepWorker struct {
	river.WorkerDefaults[CacheSweepArgs]
	cache domain.ResponseCache
}

// NewCacheSweepWorker creates a sweep worker over the given cache.
func NewCacheSweepWorker(cache domain.ResponseCache) *CacheSweepWorker {
	return &CacheSweepWorker{cache: cache}
}

func (w *CacheSweepWorker) Work(ctx context.Context, job *river.Job[CacheSweepArgs]) error {
	if n := w.cache.CleanupExpired(); n > 0 {
		slog.InfoContext(ctx, "expired idempotency entries swept",
			"count", n, "job_id", job.ID)
	}
	return nil
}
