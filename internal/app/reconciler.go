package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// ReconcilerConfig tunes the retry loop. Zero values pick defaults.
type ReconcilerConfig struct {
	// WorkerID names this worker on claims. Defaults to hostname-pid.
	WorkerID string
	// Lease bounds how long a claimed record stays invisible to other
	// workers. Must comfortably exceed one provider call.
	Lease time.Duration
	// Batch caps how many due records one cycle processes.
	Batch int
	// Interval is the polling period for Run.
	Interval time.Duration
}

const (
	defaultLease    = 5 * time.Minute
	defaultBatch    = 25
	defaultInterval = 30 * time.Second
)

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.WorkerID == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.Batch <= 0 {
		c.Batch = defaultBatch
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	return c
}

// Reconciler drains the reconciliation queue: it claims due records,
// replays their propagation against the owning provider, and settles each
// record by outcome. Any number of reconcilers may share one store; the
// claim write keeps them from colliding.
type Reconciler struct {
	registry  *Registry
	store     domain.ReconciliationStore
	publisher domain.EventPublisher
	cfg       ReconcilerConfig
}

func NewReconciler(registry *Registry, store domain.ReconciliationStore, publisher domain.EventPublisher, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		registry:  registry,
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
	}
}

// Run polls the store until ctx is cancelled. Cycle errors are logged,
// not fatal; the next tick gets a fresh chance.
func (r *Reconciler) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "reconciler started",
		"worker_id", r.cfg.WorkerID, "interval", r.cfg.Interval, "batch", r.cfg.Batch)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "reconciler stopped", "worker_id", r.cfg.WorkerID)
			return nil
		case <-ticker.C:
			if _, err := r.RunCycle(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciliation cycle failed", "error", err)
			}
		}
	}
}

// RunCycle processes one batch of due records and reports how many this
// worker actually claimed and settled.
func (r *Reconciler) RunCycle(ctx context.Context) (int, error) {
	due, err := r.store.FetchDue(ctx, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("fetching due records: %w", err)
	}

	processed := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		claimed, err := r.store.Claim(ctx, rec.ID, r.cfg.WorkerID, r.cfg.Lease)
		if err != nil {
			slog.ErrorContext(ctx, "claiming record", "record_id", rec.ID, "error", err)
			continue
		}
		if !claimed {
			// Another worker got there first.
			continue
		}

		if err := r.process(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "settling record", "record_id", rec.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// process replays one claimed record and settles it by the outcome.
func (r *Reconciler) process(ctx context.Context, rec domain.FailedPropagation) error {
	target, err := r.registry.Provider(rec.Provider)
	if err != nil {
		// The provider may come back on the next config reload, so this
		// burns an attempt instead of dead-lettering outright.
		return r.recordFailure(ctx, rec, fmt.Sprintf("provider %q not active", rec.Provider))
	}

	res := applyAction(ctx, target.Provider, rec.Payload.Action, rec.GroupID, rec.Payload.MemberEmail)

	switch {
	case res.Ok():
		if err := r.store.MarkSuccess(ctx, rec.ID); err != nil {
			return fmt.Errorf("resolving record: %w", err)
		}
		slog.InfoContext(ctx, "propagation reconciled",
			"record_id", rec.ID, "group", rec.GroupID, "provider", rec.Provider,
			"attempts", rec.Attempts+1)
		return nil

	case res.Retryable():
		return r.recordFailure(ctx, rec, res.Message)

	default:
		// The provider gave an authoritative no; retrying cannot help.
		if err := r.store.MarkPermanentFailure(ctx, rec.ID, res.Message); err != nil {
			return fmt.Errorf("dead-lettering record: %w", err)
		}
		slog.WarnContext(ctx, "propagation dead-lettered",
			"record_id", rec.ID, "group", rec.GroupID, "provider", rec.Provider,
			"status", res.Status, "error", res.Message)
		r.publishDeadLetter(ctx, rec)
		return nil
	}
}

// recordFailure books a failed retry and reports a dead-letter event if
// that failure exhausted the attempt budget.
func (r *Reconciler) recordFailure(ctx context.Context, rec domain.FailedPropagation, errMsg string) error {
	if err := r.store.IncrementAttempt(ctx, rec.ID, errMsg); err != nil {
		return fmt.Errorf("recording failed attempt: %w", err)
	}

	after, err := r.store.Get(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("reloading record: %w", err)
	}
	if after.Status == domain.RecordDeadLettered {
		slog.WarnContext(ctx, "propagation dead-lettered",
			"record_id", rec.ID, "group", rec.GroupID, "provider", rec.Provider,
			"attempts", after.Attempts, "error", errMsg)
		r.publishDeadLetter(ctx, rec)
		return nil
	}

	slog.InfoContext(ctx, "propagation retry failed",
		"record_id", rec.ID, "group", rec.GroupID, "provider", rec.Provider,
		"attempts", after.Attempts, "next_retry_at", after.NextRetryAt, "error", errMsg)
	return nil
}

func (r *Reconciler) publishDeadLetter(ctx context.Context, rec domain.FailedPropagation) {
	event := domain.MembershipEvent{
		Type:          domain.EventPropagationDeadLettered,
		GroupID:       rec.GroupID,
		MemberEmail:   rec.Payload.MemberEmail,
		Provider:      rec.Provider,
		CorrelationID: rec.Payload.CorrelationID,
		RecordID:      rec.ID,
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.ErrorContext(ctx, "publishing dead-letter event",
			"record_id", rec.ID, "error", err)
	}
}

// Purge removes reconciliation records past their retention window.
// Exposed for the periodic sweep job.
func (r *Reconciler) Purge(ctx context.Context) (int, error) {
	n, err := r.store.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("purging expired records: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired reconciliation records purged", "count", n)
	}
	return n, nil
}
