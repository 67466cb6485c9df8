package domain

import (
	"context"
	"time"
)

// ReconciliationStore is the durable queue of failed propagations. Multiple
// worker processes may poll one store concurrently; exclusivity is enforced
// only by Claim, so FetchDue is allowed to return stale or duplicate
// candidates under races.
type ReconciliationStore interface {
	// Save persists a new record, assigning its id, timestamps, zero
	// attempts, and the first retry window. Returns the assigned id.
	Save(ctx context.Context, rec FailedPropagation) (string, error)

	// FetchDue returns up to limit active records whose backoff window has
	// elapsed and whose claim, if any, has expired.
	FetchDue(ctx context.Context, limit int) ([]FailedPropagation, error)

	// Claim atomically leases a record to a worker. It succeeds only when
	// the record is unclaimed or the prior lease has expired; this
	// conditional write is the sole mechanism preventing two workers from
	// retrying the same record.
	Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)

	// MarkSuccess deletes a resolved record from the active set.
	MarkSuccess(ctx context.Context, id string) error

	// IncrementAttempt records a failed retry: attempts advances, the error
	// joins the history, the claim is released, and the next retry window
	// is recomputed. At the attempt cap the record is dead-lettered instead.
	IncrementAttempt(ctx context.Context, id, errMsg string) error

	// MarkPermanentFailure moves the record, with its full error history,
	// into the dead-letter set.
	MarkPermanentFailure(ctx context.Context, id, errMsg string) error

	// Get returns a record from the active or dead-letter set.
	Get(ctx context.Context, id string) (FailedPropagation, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter RecordFilter) ([]FailedPropagation, error)

	// Requeue moves a dead-lettered record back to the active set with
	// attempts reset, giving operators an escape hatch after fixing the
	// underlying fault.
	Requeue(ctx context.Context, id string) error

	// PurgeExpired physically removes records past their retention window.
	// Hygiene only; correctness never depends on it.
	PurgeExpired(ctx context.Context) (int, error)
}

// RecordFilter holds optional criteria for listing reconciliation records.
type RecordFilter struct {
	Status *RecordStatus
	Limit  int
}

// ResponseCache replays prior successful responses so a logical operation
// is safe to retry by caller-chosen key. Only successful responses are
// cached; failures stay retryable.
type ResponseCache interface {
	CacheResponse(key string, resp MembershipResponse, ttl time.Duration)

	// GetCachedResponse returns the stored response for key. A read past
	// expiry reports a miss and evicts the entry.
	GetCachedResponse(key string) (MembershipResponse, bool)

	// CleanupExpired sweeps expired entries and returns how many were
	// removed. Memory hygiene only; GetCachedResponse already treats
	// expired entries as absent.
	CleanupExpired() int

	Stats() CacheStats
}

// CacheStats is a point-in-time census of cache entries.
type CacheStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// EventPublisher emits membership events for asynchronous consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event MembershipEvent) error
}
