package domain

import "time"

// PropagationAction identifies the membership mutation a reconciliation
// record replays against a secondary provider.
type PropagationAction string

const (
	ActionAddMember    PropagationAction = "add_member"
	ActionRemoveMember PropagationAction = "remove_member"
)

// RecordStatus is the lifecycle state of a reconciliation record. A claimed
// record is still active; the lease fields express the claim.
type RecordStatus string

const (
	RecordActive       RecordStatus = "active"
	RecordDeadLettered RecordStatus = "dlq"
)

// PropagationPayload captures the operation a record retries. The
// correlation id links the record back to the originating request.
type PropagationPayload struct {
	Action        PropagationAction `json:"action"`
	MemberEmail   string            `json:"member_email"`
	CorrelationID string            `json:"correlation_id"`
}

// FailedPropagation is one membership change that could not be applied to a
// secondary provider and awaits asynchronous retry. The store assigns ID,
// timestamps, and the first retry window on save; workers mutate attempts
// and claims; the record leaves the active set through MarkSuccess or
// MarkPermanentFailure, never silently.
type FailedPropagation struct {
	ID             string
	GroupID        string
	Provider       string
	Payload        PropagationPayload
	OpStatus       OpStatus // classification of the failure that created the record
	Status         RecordStatus
	Attempts       int
	LastError      string
	ErrorHistory   []string
	ClaimWorker    string
	ClaimExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	NextRetryAt    time.Time
}

// NewFailedPropagation builds an unsaved record for a retryable secondary
// failure. ID, timestamps, and backoff are assigned by the store on save.
func NewFailedPropagation(group, provider string, payload PropagationPayload, classification OpStatus, errMsg string) FailedPropagation {
	return FailedPropagation{
		GroupID:      group,
		Provider:     provider,
		Payload:      payload,
		OpStatus:     classification,
		Status:       RecordActive,
		LastError:    errMsg,
		ErrorHistory: []string{errMsg},
	}
}

// Leased reports whether the record carries an unexpired claim at the given
// instant. An expired lease is treated as no claim at all; lapsing is the
// sole crash-recovery mechanism for dead workers.
func (f FailedPropagation) Leased(now time.Time) bool {
	return f.ClaimWorker != "" && f.ClaimExpiresAt.After(now)
}

// Reference backoff schedule: 60s, 120s, 240s, ... capped at one hour.
const (
	DefaultRetryBase = 60 * time.Second
	DefaultRetryCap  = time.Hour
)

// DefaultMaxAttempts is the retry budget before a record is dead-lettered.
const DefaultMaxAttempts = 8

// DefaultRecordTTL bounds how long resolved-or-dead records are physically
// retained before PurgeExpired may drop them.
const DefaultRecordTTL = 30 * 24 * time.Hour

// NextRetryDelay computes min(base * 2^attempts, limit), the wait before a
// record that has failed `attempts` times becomes due again. Non-positive
// base or limit fall back to the reference values.
func NextRetryDelay(attempts int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if limit <= 0 {
		limit = DefaultRetryCap
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
