package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// Compile-time check: Store implements domain.ReconciliationStore.
var _ domain.ReconciliationStore = (*Store)(nil)

// StoreConfig tunes retry pacing and retention. Zero values fall back to
// the domain defaults.
type StoreConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	RecordTTL   time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = domain.DefaultRetryBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = domain.DefaultRetryCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = domain.DefaultMaxAttempts
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = domain.DefaultRecordTTL
	}
	return c
}

type entry struct {
	rec domain.FailedPropagation
	seq int
}

// Store is an in-memory ReconciliationStore. It keeps the exact semantics
// of the durable store, including claim exclusivity and dead-letter
// routing, so services and tests can run without a database file. Records
// do not survive a restart.
type Store struct {
	mu      sync.Mutex
	records map[string]*entry
	seq     int
	cfg     StoreConfig
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	return NewStoreWithClock(cfg, time.Now)
}

// NewStoreWithClock creates a store reading time from now.
func NewStoreWithClock(cfg StoreConfig, now func() time.Time) *Store {
	return &Store{
		records: make(map[string]*entry),
		cfg:     cfg.withDefaults(),
		now:     now,
	}
}

// Save persists rec, overriding any caller-set id, timestamps, attempt
// count, and claim. The first retry window is one base delay out.
func (s *Store) Save(ctx context.Context, rec domain.FailedPropagation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.seq++
	rec.ID = fmt.Sprintf("rec-%d", s.seq)
	rec.Status = domain.RecordActive
	rec.Attempts = 0
	rec.ClaimWorker = ""
	rec.ClaimExpiresAt = time.Time{}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.NextRetryAt = now.Add(domain.NextRetryDelay(0, s.cfg.BaseDelay, s.cfg.MaxDelay))
	rec.ErrorHistory = slices.Clone(rec.ErrorHistory)

	s.records[rec.ID] = &entry{rec: rec, seq: s.seq}
	return rec.ID, nil
}

// FetchDue returns up to limit unleased active records whose retry window
// has elapsed, oldest window first.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]domain.FailedPropagation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*entry
	for _, e := range s.records {
		if e.rec.Status != domain.RecordActive || e.rec.NextRetryAt.After(now) || e.rec.Leased(now) {
			continue
		}
		due = append(due, e)
	}
	slices.SortFunc(due, func(a, b *entry) int {
		if c := a.rec.NextRetryAt.Compare(b.rec.NextRetryAt); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.FailedPropagation, 0, len(due))
	for _, e := range due {
		out = append(out, cloneRecord(e.rec))
	}
	return out, nil
}

// Claim leases the record to workerID when it is active and carries no
// live lease. A lapsed lease is claimable by anyone, including the worker
// that let it lapse.
func (s *Store) Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok || e.rec.Status != domain.RecordActive {
		return false, nil
	}
	now := s.now()
	if e.rec.Leased(now) {
		return false, nil
	}
	e.rec.ClaimWorker = workerID
	e.rec.ClaimExpiresAt = now.Add(lease)
	e.rec.UpdatedAt = now
	return true, nil
}

// MarkSuccess deletes a resolved active record.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if e.rec.Status != domain.RecordActive {
		return &domain.RecordStateError{ID: id, Status: e.rec.Status, Op: "resolve"}
	}
	delete(s.records, id)
	return nil
}

// IncrementAttempt records a failed retry and releases the claim. The
// record dead-letters once the attempt budget is spent, otherwise its next
// window doubles up to the cap.
func (s *Store) IncrementAttempt(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if e.rec.Status != domain.RecordActive {
		return &domain.RecordStateError{ID: id, Status: e.rec.Status, Op: "retry"}
	}

	now := s.now()
	rec := &e.rec
	rec.Attempts++
	rec.LastError = errMsg
	rec.ErrorHistory = append(rec.ErrorHistory, errMsg)
	rec.ClaimWorker = ""
	rec.ClaimExpiresAt = time.Time{}
	rec.UpdatedAt = now
	if rec.Attempts >= s.cfg.MaxAttempts {
		rec.Status = domain.RecordDeadLettered
		rec.NextRetryAt = time.Time{}
		return nil
	}
	rec.NextRetryAt = now.Add(domain.NextRetryDelay(rec.Attempts, s.cfg.BaseDelay, s.cfg.MaxDelay))
	return nil
}

// MarkPermanentFailure dead-letters an active record immediately.
func (s *Store) MarkPermanentFailure(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if e.rec.Status != domain.RecordActive {
		return &domain.RecordStateError{ID: id, Status: e.rec.Status, Op: "dead-letter"}
	}

	rec := &e.rec
	rec.Attempts++
	rec.Status = domain.RecordDeadLettered
	rec.LastError = errMsg
	rec.ErrorHistory = append(rec.ErrorHistory, errMsg)
	rec.ClaimWorker = ""
	rec.ClaimExpiresAt = time.Time{}
	rec.NextRetryAt = time.Time{}
	rec.UpdatedAt = s.now()
	return nil
}

// Get returns the record with the given id from either lifecycle state.
func (s *Store) Get(ctx context.Context, id string) (domain.FailedPropagation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return domain.FailedPropagation{}, domain.ErrRecordNotFound
	}
	return cloneRecord(e.rec), nil
}

// List returns records matching filter, newest first.
func (s *Store) List(ctx context.Context, filter domain.RecordFilter) ([]domain.FailedPropagation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*entry
	for _, e := range s.records {
		if filter.Status != nil && e.rec.Status != *filter.Status {
			continue
		}
		matched = append(matched, e)
	}
	slices.SortFunc(matched, func(a, b *entry) int {
		if c := b.rec.CreatedAt.Compare(a.rec.CreatedAt); c != 0 {
			return c
		}
		return b.seq - a.seq
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]domain.FailedPropagation, 0, len(matched))
	for _, e := range matched {
		out = append(out, cloneRecord(e.rec))
	}
	return out, nil
}

// Requeue returns a dead-lettered record to the active set with a fresh
// attempt budget, due immediately.
func (s *Store) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if e.rec.Status != domain.RecordDeadLettered {
		return &domain.RecordStateError{ID: id, Status: e.rec.Status, Op: "requeue"}
	}

	now := s.now()
	rec := &e.rec
	rec.Status = domain.RecordActive
	rec.Attempts = 0
	rec.ClaimWorker = ""
	rec.ClaimExpiresAt = time.Time{}
	rec.NextRetryAt = now
	rec.UpdatedAt = now
	return nil
}

// PurgeExpired drops records that have seen no update for the retention
// window. A record still being retried refreshes its timestamp on every
// attempt and is never purged mid-flight.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.RecordTTL)
	removed := 0
	for id, e := range s.records {
		if e.rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func cloneRecord(rec domain.FailedPropagation) domain.FailedPropagation {
	rec.ErrorHistory = slices.Clone(rec.ErrorHistory)
	return rec
}
