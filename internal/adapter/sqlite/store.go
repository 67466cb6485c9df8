package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neomorfeo/memberiq/internal/domain"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

// Compile-time check: Store implements domain.ReconciliationStore.
var _ domain.ReconciliationStore = (*Store)(nil)

// Config tunes retry pacing and retention. Zero values fall back to the
// domain defaults.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	RecordTTL   time.Duration
}

func (c Config) withDefaults() Config {
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

// Store implements domain.ReconciliationStore using SQLite. Claim is a
// single conditional UPDATE, so the database enforces lease exclusivity
// even across processes sharing one file.
type Store struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// New opens a SQLite database, runs migrations, and returns a ready store.
func New(dataSourceName string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Writers across worker goroutines briefly contend; wait instead of
	// failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return NewFromDB(db, cfg)
}

// NewFromDB wraps an existing database connection, runs migrations, and returns a ready store.
// Use this when the *sql.DB has been pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB, cfg Config) (*Store, error) {
	return NewFromDBWithClock(db, cfg, time.Now)
}

// NewFromDBWithClock is NewFromDB with an injectable clock.
func NewFromDBWithClock(db *sql.DB, cfg Config, now func() time.Time) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Store{db: db, cfg: cfg.withDefaults(), now: now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other adapters (e.g., river).
func (s *Store) DB() *sql.DB {
	return s.db
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Timestamps are stored as UTC text in a fixed-width layout, so SQL string
// comparison orders them correctly.
const timeFormat = "2006-01-02T15:04:05Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

const recordColumns = `id, group_id, provider, payload, op_status, status, attempts,
	last_error, error_history, claim_worker, claim_expires_at,
	created_at, updated_at, next_retry_at`

func (s *Store) Save(ctx context.Context, rec domain.FailedPropagation) (string, error) {
	id, err := generateRecordID()
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	history, err := json.Marshal(rec.ErrorHistory)
	if err != nil {
		return "", fmt.Errorf("encoding error history: %w", err)
	}

	now := s.now()
	firstRetry := now.Add(domain.NextRetryDelay(0, s.cfg.BaseDelay, s.cfg.MaxDelay))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_records
		   (id, group_id, provider, payload, op_status, status, attempts, last_error,
		    error_history, claim_worker, claim_expires_at, created_at, updated_at, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?, ?, ?)`,
		id, rec.GroupID, rec.Provider, string(payload), string(rec.OpStatus),
		string(domain.RecordActive), rec.LastError, string(history),
		fmtTime(time.Time{}), fmtTime(now), fmtTime(now), fmtTime(firstRetry),
	)
	if err != nil {
		return "", fmt.Errorf("inserting reconciliation record: %w", err)
	}
	return id, nil
}

func (s *Store) FetchDue(ctx context.Context, limit int) ([]domain.FailedPropagation, error) {
	now := fmtTime(s.now())
	query := `SELECT ` + recordColumns + `
		 FROM reconciliation_records
		 WHERE status = ? AND next_retry_at <= ?
		   AND (claim_worker = '' OR claim_expires_at <= ?)
		 ORDER BY next_retry_at ASC`
	args := []any{string(domain.RecordActive), now, now}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching due records: %w", err)
	}
	defer rows.Close()

	var recs []domain.FailedPropagation
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// Claim is the admission gate: the conditional UPDATE succeeds only while
// the record is active and unleased, so exactly one worker wins each lease
// regardless of how many saw the record in FetchDue.
func (s *Store) Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE reconciliation_records
		 SET claim_worker = ?, claim_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		   AND (claim_worker = '' OR claim_expires_at <= ?)`,
		workerID, fmtTime(now.Add(lease)), fmtTime(now),
		id, string(domain.RecordActive), fmtTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("claiming record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM reconciliation_records WHERE id = ? AND status = ?`,
		id, string(domain.RecordActive),
	)
	if err != nil {
		return fmt.Errorf("deleting resolved record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return s.wrongStateError(ctx, id, "resolve")
	}
	return nil
}

func (s *Store) IncrementAttempt(ctx context.Context, id, errMsg string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.RecordActive {
		return &domain.RecordStateError{ID: id, Status: rec.Status, Op: "retry"}
	}

	attempts := rec.Attempts + 1
	history, err := json.Marshal(append(rec.ErrorHistory, errMsg))
	if err != nil {
		return fmt.Errorf("encoding error history: %w", err)
	}

	now := s.now()
	status := domain.RecordActive
	nextRetry := now.Add(domain.NextRetryDelay(attempts, s.cfg.BaseDelay, s.cfg.MaxDelay))
	if attempts >= s.cfg.MaxAttempts {
		status = domain.RecordDeadLettered
		nextRetry = time.Time{}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE reconciliation_records
		 SET attempts = ?, last_error = ?, error_history = ?, status = ?,
		     claim_worker = '', claim_expires_at = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		attempts, errMsg, string(history), string(status),
		fmtTime(time.Time{}), fmtTime(nextRetry), fmtTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("recording failed attempt: %w", err)
	}
	return nil
}

func (s *Store) MarkPermanentFailure(ctx context.Context, id, errMsg string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.RecordActive {
		return &domain.RecordStateError{ID: id, Status: rec.Status, Op: "dead-letter"}
	}

	history, err := json.Marshal(append(rec.ErrorHistory, errMsg))
	if err != nil {
		return fmt.Errorf("encoding error history: %w", err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE reconciliation_records
		 SET attempts = ?, last_error = ?, error_history = ?, status = ?,
		     claim_worker = '', claim_expires_at = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		rec.Attempts+1, errMsg, string(history), string(domain.RecordDeadLettered),
		fmtTime(time.Time{}), fmtTime(time.Time{}), fmtTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("dead-lettering record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.FailedPropagation, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reconciliation_records WHERE id = ?`, id,
	))
}

func (s *Store) List(ctx context.Context, filter domain.RecordFilter) ([]domain.FailedPropagation, error) {
	query := `SELECT ` + recordColumns + ` FROM reconciliation_records`
	var args []any

	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}

	query += ` ORDER BY created_at DESC, id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var recs []domain.FailedPropagation
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

func (s *Store) Requeue(ctx context.Context, id string) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE reconciliation_records
		 SET status = ?, attempts = 0, claim_worker = '', claim_expires_at = ?,
		     next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.RecordActive), fmtTime(time.Time{}),
		fmtTime(now), fmtTime(now),
		id, string(domain.RecordDeadLettered),
	)
	if err != nil {
		return fmt.Errorf("requeueing record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return s.wrongStateError(ctx, id, "requeue")
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.RecordTTL)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM reconciliation_records WHERE updated_at < ?`,
		fmtTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purging expired records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(rows), nil
}

// wrongStateError reports why a conditional write matched no row: the
// record is gone, or it sits in the other lifecycle state.
func (s *Store) wrongStateError(ctx context.Context, id, op string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &domain.RecordStateError{ID: id, Status: rec.Status, Op: op}
}

// rowScanner abstracts sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.FailedPropagation, error) {
	var rec domain.FailedPropagation
	var payload, opStatus, status, history string
	var claimExpires, createdAt, updatedAt, nextRetry string

	err := row.Scan(&rec.ID, &rec.GroupID, &rec.Provider, &payload, &opStatus, &status,
		&rec.Attempts, &rec.LastError, &history, &rec.ClaimWorker, &claimExpires,
		&createdAt, &updatedAt, &nextRetry)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.FailedPropagation{}, domain.ErrRecordNotFound
		}
		return domain.FailedPropagation{}, fmt.Errorf("scanning record: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return domain.FailedPropagation{}, fmt.Errorf("decoding payload: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &rec.ErrorHistory); err != nil {
		return domain.FailedPropagation{}, fmt.Errorf("decoding error history: %w", err)
	}

	rec.OpStatus = domain.OpStatus(opStatus)
	rec.Status = domain.RecordStatus(status)
	rec.ClaimExpiresAt, _ = time.Parse(timeFormat, claimExpires)
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	rec.NextRetryAt, _ = time.Parse(timeFormat, nextRetry)

	return rec, nil
}

// generateRecordID produces a random hex identifier with a stable prefix.
func generateRecordID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating record id: %w", err)
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 16)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return "rec-" + string(out), nil
}
