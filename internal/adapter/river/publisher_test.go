package river_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	goriver "github.com/riverqueue/river"

	_ "modernc.org/sqlite"

	"github.com/neomorfeo/memberiq/internal/adapter/memory"
	riveradapter "github.com/neomorfeo/memberiq/internal/adapter/river"
	"github.com/neomorfeo/memberiq/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := t.TempDir() + "/river_test.db"
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("setting WAL: %v", err)
	}

	return db
}

func setupClient(t *testing.T, db *sql.DB, cfg riveradapter.Config) *riveradapter.Client {
	t.Helper()

	if cfg.Store == nil {
		cfg.Store = memory.NewStore(memory.StoreConfig{})
	}
	if cfg.Cache == nil {
		cfg.Cache = memory.NewResponseCache()
	}

	client, err := riveradapter.Setup(context.Background(), db, cfg)
	if err != nil {
		t.Fatalf("river setup: %v", err)
	}

	return client
}

func startClient(t *testing.T, client *riveradapter.Client) {
	t.Helper()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("river start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			t.Errorf("river stop: %v", err)
		}
	})
}

// waitForKind drains completions until a job of the wanted kind finishes.
// Periodic sweep jobs share the queue, so other kinds may come first.
func waitForKind(t *testing.T, ch <-chan *goriver.Event, kind string) *goriver.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Job.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s completion", kind)
			return nil
		}
	}
}

func TestPublisher_Publish_EnqueuesJob(t *testing.T) {
	db := setupTestDB(t)
	client := setupClient(t, db, riveradapter.Config{})
	ctx := context.Background()

	// Subscribe to job completions before starting so we don't miss events.
	subscribeChan, subscribeCancel := client.Subscribe(goriver.EventKindJobCompleted)
	defer subscribeCancel()

	startClient(t, client)

	pub := riveradapter.NewPublisher(client)
	err := pub.Publish(ctx, domain.MembershipEvent{
		Type:          domain.EventMemberAdded,
		GroupID:       "eng",
		MemberEmail:   "bob@example.com",
		Provider:      "dir",
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	event := waitForKind(t, subscribeChan, "membership.event")
	if event.Job.Kind != "membership.event" {
		t.Errorf("job kind = %q, want %q", event.Job.Kind, "membership.event")
	}
}

func TestPublisher_Publish_PreservesEventData(t *testing.T) {
	db := setupTestDB(t)
	client := setupClient(t, db, riveradapter.Config{})
	ctx := context.Background()

	subscribeChan, subscribeCancel := client.Subscribe(goriver.EventKindJobCompleted)
	defer subscribeCancel()

	startClient(t, client)

	pub := riveradapter.NewPublisher(client)
	err := pub.Publish(ctx, domain.MembershipEvent{
		Type:          domain.EventPropagationFailed,
		GroupID:       "eng",
		MemberEmail:   "bob@example.com",
		Provider:      "mirror",
		CorrelationID: "corr-7",
		RecordID:      "rec-42",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	event := waitForKind(t, subscribeChan, "membership.event")

	// Verify the job carried the right args by checking the encoded JSON.
	args := event.Job.EncodedArgs
	if args == nil {
		t.Fatal("expected encoded args, got nil")
	}
	argsStr := string(args)
	for _, want := range []string{
		`"event":"propagation_failed"`,
		`"group_id":"eng"`,
		`"provider":"mirror"`,
		`"correlation_id":"corr-7"`,
		`"record_id":"rec-42"`,
	} {
		if !strings.Contains(argsStr, want) {
			t.Errorf("encoded args missing %s, got: %s", want, argsStr)
		}
	}
}

func TestRetentionSweep_PurgesExpiredRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	clk := newFakeClock()
	store := memory.NewStoreWithClock(memory.StoreConfig{}, clk.Now)

	rec := domain.NewFailedPropagation("eng", "mirror", domain.PropagationPayload{
		Action:        domain.ActionAddMember,
		MemberEmail:   "bob@example.com",
		CorrelationID: "corr-1",
	}, domain.StatusTransientError, "mirror 503")
	id, err := store.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Past the default 30-day retention window before the client starts,
	// so the run-on-start sweep does the purge.
	clk.Advance(31 * 24 * time.Hour)

	client := setupClient(t, db, riveradapter.Config{Store: store})

	subscribeChan, subscribeCancel := client.Subscribe(goriver.EventKindJobCompleted)
	defer subscribeCancel()

	startClient(t, client)
	waitForKind(t, subscribeChan, "reconciliation.retention_sweep")

	if _, err := store.Get(ctx, id); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("Get after sweep = %v, want ErrRecordNotFound", err)
	}
}

func TestCacheSweep_EvictsExpiredEntries(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	clk := newFakeClock()
	cache := memory.NewResponseCacheWithClock(clk.Now)
	cache.CacheResponse("req-1", domain.MembershipResponse{
		Status:  domain.StatusSuccess,
		GroupID: "eng",
	}, time.Minute)
	clk.Advance(2 * time.Minute)

	client := setupClient(t, db, riveradapter.Config{Cache: cache})

	subscribeChan, subscribeCancel := client.Subscribe(goriver.EventKindJobCompleted)
	defer subscribeCancel()

	startClient(t, client)

	if _, err := client.Insert(ctx, riveradapter.CacheSweepArgs{}, nil); err != nil {
		t.Fatalf("enqueuing cache sweep: %v", err)
	}
	waitForKind(t, subscribeChan, "idempotency.cache_sweep")

	if stats := cache.Stats(); stats.Total != 0 {
		t.Errorf("cache stats after sweep = %+v, want empty", stats)
	}
}
