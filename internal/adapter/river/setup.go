package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// Config wires the queue's workers to their backing stores and sets the
// sweep cadence. Zero intervals pick the defaults.
type Config struct {
	Store domain.ReconciliationStore
	Cache domain.ResponseCache

	// RetentionSweepInterval is how often expired reconciliation records
	// are physically dropped.
	RetentionSweepInterval time.Duration
	// CacheSweepInterval is how often expired idempotency entries are
	// evicted.
	CacheSweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetentionSweepInterval <= 0 {
		c.RetentionSweepInterval = time.Hour
	}
	if c.CacheSweepInterval <= 0 {
		c.CacheSweepInterval = 10 * time.Minute
	}
	return c
}

// Setup creates a River client with the event and sweep workers registered
// and runs River's internal migrations. The caller must call client.Start()
// to begin processing jobs and client.Stop() for graceful shutdown.
func Setup(ctx context.Context, db *sql.DB, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	driver := riversqlite.New(db)

	// Run River's own migrations (creates river_job, river_leader, etc.).
	// These are separate from the app's goose migrations.
	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("running river migrations: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &EventWorker{})
	river.AddWorker(workers, NewRetentionSweepWorker(cfg.Store))
	river.AddWorker(workers, NewCacheSweepWorker(cfg.Cache))

	client, err := river.NewClient(driver, &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.RetentionSweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return RetentionSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.CacheSweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return CacheSweepArgs{}, nil
				},
				nil,
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return client, nil
}
