// Package vintagesync is the public API for embedding the housing vintage
// reconciliation job.
//
// A run streams the housing registry, compares every housing with the latest
// vintage of the source dataset, writes the resulting snapshots and audit
// events, and records the outcome in the sync_runs ledger:
//
//	app, err := vintagesync.New(ctx,
//	    vintagesync.WithVersion(version),
//	    vintagesync.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	report, err := app.Run(ctx)
//
// The import graph enforces a strict no-cycle rule: vintagesync (root) imports
// internal/*, but internal/* never imports vintagesync (root).
package vintagesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/habitat-data/vintagesync/internal/config"
	"github.com/habitat-data/vintagesync/internal/model"
	"github.com/habitat-data/vintagesync/internal/reconcile"
	"github.com/habitat-data/vintagesync/internal/service/syncer"
	"github.com/habitat-data/vintagesync/internal/source/sqlite"
	"github.com/habitat-data/vintagesync/internal/storage"
	"github.com/habitat-data/vintagesync/internal/telemetry"
	"github.com/habitat-data/vintagesync/migrations"
)

// App is the reconciliation job lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	sqliteSource *sqlite.Source // nil when the vintage is staged in Postgres
	orch         *syncer.Orchestrator
	otelShutdown telemetry.Shutdown
	runHooks     []RunHook
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to the database, runs migrations, and
// wires the pipeline. It does not start a run; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), logger) //nolint:gosec // validated small positive in config.Validate
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	db.RegisterPoolMetrics()

	if cfg.SkipMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	var (
		source       syncer.SourceReader = db
		sqliteSource *sqlite.Source
	)
	if cfg.SourceSQLitePath != "" {
		sqliteSource, err = sqlite.Open(ctx, cfg.SourceSQLitePath, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, err
		}
		source = sqliteSource
	}

	applier := syncer.NewApplier(db, db, db, cfg.ActorEmail, logger)
	orch := syncer.NewOrchestrator(db, source, db, reconcile.New(), applier, syncer.Options{
		BatchSize:        cfg.BatchSize,
		Concurrency:      cfg.Concurrency,
		DiscoverNew:      cfg.DiscoverNew,
		ProgressInterval: cfg.ProgressInterval,
	}, logger)

	logger.Info("vintagesync ready",
		"version", version,
		"source", sourceName(cfg),
		"batch_size", cfg.BatchSize,
		"concurrency", cfg.Concurrency,
	)

	return &App{
		cfg:          cfg,
		db:           db,
		sqliteSource: sqliteSource,
		orch:         orch,
		otelShutdown: otelShutdown,
		runHooks:     o.runHooks,
		logger:       logger,
		version:      version,
	}, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sourceSQLitePath != "" {
		cfg.SourceSQLitePath = o.sourceSQLitePath
	}
	if o.actorEmail != "" {
		cfg.ActorEmail = o.actorEmail
	}
	if o.batchSize != 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.concurrency != 0 {
		cfg.Concurrency = o.concurrency
	}
	if o.progressInterval != 0 {
		cfg.ProgressInterval = o.progressInterval
	}
	if o.discoverNew != nil {
		cfg.DiscoverNew = *o.discoverNew
	}
}

func sourceName(cfg config.Config) string {
	if cfg.SourceSQLitePath != "" {
		return "sqlite:" + cfg.SourceSQLitePath
	}
	return "postgres:source_housings"
}

// Run performs one reconciliation pass and records it in the run ledger.
// The first error aborts the pass; batches written before it stay written,
// and re-running the pass is safe.
func (a *App) Run(ctx context.Context) (Report, error) {
	prev, err := a.db.LatestSyncRun(ctx)
	if err != nil {
		return Report{}, err
	}
	if prev != nil && prev.Status == model.RunStatusRunning {
		a.logger.Warn("vintagesync: previous run never finished", "run_id", prev.ID, "started_at", prev.StartedAt)
	}

	run, err := a.db.CreateSyncRun(ctx, map[string]any{
		"version":     a.version,
		"source":      sourceName(a.cfg),
		"batch_size":  a.cfg.BatchSize,
		"concurrency": a.cfg.Concurrency,
	})
	if err != nil {
		return Report{}, err
	}
	a.logger.Info("vintagesync: run started", "run_id", run.ID)

	rep, runErr := a.orch.Run(ctx)
	result := Run{
		ID:        run.ID,
		Status:    RunStatusCompleted,
		StartedAt: run.StartedAt,
		Report:    toPublicReport(rep),
	}
	meta := result.Report.metadata()
	if runErr != nil {
		result.Status = RunStatusFailed
		result.Error = runErr.Error()
		meta["error"] = result.Error
	}

	// The caller's context may be cancelled already; the ledger still has to
	// be closed.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	// Cross-check the conflicts counted in memory against the audit trail.
	// Another writer running at the same time inflates the stored count.
	recorded, err := a.db.CountConflicts(finishCtx, run.StartedAt.Truncate(time.Microsecond))
	if err != nil {
		a.logger.Warn("vintagesync: count recorded conflicts failed", "run_id", run.ID, "error", err)
	} else {
		meta["conflicts_recorded"] = recorded
		if recorded != result.Report.Conflicts {
			a.logger.Warn("vintagesync: conflict count mismatch",
				"run_id", run.ID, "reported", result.Report.Conflicts, "recorded", recorded)
		}
	}

	if err := a.db.CompleteSyncRun(finishCtx, run.ID, runStatus(result.Status), meta); err != nil {
		a.logger.Error("vintagesync: record run outcome failed", "run_id", run.ID, "error", err)
	}
	result.CompletedAt = time.Now().UTC()
	a.notifyRunFinished(finishCtx, result)

	for _, h := range a.runHooks {
		if err := h.OnRunFinished(finishCtx, result); err != nil {
			a.logger.Warn("run hook OnRunFinished failed", "run_id", run.ID, "error", err)
		}
	}

	if runErr != nil {
		return result.Report, fmt.Errorf("vintagesync: run %s: %w", run.ID, runErr)
	}
	return result.Report, nil
}

// notifyRunFinished publishes the run outcome on the sync-runs channel.
// Listeners re-fetch details from the ledger; a failed notify is logged only.
func (a *App) notifyRunFinished(ctx context.Context, run Run) {
	payload, err := json.Marshal(map[string]any{
		"run_id":    run.ID,
		"status":    run.Status,
		"scanned":   run.Report.Scanned,
		"conflicts": run.Report.Conflicts,
	})
	if err != nil {
		a.logger.Warn("run notify marshal failed", "error", err)
		return
	}
	if err := a.db.Notify(ctx, storage.ChannelSyncRuns, string(payload)); err != nil {
		a.logger.Warn("run notify failed", "run_id", run.ID, "error", err)
	}
}

// Progress returns the counters of the running or last pass.
func (a *App) Progress() (scanned, saved, total int64) {
	p := a.orch.Progress()
	if p == nil {
		return 0, 0, 0
	}
	return p.Scanned(), p.Saved(), p.Total()
}

// Close releases storage handles and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.sqliteSource != nil {
		if err := a.sqliteSource.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite source: %w", err))
		}
	}
	a.db.Close()
	if err := a.otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}
