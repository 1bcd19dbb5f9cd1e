package vintagesync

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds option overrides applied on top of the environment
// configuration. Zero values keep the configured value.
type resolvedOptions struct {
	logger           *slog.Logger
	version          string
	databaseURL      string
	sourceSQLitePath string
	actorEmail       string
	batchSize        int
	concurrency      int
	progressInterval time.Duration
	discoverNew      *bool
	runHooks         []RunHook
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs, traces, and run metadata.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSourceSQLitePath reads the vintage from a SQLite extract instead of the
// source_housings staging table (VINTAGESYNC_SOURCE_SQLITE_PATH env var).
func WithSourceSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sourceSQLitePath = path }
}

// WithActorEmail overrides the automation user every event is attributed to.
func WithActorEmail(email string) Option {
	return func(o *resolvedOptions) { o.actorEmail = email }
}

// WithBatchSize overrides the number of actions persisted per write.
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithConcurrency overrides the number of records enriched in parallel.
func WithConcurrency(n int) Option {
	return func(o *resolvedOptions) { o.concurrency = n }
}

// WithProgressInterval overrides how often progress is logged.
func WithProgressInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.progressInterval = d }
}

// WithDiscoverNew toggles the pass that adds vintage housings missing from
// the registry.
func WithDiscoverNew(enabled bool) Option {
	return func(o *resolvedOptions) { o.discoverNew = &enabled }
}

// WithRunHook registers a hook called when each run ends.
func WithRunHook(h RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, h) }
}
