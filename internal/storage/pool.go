// Package storage provides the PostgreSQL storage layer for vintagesync.
//
// It manages connection pooling (via pgxpool), streaming reads of the housing
// registry and of the staged vintage, COPY-based batch writes for housings and
// housing events, and the lookups used during reconciliation.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/habitat-data/vintagesync/internal/telemetry"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool. maxConns overrides the pool
// size when positive; a streaming pass holds one connection for the whole
// registry scan, so the pool must leave room for concurrent lookups.
func New(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics registers observable gauges for connection pool usage.
// Call after telemetry.Init so the global meter provider is in place.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("vintagesync/storage")

	_, _ = meter.Int64ObservableGauge("vintagesync.db.pool.acquired",
		metric.WithDescription("Connections currently acquired from the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("vintagesync.db.pool.total",
		metric.WithDescription("Connections currently open in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
