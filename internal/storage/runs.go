package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/habitat-data/vintagesync/internal/model"
)

// CreateSyncRun inserts a running reconciliation run and returns it.
func (db *DB) CreateSyncRun(ctx context.Context, metadata map[string]any) (model.SyncRun, error) {
	now := time.Now().UTC()
	run := model.SyncRun{
		ID:        uuid.New(),
		Status:    model.RunStatusRunning,
		StartedAt: now,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, status, started_at, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Status), run.StartedAt, run.Metadata, run.CreatedAt,
	)
	if err != nil {
		return model.SyncRun{}, fmt.Errorf("storage: create sync run: %w", err)
	}
	return run, nil
}

// GetSyncRun retrieves a run by ID.
func (db *DB) GetSyncRun(ctx context.Context, id uuid.UUID) (model.SyncRun, error) {
	var (
		run    model.SyncRun
		status string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, status, started_at, completed_at, metadata, created_at
		 FROM sync_runs WHERE id = $1`, id,
	).Scan(&run.ID, &status, &run.StartedAt, &run.CompletedAt, &run.Metadata, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncRun{}, fmt.Errorf("storage: sync run %s: %w", id, ErrNotFound)
		}
		return model.SyncRun{}, fmt.Errorf("storage: get sync run: %w", err)
	}
	run.Status = model.RunStatus(status)
	return run, nil
}

// CompleteSyncRun marks a running run as completed or failed and merges
// metadata into the stored one.
func (db *DB) CompleteSyncRun(ctx context.Context, id uuid.UUID, status model.RunStatus, metadata map[string]any) error {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $1, completed_at = $2, metadata = metadata || $3
		 WHERE id = $4 AND status = 'running'`,
		string(status), now, metadata, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: sync run not found or already completed: %s", id)
	}
	return nil
}

// LatestSyncRun returns the most recent run, or nil if none exists.
func (db *DB) LatestSyncRun(ctx context.Context) (*model.SyncRun, error) {
	var (
		run    model.SyncRun
		status string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, status, started_at, completed_at, metadata, created_at
		 FROM sync_runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&run.ID, &status, &run.StartedAt, &run.CompletedAt, &run.Metadata, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: latest sync run: %w", err)
	}
	run.Status = model.RunStatus(status)
	return &run, nil
}
