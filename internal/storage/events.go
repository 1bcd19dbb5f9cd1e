package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/habitat-data/vintagesync/internal/model"
)

var housingEventColumns = []string{
	"id", "type", "name", "kind", "category", "section", "conflict",
	"old", "new", "housing_id", "created_by", "created_at",
}

// InsertHousingEvents appends events using the COPY protocol. The housings
// they reference must already exist. The table is append-only.
func (db *DB) InsertHousingEvents(ctx context.Context, events []model.HousingEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.ID,
			string(e.Type),
			e.Name,
			string(e.Kind),
			string(e.Category),
			e.Section,
			e.Conflict,
			e.Old,
			e.New,
			e.HousingID,
			e.CreatedBy,
			e.CreatedAt,
		}
	}

	var copyCount int64
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		// Dedicated 30s COPY timeout prevents a hung Postgres from blocking
		// the pipeline indefinitely.
		copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
		defer copyCancel()
		n, err := db.pool.CopyFrom(
			copyCtx,
			pgx.Identifier{"housing_events"},
			housingEventColumns,
			pgx.CopyFromRows(rows),
		)
		copyCount = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: copy housing events: %w", err)
	}
	return copyCount, nil
}

// CountConflicts returns the number of conflict events created at or after
// since. Event timestamps come from the writer's clock.
func (db *DB) CountConflicts(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM housing_events WHERE conflict AND created_at >= $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count conflicts: %w", err)
	}
	return n, nil
}
