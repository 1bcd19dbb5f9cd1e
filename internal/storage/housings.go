package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/habitat-data/vintagesync/internal/model"
)

// Tables holding housing snapshots. Both share the same column layout.
const (
	tableHousings       = "housings"
	tableSourceHousings = "source_housings"
)

var housingColumns = []string{
	"id", "geo_code", "local_id", "raw_address", "data_years", "data_file_years",
	"owner", "coowners", "status", "sub_status", "precisions", "vacancy_reasons",
	"occupancy", "occupancy_intended", "vacancy_start_year", "living_area",
	"rooms_count", "building_year", "mutation_date", "energy_consumption",
	"energy_consumption_at",
}

var housingSelectList = strings.Join(housingColumns, ", ")

// CountHousings returns the number of registry rows. Used to size progress
// reporting only.
func (db *DB) CountHousings(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM housings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count housings: %w", err)
	}
	return n, nil
}

// StreamHousings enumerates every registry row ordered by id. The sequence is
// lazy and forward-only: each iteration issues a fresh query and holds one
// pooled connection until the loop ends.
func (db *DB) StreamHousings(ctx context.Context) iter.Seq2[model.Housing, error] {
	return db.streamTable(ctx, tableHousings)
}

// StreamSourceHousings enumerates the staged vintage ordered by id.
func (db *DB) StreamSourceHousings(ctx context.Context) iter.Seq2[model.Housing, error] {
	return db.streamTable(ctx, tableSourceHousings)
}

func (db *DB) streamTable(ctx context.Context, table string) iter.Seq2[model.Housing, error] {
	return func(yield func(model.Housing, error) bool) {
		rows, err := db.pool.Query(ctx,
			`SELECT `+housingSelectList+` FROM `+pgx.Identifier{table}.Sanitize()+` ORDER BY id`)
		if err != nil {
			yield(model.Housing{}, fmt.Errorf("storage: stream %s: %w", table, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			h, err := scanHousing(rows)
			if err != nil {
				yield(model.Housing{}, fmt.Errorf("storage: scan %s row: %w", table, err))
				return
			}
			if !yield(h, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Housing{}, fmt.Errorf("storage: stream %s: %w", table, err))
		}
	}
}

// GetHousing returns a registry row by id, or ErrNotFound.
func (db *DB) GetHousing(ctx context.Context, id uuid.UUID) (model.Housing, error) {
	h, err := db.findHousing(ctx, tableHousings, id)
	if err != nil {
		return model.Housing{}, err
	}
	if h == nil {
		return model.Housing{}, ErrNotFound
	}
	return *h, nil
}

// HousingExists reports whether the registry holds a row with this id.
func (db *DB) HousingExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM housings WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: housing exists: %w", err)
	}
	return exists, nil
}

// FindSourceHousing returns the staged vintage row for id, or nil when the
// housing is absent from the vintage.
func (db *DB) FindSourceHousing(ctx context.Context, id uuid.UUID) (*model.Housing, error) {
	return db.findHousing(ctx, tableSourceHousings, id)
}

func (db *DB) findHousing(ctx context.Context, table string, id uuid.UUID) (*model.Housing, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+housingSelectList+` FROM `+pgx.Identifier{table}.Sanitize()+` WHERE id = $1`, id)
	h, err := scanHousing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: find %s %s: %w", table, id, err)
	}
	return &h, nil
}

// UpsertHousings replaces registry rows in bulk. Each housing is written as a
// full row: every column takes the value of the snapshot, including NULLs.
// When the same id appears more than once, the last snapshot wins.
func (db *DB) UpsertHousings(ctx context.Context, housings []model.Housing) (int64, error) {
	return db.upsertInto(ctx, tableHousings, housings)
}

// StageSourceHousings loads vintage rows into the staging table with the same
// full-row replace semantics as UpsertHousings. Every row is validated first;
// one malformed row rejects the whole batch.
func (db *DB) StageSourceHousings(ctx context.Context, housings []model.Housing) (int64, error) {
	for _, h := range housings {
		if err := h.Validate(); err != nil {
			return 0, fmt.Errorf("storage: stage housing %s: %w", h.ID, err)
		}
	}
	return db.upsertInto(ctx, tableSourceHousings, housings)
}

func (db *DB) upsertInto(ctx context.Context, table string, housings []model.Housing) (int64, error) {
	housings = lastWins(housings)
	if len(housings) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(housings))
	for i, h := range housings {
		rows[i] = housingRow(h)
	}

	var affected int64
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		n, err := db.upsertOnce(ctx, table, rows)
		affected = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (db *DB) upsertOnce(ctx context.Context, table string, rows [][]any) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin upsert %s tx: %w", table, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	target := pgx.Identifier{table}.Sanitize()
	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _housing_batch (LIKE `+target+` INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create housing batch table: %w", err)
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(copyCtx, pgx.Identifier{"_housing_batch"}, housingColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy housing batch: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+target+` (`+housingSelectList+`)
		 SELECT `+housingSelectList+` FROM _housing_batch
		 ON CONFLICT (id) DO UPDATE SET `+excludedAssignments()+`, updated_at = now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: upsert %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit upsert %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func excludedAssignments() string {
	sets := make([]string, 0, len(housingColumns)-1)
	for _, c := range housingColumns[1:] {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	return strings.Join(sets, ", ")
}

// lastWins drops earlier duplicates of the same id, keeping input order for
// the survivors. Postgres rejects an upsert that touches a row twice.
func lastWins(housings []model.Housing) []model.Housing {
	last := make(map[uuid.UUID]int, len(housings))
	for i, h := range housings {
		last[h.ID] = i
	}
	if len(last) == len(housings) {
		return housings
	}
	out := make([]model.Housing, 0, len(last))
	for i, h := range housings {
		if last[h.ID] == i {
			out = append(out, h)
		}
	}
	return out
}

func housingRow(h model.Housing) []any {
	var intended *string
	if h.OccupancyIntended != nil {
		s := string(*h.OccupancyIntended)
		intended = &s
	}
	coowners := h.Coowners
	if coowners == nil {
		coowners = []model.Owner{}
	}
	return []any{
		h.ID,
		h.GeoCode,
		h.LocalID,
		h.RawAddress,
		nonNil(h.DataYears),
		h.DataFileYears,
		h.Owner,
		coowners,
		int16(h.Status), //nolint:gosec // statuses are small enum values
		h.SubStatus,
		nonNil(h.Precisions),
		nonNil(h.VacancyReasons),
		string(h.Occupancy),
		intended,
		h.VacancyStartYear,
		h.LivingArea,
		h.RoomsCount,
		h.BuildingYear,
		h.MutationDate,
		h.EnergyConsumption,
		h.EnergyConsumptionAt,
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanHousing(row pgx.Row) (model.Housing, error) {
	var (
		h         model.Housing
		status    int16
		occupancy string
		intended  *string
	)
	if err := row.Scan(
		&h.ID, &h.GeoCode, &h.LocalID, &h.RawAddress, &h.DataYears, &h.DataFileYears,
		&h.Owner, &h.Coowners, &status, &h.SubStatus, &h.Precisions, &h.VacancyReasons,
		&occupancy, &intended, &h.VacancyStartYear, &h.LivingArea,
		&h.RoomsCount, &h.BuildingYear, &h.MutationDate, &h.EnergyConsumption,
		&h.EnergyConsumptionAt,
	); err != nil {
		return model.Housing{}, err
	}
	h.Status = model.FollowupStatus(status)
	h.Occupancy = model.Occupancy(occupancy)
	if intended != nil {
		o := model.Occupancy(*intended)
		h.OccupancyIntended = &o
	}
	return h, nil
}
