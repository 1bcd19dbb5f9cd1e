// Package sqlite reads a vintage extract shipped as a SQLite file.
//
// The extract holds one table, housings, with the same columns as the
// registry. List and object columns are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/habitat-data/vintagesync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS housings (
	id                    TEXT PRIMARY KEY,
	geo_code              TEXT NOT NULL,
	local_id              TEXT NOT NULL,
	raw_address           TEXT,
	data_years            TEXT NOT NULL DEFAULT '[]',
	data_file_years       TEXT,
	owner                 TEXT,
	coowners              TEXT NOT NULL DEFAULT '[]',
	status                INTEGER NOT NULL DEFAULT 0,
	sub_status            TEXT,
	precisions            TEXT NOT NULL DEFAULT '[]',
	vacancy_reasons       TEXT NOT NULL DEFAULT '[]',
	occupancy             TEXT NOT NULL,
	occupancy_intended    TEXT,
	vacancy_start_year    INTEGER,
	living_area           REAL,
	rooms_count           INTEGER,
	building_year         INTEGER,
	mutation_date         TEXT,
	energy_consumption    TEXT,
	energy_consumption_at TEXT
)`

var columns = []string{
	"id", "geo_code", "local_id", "raw_address", "data_years", "data_file_years",
	"owner", "coowners", "status", "sub_status", "precisions", "vacancy_reasons",
	"occupancy", "occupancy_intended", "vacancy_start_year", "living_area",
	"rooms_count", "building_year", "mutation_date", "energy_consumption",
	"energy_consumption_at",
}

var selectList = strings.Join(columns, ", ")

// Source is a view over a SQLite vintage extract.
// It is safe for concurrent use.
type Source struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens an existing extract at path read-only. The file is never
// modified, so a shipped extract may sit on a read-only volume.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Source, error) {
	db, err := connect(ctx, "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite source: open %s: %w", path, err)
	}
	src := &Source{db: db, logger: logger}
	n, err := src.Count(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite source: opened", "path", path, "housings", n)
	return src, nil
}

// Create opens the extract at path for writing, creating the file and its
// schema when missing. Used to build extracts with Put.
func Create(ctx context.Context, path string, logger *slog.Logger) (*Source, error) {
	db, err := connect(ctx, "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite source: create %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite source: create schema: %w", err)
	}
	return &Source{db: db, logger: logger}, nil
}

func connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Count returns the number of housings in the extract.
func (s *Source) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM housings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite source: count: %w", err)
	}
	return n, nil
}

// FindSourceHousing returns the extract row for id, or nil when absent.
func (s *Source) FindSourceHousing(ctx context.Context, id uuid.UUID) (*model.Housing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectList+` FROM housings WHERE id = ?`, id.String())
	h, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite source: find %s: %w", id, err)
	}
	return &h, nil
}

// StreamSourceHousings enumerates the extract ordered by id.
func (s *Source) StreamSourceHousings(ctx context.Context) iter.Seq2[model.Housing, error] {
	return func(yield func(model.Housing, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+selectList+` FROM housings ORDER BY id`)
		if err != nil {
			yield(model.Housing{}, fmt.Errorf("sqlite source: stream: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			h, err := scan(rows)
			if err != nil {
				yield(model.Housing{}, fmt.Errorf("sqlite source: scan: %w", err))
				return
			}
			if !yield(h, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Housing{}, fmt.Errorf("sqlite source: stream: %w", err))
		}
	}
}

// Put writes housings into the extract, replacing rows with the same id.
// Used to build extracts.
func (s *Source) Put(ctx context.Context, housings []model.Housing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite source: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO housings (`+selectList+`) VALUES (`+placeholders+`)`)
	if err != nil {
		return fmt.Errorf("sqlite source: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, h := range housings {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("sqlite source: housing %s: %w", h.ID, err)
		}
		args, err := encode(h)
		if err != nil {
			return fmt.Errorf("sqlite source: encode %s: %w", h.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("sqlite source: insert %s: %w", h.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite source: commit: %w", err)
	}
	return nil
}

func encode(h model.Housing) ([]any, error) {
	var jsonErr error
	js := func(v any, nullable bool) any {
		if nullable && isNil(v) {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			jsonErr = err
		}
		return string(b)
	}
	var intended any
	if h.OccupancyIntended != nil {
		intended = string(*h.OccupancyIntended)
	}
	args := []any{
		h.ID.String(),
		h.GeoCode,
		h.LocalID,
		js(h.RawAddress, true),
		js(orEmpty(h.DataYears), false),
		js(h.DataFileYears, true),
		js(h.Owner, true),
		js(orEmpty(h.Coowners), false),
		int(h.Status),
		deref(h.SubStatus),
		js(orEmpty(h.Precisions), false),
		js(orEmpty(h.VacancyReasons), false),
		string(h.Occupancy),
		intended,
		deref(h.VacancyStartYear),
		deref(h.LivingArea),
		deref(h.RoomsCount),
		deref(h.BuildingYear),
		formatTime(h.MutationDate),
		deref(h.EnergyConsumption),
		formatTime(h.EnergyConsumptionAt),
	}
	return args, jsonErr
}

func isNil(v any) bool {
	switch x := v.(type) {
	case []string:
		return x == nil
	case *model.Owner:
		return x == nil
	default:
		return v == nil
	}
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (model.Housing, error) {
	var (
		h                                        model.Housing
		id                                       string
		rawAddress, dataFileYears, owner         sql.NullString
		dataYears, coowners, precisions, reasons string
		status                                   int
		subStatus, intended, energy              sql.NullString
		occupancy                                string
		vacancyStart, rooms, buildingYear        sql.NullInt64
		livingArea                               sql.NullFloat64
		mutationDate, energyAt                   sql.NullString
	)
	if err := row.Scan(
		&id, &h.GeoCode, &h.LocalID, &rawAddress, &dataYears, &dataFileYears,
		&owner, &coowners, &status, &subStatus, &precisions, &reasons,
		&occupancy, &intended, &vacancyStart, &livingArea,
		&rooms, &buildingYear, &mutationDate, &energy, &energyAt,
	); err != nil {
		return model.Housing{}, err
	}

	var err error
	if h.ID, err = uuid.Parse(id); err != nil {
		return model.Housing{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	h.Status = model.FollowupStatus(status)
	h.Occupancy = model.Occupancy(occupancy)

	decoders := []struct {
		raw  string
		into any
	}{
		{rawAddress.String, &h.RawAddress},
		{dataYears, &h.DataYears},
		{dataFileYears.String, &h.DataFileYears},
		{owner.String, &h.Owner},
		{coowners, &h.Coowners},
		{precisions, &h.Precisions},
		{reasons, &h.VacancyReasons},
	}
	for _, d := range decoders {
		if d.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(d.raw), d.into); err != nil {
			return model.Housing{}, fmt.Errorf("decode %s: %w", id, err)
		}
	}

	if subStatus.Valid {
		h.SubStatus = &subStatus.String
	}
	if intended.Valid {
		o := model.Occupancy(intended.String)
		h.OccupancyIntended = &o
	}
	if energy.Valid {
		h.EnergyConsumption = &energy.String
	}
	if vacancyStart.Valid {
		v := int(vacancyStart.Int64)
		h.VacancyStartYear = &v
	}
	if rooms.Valid {
		v := int(rooms.Int64)
		h.RoomsCount = &v
	}
	if buildingYear.Valid {
		v := int(buildingYear.Int64)
		h.BuildingYear = &v
	}
	if livingArea.Valid {
		h.LivingArea = &livingArea.Float64
	}
	if h.MutationDate, err = parseTime(mutationDate); err != nil {
		return model.Housing{}, err
	}
	if h.EnergyConsumptionAt, err = parseTime(energyAt); err != nil {
		return model.Housing{}, err
	}
	return h, nil
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}
