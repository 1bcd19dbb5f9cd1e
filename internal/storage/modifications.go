package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/habitat-data/vintagesync/internal/model"
)

// FindModifications returns the pending local edits of one housing, oldest
// first. It returns an empty slice when there are none.
func (db *DB) FindModifications(ctx context.Context, housingID uuid.UUID) ([]model.Modification, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, housing_id, kind, created_by, created_at
		 FROM housing_modifications WHERE housing_id = $1
		 ORDER BY created_at ASC`, housingID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find modifications: %w", err)
	}
	defer rows.Close()

	mods := []model.Modification{}
	for rows.Next() {
		var (
			m    model.Modification
			kind string
		)
		if err := rows.Scan(&m.ID, &m.HousingID, &kind, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan modification: %w", err)
		}
		m.Kind = model.ModificationKind(kind)
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// CreateModification records a local edit of a housing.
func (db *DB) CreateModification(ctx context.Context, m model.Modification) (model.Modification, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO housing_modifications (id, housing_id, kind, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.HousingID, string(m.Kind), m.CreatedBy, m.CreatedAt,
	)
	if err != nil {
		return model.Modification{}, fmt.Errorf("storage: create modification: %w", err)
	}
	return m, nil
}
