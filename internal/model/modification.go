package model

import (
	"time"

	"github.com/google/uuid"
)

// ModificationKind identifies what a human editor changed locally.
type ModificationKind string

// ModificationOwnersUpdated marks a manual edit of a housing's owners.
const ModificationOwnersUpdated ModificationKind = "housing:owners-updated"

// Modification records that a housing was edited locally since the last
// vintage was reconciled.
type Modification struct {
	ID        uuid.UUID        `json:"id"`
	HousingID uuid.UUID        `json:"housing_id"`
	Kind      ModificationKind `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
	CreatedBy uuid.UUID        `json:"created_by"`
}

// AffectsOwnership reports whether the modification touched ownership data.
func (m Modification) AffectsOwnership() bool {
	return m.Kind == ModificationOwnersUpdated
}

// HasOwnershipModification reports whether any modification affects ownership.
func HasOwnershipModification(mods []Modification) bool {
	for _, m := range mods {
		if m.AffectsOwnership() {
			return true
		}
	}
	return false
}

// Comparison is the reconciliation input for exactly one housing.
// Before is the registry row (nil if never seen); Now is the current vintage
// row (nil if the housing is missing from the extract).
type Comparison struct {
	Before        *Housing
	Now           *Housing
	Modifications []Modification
}

// Action is the reconciliation output. A nil Housing means the registry row
// must not be written this run; it never means delete.
type Action struct {
	Housing *Housing
	Events  []HousingEvent
}

// Empty reports whether the action writes nothing.
func (a Action) Empty() bool {
	return a.Housing == nil && len(a.Events) == 0
}

// User is an account from the actor directory.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
