package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind distinguishes creations from updates.
type EventKind string

const (
	EventKindCreate EventKind = "Create"
	EventKindUpdate EventKind = "Update"
)

// EventCategory groups events for reviewers.
type EventCategory string

const (
	CategoryFollowup  EventCategory = "Followup"
	CategoryOwnership EventCategory = "Ownership"
)

// EventEntity is the entity discriminator of an event row.
type EventEntity string

const (
	EntityHousing EventEntity = "housing"
	EntityOwner   EventEntity = "owner"
)

// Event names and sections emitted by reconciliation.
const (
	EventNameOccupancyConflict = "Possible occupancy conflict"
	EventNameOwnershipConflict = "Possible ownership conflict"
	EventNameOwnerChanged      = "Owner changed"
	EventNameOccupancyRecorded = "Occupancy recorded from vintage"

	SectionOccupancy = "Occupancy"
	SectionOwners    = "Owners"
)

// HousingEvent is an append-only audit record about one housing transition.
// Never mutated or deleted.
type HousingEvent struct {
	ID        uuid.UUID     `json:"id"`
	Type      EventEntity   `json:"type"`
	Name      string        `json:"name"`
	Kind      EventKind     `json:"kind"`
	Category  EventCategory `json:"category"`
	Section   string        `json:"section"`
	Conflict  bool          `json:"conflict"`
	Old       *Housing      `json:"old,omitempty"`
	New       *Housing      `json:"new,omitempty"`
	HousingID uuid.UUID     `json:"housing_id"`
	CreatedBy uuid.UUID     `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}
