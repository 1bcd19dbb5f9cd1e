package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FollowupStatus is the follow-up state a human editor attaches to a housing.
// Values are persisted as small integers.
type FollowupStatus int

const (
	StatusNeverContacted FollowupStatus = 0
	StatusWaiting        FollowupStatus = 1
	StatusFirstContact   FollowupStatus = 2
	StatusInProgress     FollowupStatus = 3
	StatusNoAction       FollowupStatus = 4
	StatusNotVacant      FollowupStatus = 5
	StatusExit           FollowupStatus = 6
)

var followupStatusNames = map[FollowupStatus]string{
	StatusNeverContacted: "never-contacted",
	StatusWaiting:        "waiting",
	StatusFirstContact:   "first-contact",
	StatusInProgress:     "in-progress",
	StatusNoAction:       "no-action",
	StatusNotVacant:      "not-vacant",
	StatusExit:           "exit",
}

// FollowupStatuses lists every known status in declaration order.
func FollowupStatuses() []FollowupStatus {
	return []FollowupStatus{
		StatusNeverContacted,
		StatusWaiting,
		StatusFirstContact,
		StatusInProgress,
		StatusNoAction,
		StatusNotVacant,
		StatusExit,
	}
}

func (s FollowupStatus) String() string {
	if name, ok := followupStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s FollowupStatus) Valid() bool {
	_, ok := followupStatusNames[s]
	return ok
}

// IsDormant reports whether a housing in this status may be marked as exited
// when it disappears from a vintage.
func (s FollowupStatus) IsDormant() bool {
	switch s {
	case StatusNeverContacted, StatusWaiting, StatusNotVacant, StatusExit:
		return true
	default:
		return false
	}
}

// IsNoLongerVacant reports whether the housing was already judged as not vacant
// or out of scope by a human.
func (s FollowupStatus) IsNoLongerVacant() bool {
	return s == StatusNotVacant || s == StatusExit
}

// ParseFollowupStatus accepts the names returned by String.
func ParseFollowupStatus(name string) (FollowupStatus, error) {
	for status, n := range followupStatusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("model: unknown followup status %q", name)
}

// Occupancy is the occupancy code reported by the source dataset.
type Occupancy string

const (
	OccupancyVacant    Occupancy = "V"
	OccupancyRent      Occupancy = "L"
	OccupancyOwner     Occupancy = "P"
	OccupancySecondary Occupancy = "RS"
	OccupancyOthers    Occupancy = "A"
	OccupancyUnknown   Occupancy = "inconnu"
)

// Valid reports whether o is one of the declared occupancy codes.
func (o Occupancy) Valid() bool {
	switch o {
	case OccupancyVacant, OccupancyRent, OccupancyOwner, OccupancySecondary, OccupancyOthers, OccupancyUnknown:
		return true
	default:
		return false
	}
}

// SubStatusAbsent is written on housings that left the source dataset.
const SubStatusAbsent = "Absent from next vintage"

// Owner is a person or legal entity owning a housing. Rank 1 is the primary
// owner; co-owners use rank 2 and above.
type Owner struct {
	ID         uuid.UUID  `json:"id"`
	FullName   string     `json:"full_name"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	RawAddress []string   `json:"raw_address,omitempty"`
	Rank       int        `json:"rank"`
}

// Housing is the full known state of one housing unit at a point in time.
// Registry rows and source rows share the same ID for the same unit.
type Housing struct {
	ID                  uuid.UUID      `json:"id"`
	GeoCode             string         `json:"geo_code"`
	LocalID             string         `json:"local_id"`
	RawAddress          []string       `json:"raw_address,omitempty"`
	DataYears           []int          `json:"data_years"`
	DataFileYears       []string       `json:"data_file_years,omitempty"`
	Owner               *Owner         `json:"owner,omitempty"`
	Coowners            []Owner        `json:"coowners"`
	Status              FollowupStatus `json:"status"`
	SubStatus           *string        `json:"sub_status,omitempty"`
	Precisions          []string       `json:"precisions"`
	VacancyReasons      []string       `json:"vacancy_reasons"`
	Occupancy           Occupancy      `json:"occupancy"`
	OccupancyIntended   *Occupancy     `json:"occupancy_intended,omitempty"`
	VacancyStartYear    *int           `json:"vacancy_start_year,omitempty"`
	LivingArea          *float64       `json:"living_area,omitempty"`
	RoomsCount          *int           `json:"rooms_count,omitempty"`
	BuildingYear        *int           `json:"building_year,omitempty"`
	MutationDate        *time.Time     `json:"mutation_date,omitempty"`
	EnergyConsumption   *string        `json:"energy_consumption,omitempty"`
	EnergyConsumptionAt *time.Time     `json:"energy_consumption_at,omitempty"`
}

// Validate checks the fields a vintage row must carry before it is staged.
// Geo codes are 5 characters: digits, or "2A"/"2B" followed by digits for Corsica.
func (h Housing) Validate() error {
	if h.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if len(h.GeoCode) != 5 {
		return fmt.Errorf("geo_code must be 5 characters, got %q", h.GeoCode)
	}
	for i := 0; i < len(h.GeoCode); i++ {
		c := h.GeoCode[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if i == 1 && h.GeoCode[0] == '2' && (c == 'A' || c == 'B') {
			continue
		}
		return fmt.Errorf("geo_code contains invalid character at position %d: %q", i, c)
	}
	if h.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if !h.Status.Valid() {
		return fmt.Errorf("unknown status %d", int(h.Status))
	}
	if !h.Occupancy.Valid() {
		return fmt.Errorf("unknown occupancy %q", h.Occupancy)
	}
	return nil
}

// OwnerName returns the primary owner's full name, or "" when unknown.
func (h Housing) OwnerName() string {
	if h.Owner == nil {
		return ""
	}
	return h.Owner.FullName
}

// Clone returns a deep copy so callers can derive a next state without
// aliasing slices or pointers of the original.
func (h Housing) Clone() Housing {
	c := h
	c.SubStatus = clonePtr(h.SubStatus)
	c.OccupancyIntended = clonePtr(h.OccupancyIntended)
	c.VacancyStartYear = clonePtr(h.VacancyStartYear)
	c.LivingArea = clonePtr(h.LivingArea)
	c.RoomsCount = clonePtr(h.RoomsCount)
	c.BuildingYear = clonePtr(h.BuildingYear)
	c.MutationDate = clonePtr(h.MutationDate)
	c.EnergyConsumption = clonePtr(h.EnergyConsumption)
	c.EnergyConsumptionAt = clonePtr(h.EnergyConsumptionAt)
	c.RawAddress = cloneSlice(h.RawAddress)
	c.DataYears = cloneSlice(h.DataYears)
	c.DataFileYears = cloneSlice(h.DataFileYears)
	c.Precisions = cloneSlice(h.Precisions)
	c.VacancyReasons = cloneSlice(h.VacancyReasons)
	if h.Owner != nil {
		o := h.Owner.clone()
		c.Owner = &o
	}
	if h.Coowners != nil {
		c.Coowners = make([]Owner, len(h.Coowners))
		for i, o := range h.Coowners {
			c.Coowners[i] = o.clone()
		}
	}
	return c
}

func (o Owner) clone() Owner {
	c := o
	c.BirthDate = clonePtr(o.BirthDate)
	c.RawAddress = cloneSlice(o.RawAddress)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
