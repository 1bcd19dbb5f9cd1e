// Package reconcile decides, for one housing, how the registry row changes when
// a new vintage of the source dataset is imported, and which audit events
// describe that change.
//
// Reconcile is pure: it performs no I/O, holds no shared mutable state, and
// reads the clock only to stamp emitted events. A single Reconciler may be
// used from any number of goroutines.
package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/habitat-data/vintagesync/internal/model"
)

// Reconciler computes next registry states from before/now/modifications.
type Reconciler struct {
	now   func() time.Time
	newID func() uuid.UUID
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the clock used to stamp CreatedAt on events.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator overrides the event ID source.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(r *Reconciler) { r.newID = gen }
}

// New returns a Reconciler using the wall clock and random UUIDs unless
// overridden.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Reconcile returns the action to apply for one housing. It is total over its
// input: any combination of present or absent Before/Now is accepted.
func (r *Reconciler) Reconcile(c model.Comparison) model.Action {
	switch {
	case c.Before == nil && c.Now == nil:
		return model.Action{}
	case c.Before == nil:
		return r.discover(c.Now)
	}

	k := classify(c)
	return rules[k.now][k.mod][k.status](r, c.Before, c.Now)
}

// discover registers a housing seen for the first time. The source occupancy
// is recorded on the event but the registry row always starts vacant and
// never contacted.
func (r *Reconciler) discover(now *model.Housing) model.Action {
	next := now.Clone()
	next.Occupancy = model.OccupancyVacant
	next.Status = model.StatusNeverContacted
	return model.Action{
		Housing: &next,
		Events: []model.HousingEvent{
			r.event(model.EventNameOccupancyRecorded, model.CategoryFollowup, model.SectionOccupancy, false, nil, now),
		},
	}
}

func (r *Reconciler) occupancyConflict(before, now *model.Housing) model.HousingEvent {
	return r.event(model.EventNameOccupancyConflict, model.CategoryFollowup, model.SectionOccupancy, true, before, now)
}

func (r *Reconciler) ownershipConflict(before, now *model.Housing) model.HousingEvent {
	return r.event(model.EventNameOwnershipConflict, model.CategoryOwnership, model.SectionOwners, true, before, now)
}

func (r *Reconciler) ownerChanged(before, now *model.Housing) model.HousingEvent {
	return r.event(model.EventNameOwnerChanged, model.CategoryOwnership, model.SectionOwners, false, before, now)
}

func (r *Reconciler) event(name string, category model.EventCategory, section string, conflict bool, before, now *model.Housing) model.HousingEvent {
	e := model.HousingEvent{
		ID:        r.newID(),
		Type:      model.EntityHousing,
		Name:      name,
		Kind:      model.EventKindUpdate,
		Category:  category,
		Section:   section,
		Conflict:  conflict,
		Old:       snapshot(before),
		New:       snapshot(now),
		CreatedAt: r.now(),
	}
	switch {
	case before != nil:
		e.HousingID = before.ID
	case now != nil:
		e.HousingID = now.ID
	}
	return e
}

func snapshot(h *model.Housing) *model.Housing {
	if h == nil {
		return nil
	}
	c := h.Clone()
	return &c
}

// concatDataYears keeps every vintage a housing appeared in, newest first.
// Duplicates are kept on purpose: the list is a provenance log.
func concatDataYears(now, before []int) []int {
	if len(now)+len(before) == 0 {
		return nil
	}
	out := make([]int, 0, len(now)+len(before))
	out = append(out, now...)
	return append(out, before...)
}
