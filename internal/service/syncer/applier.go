// Package syncer runs a reconciliation pass: it streams the housing registry,
// looks up each housing in the vintage, decides what to write, and applies the
// decisions in batches.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/habitat-data/vintagesync/internal/model"
	"github.com/habitat-data/vintagesync/internal/storage"
)

// ErrActorNotFound is returned when the automation user attributed to every
// written event does not exist. It is a configuration error.
var ErrActorNotFound = errors.New("syncer: automation actor not found")

// ActorDirectory resolves users by email.
type ActorDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
}

// HousingWriter replaces registry rows in bulk.
type HousingWriter interface {
	UpsertHousings(ctx context.Context, housings []model.Housing) (int64, error)
}

// EventWriter appends housing events in bulk.
type EventWriter interface {
	InsertHousingEvents(ctx context.Context, events []model.HousingEvent) (int64, error)
}

// ApplyResult counts the rows written by one Apply call.
type ApplyResult struct {
	Housings int64
	Events   int64
}

// Add accumulates another result.
func (r *ApplyResult) Add(o ApplyResult) {
	r.Housings += o.Housings
	r.Events += o.Events
}

// Applier persists batches of reconciliation actions. Housings are written
// before the events that reference them.
type Applier struct {
	directory  ActorDirectory
	housings   HousingWriter
	events     EventWriter
	actorEmail string
	logger     *slog.Logger

	mu    sync.Mutex
	actor *model.User
}

// NewApplier creates an Applier attributing events to the user with actorEmail.
func NewApplier(directory ActorDirectory, housings HousingWriter, events EventWriter, actorEmail string, logger *slog.Logger) *Applier {
	return &Applier{
		directory:  directory,
		housings:   housings,
		events:     events,
		actorEmail: actorEmail,
		logger:     logger,
	}
}

// Actor returns the automation user, resolving it on first use. A failed
// lookup is not cached.
func (a *Applier) Actor(ctx context.Context) (model.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.actor != nil {
		return *a.actor, nil
	}
	user, err := a.directory.GetUserByEmail(ctx, a.actorEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.User{}, fmt.Errorf("%w: %s", ErrActorNotFound, a.actorEmail)
		}
		return model.User{}, fmt.Errorf("syncer: resolve actor %s: %w", a.actorEmail, err)
	}
	a.actor = &user
	return user, nil
}

// Apply writes the housings of actions in one bulk upsert, then their events
// in one bulk insert. Events whose entity is not a housing are dropped.
func (a *Applier) Apply(ctx context.Context, actions []model.Action) (ApplyResult, error) {
	if len(actions) == 0 {
		return ApplyResult{}, nil
	}

	actor, err := a.Actor(ctx)
	if err != nil {
		return ApplyResult{}, err
	}

	housings, events, dropped := partition(actions, actor.ID)
	if dropped > 0 {
		a.logger.Warn("syncer: dropped events for unsupported entity", "dropped", dropped)
	}

	var res ApplyResult
	start := time.Now()
	if len(housings) > 0 {
		res.Housings, err = a.housings.UpsertHousings(ctx, housings)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("syncer: write housings: %w", err)
		}
	}
	if len(events) > 0 {
		res.Events, err = a.events.InsertHousingEvents(ctx, events)
		if err != nil {
			return res, fmt.Errorf("syncer: write events: %w", err)
		}
	}

	a.logger.Debug("syncer: batch applied",
		"actions", len(actions),
		"housings", res.Housings,
		"events", res.Events,
		"apply_duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func partition(actions []model.Action, actorID uuid.UUID) ([]model.Housing, []model.HousingEvent, int) {
	var (
		housings []model.Housing
		events   []model.HousingEvent
		dropped  int
	)
	for _, act := range actions {
		if act.Housing != nil {
			housings = append(housings, *act.Housing)
		}
		for _, e := range act.Events {
			if e.Type != model.EntityHousing {
				dropped++
				continue
			}
			e.CreatedBy = actorID
			events = append(events, e)
		}
	}
	return housings, events, dropped
}
