package vintagesync

import (
	"time"

	"github.com/google/uuid"

	"github.com/habitat-data/vintagesync/internal/model"
	"github.com/habitat-data/vintagesync/internal/service/syncer"
)

// RunStatus is the outcome of a reconciliation run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Report summarizes what a run wrote.
// No internal package types, so it is safe to use from outside the module.
type Report struct {
	Scanned         int64
	Saved           int64
	Discovered      int64
	HousingsWritten int64
	EventsWritten   int64
	Conflicts       int64
	Duration        time.Duration
}

// Run is the public view of one recorded reconciliation run.
type Run struct {
	ID          uuid.UUID
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Report      Report
	Error       string
}

func toPublicReport(r syncer.Report) Report {
	return Report{
		Scanned:         r.Scanned,
		Saved:           r.Saved,
		Discovered:      r.Discovered,
		HousingsWritten: r.HousingsWritten,
		EventsWritten:   r.EventsWritten,
		Conflicts:       r.Conflicts,
		Duration:        r.Duration,
	}
}

func (r Report) metadata() map[string]any {
	return map[string]any{
		"scanned":          r.Scanned,
		"saved":            r.Saved,
		"discovered":       r.Discovered,
		"housings_written": r.HousingsWritten,
		"events_written":   r.EventsWritten,
		"conflicts":        r.Conflicts,
		"duration_ms":      r.Duration.Milliseconds(),
	}
}

func runStatus(s RunStatus) model.RunStatus {
	if s == RunStatusCompleted {
		return model.RunStatusCompleted
	}
	return model.RunStatusFailed
}
