package syncer

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/habitat-data/vintagesync/internal/model"
	"github.com/habitat-data/vintagesync/internal/reconcile"
	"github.com/habitat-data/vintagesync/internal/telemetry"
)

// Pipeline defaults.
const (
	DefaultBatchSize        = 1000
	DefaultConcurrency      = 8
	DefaultProgressInterval = 10 * time.Second
)

// RegistryReader reads the housing registry.
type RegistryReader interface {
	CountHousings(ctx context.Context) (int64, error)
	StreamHousings(ctx context.Context) iter.Seq2[model.Housing, error]
	HousingExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// SourceReader reads the current vintage. FindSourceHousing returns nil when
// the housing is absent from the vintage and must be safe for concurrent use.
type SourceReader interface {
	FindSourceHousing(ctx context.Context, id uuid.UUID) (*model.Housing, error)
	StreamSourceHousings(ctx context.Context) iter.Seq2[model.Housing, error]
}

// ModificationReader lists the local modifications recorded on a housing.
type ModificationReader interface {
	FindModifications(ctx context.Context, housingID uuid.UUID) ([]model.Modification, error)
}

// Options tunes a pass. Zero values take the package defaults.
type Options struct {
	BatchSize        int
	Concurrency      int
	DiscoverNew      bool
	ProgressInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	return o
}

// Report summarizes a completed pass.
type Report struct {
	Scanned         int64         `json:"scanned"`
	Saved           int64         `json:"saved"`
	Discovered      int64         `json:"discovered"`
	HousingsWritten int64         `json:"housings_written"`
	EventsWritten   int64         `json:"events_written"`
	Conflicts       int64         `json:"conflicts"`
	Duration        time.Duration `json:"duration"`
}

// Orchestrator drives reconciliation passes over the registry.
type Orchestrator struct {
	registry   RegistryReader
	source     SourceReader
	mods       ModificationReader
	reconciler *reconcile.Reconciler
	applier    *Applier
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer

	current atomic.Pointer[Progress]
}

// NewOrchestrator wires a pass. Call after telemetry.Init so the progress
// gauges bind to the global meter provider.
func NewOrchestrator(
	registry RegistryReader,
	source SourceReader,
	mods ModificationReader,
	reconciler *reconcile.Reconciler,
	applier *Applier,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		source:     source,
		mods:       mods,
		reconciler: reconciler,
		applier:    applier,
		opts:       opts.withDefaults(),
		logger:     logger,
		tracer:     telemetry.Tracer("vintagesync/syncer"),
	}
	o.registerMetrics()
	return o
}

// Progress returns the progress of the running or last pass, or nil before
// the first Run.
func (o *Orchestrator) Progress() *Progress {
	return o.current.Load()
}

// Run performs one full pass. The automation actor is resolved before any
// record is read. The first error aborts the pass; batches already applied
// stay applied and the returned report counts them.
func (o *Orchestrator) Run(ctx context.Context) (rep Report, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "syncer.run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	progress := NewProgress()
	o.current.Store(progress)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer progress.finish()
	wg.Go(func() { progress.report(ctx, o.logger, o.opts.ProgressInterval) })

	defer func() {
		rep.Scanned = progress.Scanned()
		rep.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int64("vintagesync.scanned", rep.Scanned),
			attribute.Int64("vintagesync.conflicts", rep.Conflicts),
		)
	}()

	if _, err := o.applier.Actor(ctx); err != nil {
		return rep, err
	}

	total, err := o.registry.CountHousings(ctx)
	if err != nil {
		return rep, fmt.Errorf("syncer: count registry: %w", err)
	}
	progress.total.Store(total)
	o.logger.Info("syncer: pass started", "total", total, "batch_size", o.opts.BatchSize, "concurrency", o.opts.Concurrency)

	if err := o.pipeline(ctx, o.registry.StreamHousings(ctx), o.reconcileRecord, progress, &rep); err != nil {
		return rep, err
	}

	if o.opts.DiscoverNew {
		saved := rep.Saved
		err := o.pipeline(ctx, o.source.StreamSourceHousings(ctx), o.discoverRecord, progress, &rep)
		rep.Discovered = rep.Saved - saved
		if err != nil {
			return rep, err
		}
	}

	o.logger.Info("syncer: pass completed",
		"scanned", progress.Scanned(),
		"saved", rep.Saved,
		"discovered", rep.Discovered,
		"housings_written", rep.HousingsWritten,
		"events_written", rep.EventsWritten,
		"conflicts", rep.Conflicts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return rep, nil
}

// decideFunc turns one streamed record into an action. ok=false means the
// record produces nothing to batch.
type decideFunc func(ctx context.Context, h model.Housing) (action model.Action, ok bool, err error)

// pipeline enriches records on a bounded pool of workers and batches their
// actions in stream order. Callbacks run one at a time, so the pending batch
// and rep are only touched from the callback goroutine until Wait returns.
func (o *Orchestrator) pipeline(
	ctx context.Context,
	records iter.Seq2[model.Housing, error],
	decide decideFunc,
	progress *Progress,
	rep *Report,
) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var pending []model.Action
	s := stream.New().WithMaxGoroutines(o.opts.Concurrency)
	for h, err := range records {
		if err != nil {
			cancel(err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		s.Go(func() stream.Callback {
			if ctx.Err() != nil {
				return func() {}
			}
			action, ok, err := decide(ctx, h)
			return func() {
				if err != nil {
					cancel(err)
					return
				}
				if !ok || ctx.Err() != nil {
					return
				}
				pending = append(pending, action)
				if len(pending) >= o.opts.BatchSize {
					if err := o.flush(ctx, pending, progress, rep); err != nil {
						cancel(err)
					}
					pending = make([]model.Action, 0, o.opts.BatchSize)
				}
			}
		})
	}
	s.Wait()

	if err := context.Cause(ctx); err != nil {
		return err
	}
	return o.flush(ctx, pending, progress, rep)
}

func (o *Orchestrator) flush(ctx context.Context, actions []model.Action, progress *Progress, rep *Report) error {
	if len(actions) == 0 {
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "syncer.apply_batch",
		trace.WithAttributes(attribute.Int("vintagesync.batch.size", len(actions))))
	defer span.End()

	res, err := o.applier.Apply(ctx, actions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	progress.saved.Add(int64(len(actions)))
	rep.Saved += int64(len(actions))
	rep.HousingsWritten += res.Housings
	rep.EventsWritten += res.Events
	rep.Conflicts += countConflicts(actions)
	return nil
}

// reconcileRecord looks up the vintage row and the local modifications of a
// registry record in parallel, then decides its next state.
func (o *Orchestrator) reconcileRecord(ctx context.Context, before model.Housing) (model.Action, bool, error) {
	o.current.Load().scanned.Add(1)

	c := model.Comparison{Before: &before}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		now, err := o.source.FindSourceHousing(gctx, before.ID)
		if err != nil {
			return fmt.Errorf("find source housing: %w", err)
		}
		c.Now = now
		return nil
	})
	g.Go(func() error {
		mods, err := o.mods.FindModifications(gctx, before.ID)
		if err != nil {
			return fmt.Errorf("find modifications: %w", err)
		}
		c.Modifications = mods
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Action{}, false, fmt.Errorf("syncer: enrich housing %s: %w", before.ID, err)
	}
	return o.reconciler.Reconcile(c), true, nil
}

// discoverRecord reconciles a vintage row the registry has never seen.
func (o *Orchestrator) discoverRecord(ctx context.Context, now model.Housing) (model.Action, bool, error) {
	exists, err := o.registry.HousingExists(ctx, now.ID)
	if err != nil {
		return model.Action{}, false, fmt.Errorf("syncer: discover housing %s: %w", now.ID, err)
	}
	if exists {
		return model.Action{}, false, nil
	}
	return o.reconciler.Reconcile(model.Comparison{Now: &now}), true, nil
}

func countConflicts(actions []model.Action) int64 {
	var n int64
	for _, a := range actions {
		for _, e := range a.Events {
			if e.Conflict {
				n++
			}
		}
	}
	return n
}

// registerMetrics exposes the counters of the current pass as gauges.
func (o *Orchestrator) registerMetrics() {
	meter := telemetry.Meter("vintagesync/syncer")

	gauges := []struct {
		name, desc string
		read       func(*Progress) int64
	}{
		{"vintagesync.progress.total", "Registry records counted before the pass", (*Progress).Total},
		{"vintagesync.progress.scanned", "Registry records read by the pass", (*Progress).Scanned},
		{"vintagesync.progress.saved", "Actions handed to storage by the pass", (*Progress).Saved},
	}
	for _, g := range gauges {
		_, _ = meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				if p := o.current.Load(); p != nil {
					obs.Observe(g.read(p))
				}
				return nil
			}),
		)
	}
}
