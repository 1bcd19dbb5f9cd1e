package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Progress tracks one reconciliation pass. Counters only grow.
type Progress struct {
	total   atomic.Int64
	scanned atomic.Int64
	saved   atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

// NewProgress returns a Progress with zeroed counters.
func NewProgress() *Progress {
	return &Progress{done: make(chan struct{})}
}

// Total is the registry size measured before the pass. It may be approximate.
func (p *Progress) Total() int64 { return p.total.Load() }

// Scanned is the number of registry records read so far.
func (p *Progress) Scanned() int64 { return p.scanned.Load() }

// Saved is the number of actions handed to storage so far.
func (p *Progress) Saved() int64 { return p.saved.Load() }

// Done is closed when the pass ends, successfully or not.
func (p *Progress) Done() <-chan struct{} { return p.done }

// Percent returns scanned/total in [0, 100].
func (p *Progress) Percent() float64 {
	total := p.Total()
	if total <= 0 {
		return 0
	}
	pct := float64(p.Scanned()) / float64(total) * 100
	return min(pct, 100)
}

func (p *Progress) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

// report logs the counters every interval until the pass ends or ctx is done.
func (p *Progress) report(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("syncer: progress",
				"scanned", p.Scanned(),
				"saved", p.Saved(),
				"total", p.Total(),
				"percent", int(p.Percent()),
			)
		}
	}
}
