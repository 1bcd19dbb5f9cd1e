package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes for conflicts with a concurrent writer. A statement that
// fails with one of them can be replayed unchanged.
var transientCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

// transientCode returns the condition name when err is a transient conflict.
func transientCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := transientCodes[pgErr.Code]
	return name, ok
}

// WithRetry runs fn and replays it up to maxRetries times while it fails with
// a transient conflict. Other errors are returned as is. The wait doubles
// after each attempt, starting at baseDelay plus up to baseDelay of jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if _, ok := transientCode(err); !ok || attempt >= maxRetries {
			return err
		}

		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-timer.C:
		}
		delay *= 2
	}
}
