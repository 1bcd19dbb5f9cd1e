package vintagesync

import "context"

// RunHook receives a notification when a reconciliation run ends.
// Multiple hooks may be registered via multiple WithRunHook calls.
// Hooks run synchronously after the run is recorded; failures are logged
// but do not change the run outcome.
type RunHook interface {
	OnRunFinished(ctx context.Context, run Run) error
}

// RunHookFunc adapts a plain function to RunHook.
type RunHookFunc func(ctx context.Context, run Run) error

// OnRunFinished calls f.
func (f RunHookFunc) OnRunFinished(ctx context.Context, run Run) error {
	return f(ctx, run)
}
