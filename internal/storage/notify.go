package storage

import (
	"context"
	"fmt"
)

// ChannelSyncRuns carries a JSON payload each time a reconciliation run ends,
// so listeners (the web application) can refresh cached housing views.
const ChannelSyncRuns = "vintagesync_runs"

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
