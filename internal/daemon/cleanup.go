package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type staleReleaser interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type tokenStore interface {
	DeleteExpiredResubmitTokens(ctx context.Context, before time.Time) (int, error)
}

// ReleaseStaleClaimsTask returns outbox rows left in processing by a crashed
// dispatcher to the queue.
func ReleaseStaleClaimsTask(outbox staleReleaser, logger *slog.Logger, interval, olderThan time.Duration) DaemonFunc {
	return func(ctx context.Context, name string) error {
		return every(ctx, logger, name, interval, func(ctx context.Context) error {
			_, err := outbox.ReleaseStale(ctx, olderThan)
			return err
		})
	}
}

// CleanupTask deletes resubmit tokens that expired more than retention ago.
func CleanupTask(tokens tokenStore, logger *slog.Logger, interval, retention time.Duration) DaemonFunc {
	return func(ctx context.Context, name string) error {
		return every(ctx, logger, name, interval, func(ctx context.Context) error {
			n, err := tokens.DeleteExpiredResubmitTokens(ctx, time.Now().Add(-retention))
			if err != nil {
				return fmt.Errorf("failed to delete expired resubmit tokens: %w", err)
			}
			if n > 0 {
				logger.Info("Deleted expired resubmit tokens", "count", n)
			}
			return nil
		})
	}
}
