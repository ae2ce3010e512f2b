package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/yecday/registration/internal/outbox"
)

type emailDispatcher interface {
	Dispatch(ctx context.Context, params outbox.DispatchParams) (outbox.Result, error)
}

// DispatchEmailsTask drains the email outbox on every tick. Several
// replicas may run it at once; row claims keep each email with one of them.
func DispatchEmailsTask(dispatcher emailDispatcher, logger *slog.Logger, interval time.Duration, batchSize int) DaemonFunc {
	return func(ctx context.Context, name string) error {
		return every(ctx, logger, name, interval, func(ctx context.Context) error {
			res, err := dispatcher.Dispatch(ctx, outbox.DispatchParams{BatchSize: batchSize})
			if err != nil {
				return err
			}
			if res.Remaining > 0 {
				logger.Debug("Email backlog", "task", name, "remaining", res.Remaining)
			}
			return nil
		})
	}
}
