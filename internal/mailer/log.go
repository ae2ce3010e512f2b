package mailer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogProvider writes messages to the log instead of sending them.
type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(ctx context.Context, msg Message) (Result, error) {
	id := "log-" + uuid.NewString()
	p.logger.InfoContext(ctx, "Email logged instead of sent",
		"message_id", id,
		"to", msg.To,
		"subject", msg.Subject,
		"html_bytes", len(msg.HTML))
	return Result{MessageID: id}, nil
}
