package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

// Manager queues applicant emails in the outbox and alerts admins.
type Manager struct {
	logger   *slog.Logger
	recorder Recorder
	alerter  Alerter
}

func NewManager(logger *slog.Logger, recorder Recorder, alerter Alerter) *Manager {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if alerter == nil {
		alerter = NopAlerter{}
	}
	return &Manager{logger: logger, recorder: recorder, alerter: alerter}
}

type EmailParam struct {
	Template model.EmailTemplate
	To       string
	Payload  map[string]any
	// IdempotencyKey suppresses a second row for the same logical email.
	IdempotencyKey string
	ScheduledAt    time.Time
}

// Enqueue writes an outbox row inside tx. A row that already exists for the
// same idempotency key is not an error; ok is false in that case.
func (n *Manager) Enqueue(ctx context.Context, tx repository.Tx, params EmailParam) (entry model.EmailOutboxEntry, ok bool, err error) {
	enqueue := repository.EnqueueEmailParams{
		Template: params.Template,
		ToEmail:  params.To,
		Payload:  params.Payload,
	}
	if params.IdempotencyKey != "" {
		enqueue.IdempotencyKey = util.Some(params.IdempotencyKey)
	}
	if !params.ScheduledAt.IsZero() {
		enqueue.ScheduledAt = util.Some(params.ScheduledAt)
	}

	entry, err = tx.EnqueueEmail(ctx, enqueue)
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		n.logger.InfoContext(ctx, "Email already queued",
			"template", params.Template,
			"idempotency_key", params.IdempotencyKey)
		return model.EmailOutboxEntry{}, false, nil
	}
	if err != nil {
		return model.EmailOutboxEntry{}, false, fmt.Errorf("failed to enqueue %s email: %w", params.Template, err)
	}
	return entry, true, nil
}

// Committed hands entries queued by a committed transaction to the recorder.
func (n *Manager) Committed(ctx context.Context, entries ...model.EmailOutboxEntry) {
	for _, e := range entries {
		n.recorder.Record(ctx, e)
	}
}

// AlertAdmins is best effort: failures are logged and swallowed.
func (n *Manager) AlertAdmins(ctx context.Context, text string) {
	if err := n.alerter.Alert(ctx, text); err != nil {
		n.logger.WarnContext(ctx, "Failed to send admin alert", "error", err)
	}
}

// IdempotencyKey builds the key for an email about a registration at a given version.
func IdempotencyKey(tmpl model.EmailTemplate, reg model.Registration, parts ...string) string {
	key := fmt.Sprintf("%s:%s:v%d", tmpl, reg.ID, reg.Version)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
