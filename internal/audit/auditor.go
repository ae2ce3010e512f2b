package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

type Auditor struct {
	logger *slog.Logger
	repo   repository.Repository
}

func NewAuditor(logger *slog.Logger, repo repository.Repository) Auditor {
	return Auditor{logger: logger, repo: repo}
}

type LogEventParam struct {
	RegistrationID uuid.UUID
	AdminID        util.Optional[uuid.UUID]
	Type           model.AuditLogEventType
	Dimension      util.Optional[model.Dimension]
	Data           map[string]any
}

// LogEvent writes the event inside tx so it commits with the change it describes.
func (a *Auditor) LogEvent(ctx context.Context, tx repository.Tx, params LogEventParam) error {
	event, err := tx.CreateAuditLogEvent(ctx, repository.CreateAuditLogEventParams{
		RegistrationID: params.RegistrationID,
		AdminID:        params.AdminID,
		Type:           params.Type,
		Dimension:      params.Dimension,
		Data:           params.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit log event: %w", err)
	}

	a.logger.DebugContext(ctx, "Audit event recorded",
		"event_id", event.ID,
		"registration_id", params.RegistrationID,
		"type", params.Type)
	return nil
}

// Events returns the newest events first. A nil registrationID lists all registrations.
func (a *Auditor) Events(ctx context.Context, registrationID uuid.UUID, limit int) ([]model.AuditLogEvent, error) {
	params := repository.ListAuditLogEventsParams{Limit: limit}
	if registrationID != uuid.Nil {
		params.RegistrationID = util.Some(registrationID)
	}

	events, err := a.repo.ListAuditLogEvents(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log events: %w", err)
	}
	return events, nil
}
