package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EmailTemplate string

const (
	EmailTemplateTracking      EmailTemplate = "tracking"
	EmailTemplateUpdatePayment EmailTemplate = "update-payment"
	EmailTemplateUpdateInfo    EmailTemplate = "update-info"
	EmailTemplateUpdateTCC     EmailTemplate = "update-tcc"
	EmailTemplateApprovalBadge EmailTemplate = "approval-badge"
	EmailTemplateRejection     EmailTemplate = "rejection"
)

var EmailTemplates = []EmailTemplate{
	EmailTemplateTracking,
	EmailTemplateUpdatePayment,
	EmailTemplateUpdateInfo,
	EmailTemplateUpdateTCC,
	EmailTemplateApprovalBadge,
	EmailTemplateRejection,
}

func EmailTemplateFromString(s string) (EmailTemplate, error) {
	for _, t := range EmailTemplates {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown email template %q", s)
}

// UpdateTemplate returns the update request email for dim.
func UpdateTemplate(dim Dimension) EmailTemplate {
	switch dim {
	case DimensionPayment:
		return EmailTemplateUpdatePayment
	case DimensionProfile:
		return EmailTemplateUpdateInfo
	default:
		return EmailTemplateUpdateTCC
	}
}

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusBlocked    OutboxStatus = "blocked"
	OutboxStatusCapped     OutboxStatus = "capped"
	OutboxStatusSkipped    OutboxStatus = "skipped"
)

// IsDue reports whether a row in this status is picked up by the next dispatch run.
func (s OutboxStatus) IsDue() bool {
	return s == OutboxStatusPending || s == OutboxStatusCapped
}

type EmailOutboxEntry struct {
	ID                uuid.UUID       `json:"id"`
	Seq               int64           `json:"seq"`
	Template          EmailTemplate   `json:"template"`
	ToEmail           string          `json:"to_email"`
	Payload           json.RawMessage `json:"payload"`
	Status            OutboxStatus    `json:"status"`
	Attempts          int             `json:"attempts"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	NextAttemptAt     time.Time       `json:"next_attempt_at"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	// ClaimID identifies the dispatch run holding the row while it is processing.
	ClaimID           *uuid.UUID      `json:"claim_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	LastError         *string         `json:"last_error,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PayloadMap decodes the template variables.
func (e EmailOutboxEntry) PayloadMap() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, fmt.Errorf("model: failed to decode payload of outbox entry %s: %w", e.ID, err)
	}
	return out, nil
}
