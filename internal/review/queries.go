package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	recentEvents     = 20
)

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.Registration, error) {
	reg, err := m.repo.GetRegistration(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRegistrationNotFound) {
			return model.Registration{}, apperror.NotFound("registration %s not found", id)
		}
		return model.Registration{}, fmt.Errorf("failed to get registration %s: %w", id, err)
	}
	return reg, nil
}

type ListFilter struct {
	Status util.Optional[model.RegistrationStatus]
	Search util.Optional[string]
	Limit  int
	Offset int
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]model.Registration, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if filter.Offset < 0 {
		return nil, apperror.Validation("offset must not be negative")
	}

	regs, err := m.repo.ListRegistrations(ctx, repository.ListRegistrationsParams{
		Status: filter.Status,
		Search: filter.Search,
		Limit:  limit,
		Offset: filter.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	return regs, nil
}

// Files are short lived download links for a registration's documents.
type Files struct {
	ProfileImage string `json:"profile_image,omitempty"`
	PaymentSlip  string `json:"payment_slip,omitempty"`
	ChamberCard  string `json:"chamber_card,omitempty"`
	Badge        string `json:"badge,omitempty"`
}

// SignedFiles signs every stored document key. Missing keys stay empty.
func (m *Manager) SignedFiles(ctx context.Context, reg model.Registration, ttl time.Duration) (Files, error) {
	var files Files
	targets := []struct {
		key string
		dst *string
	}{
		{reg.ProfileImageKey, &files.ProfileImage},
		{reg.PaymentSlipKey, &files.PaymentSlip},
		{reg.ChamberCardKey, &files.ChamberCard},
		{reg.BadgeKey, &files.Badge},
	}
	for _, t := range targets {
		if t.key == "" {
			continue
		}
		u, err := m.store.SignedURL(ctx, t.key, ttl)
		if err != nil {
			return Files{}, fmt.Errorf("failed to sign %s: %w", t.key, err)
		}
		*t.dst = u
	}
	return files, nil
}

type Dashboard struct {
	Total        int                                            `json:"total"`
	ByStatus     map[model.RegistrationStatus]int               `json:"by_status"`
	ByDimension  map[model.Dimension]map[model.ReviewStatus]int `json:"by_dimension"`
	RecentEvents []model.AuditLogEvent                          `json:"recent_events"`
}

func (m *Manager) Dashboard(ctx context.Context) (Dashboard, error) {
	stats, err := m.repo.GetRegistrationStats(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("failed to get registration stats: %w", err)
	}
	events, err := m.auditor.Events(ctx, uuid.Nil, recentEvents)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		Total:        stats.Total,
		ByStatus:     stats.ByStatus,
		ByDimension:  stats.ByDimension,
		RecentEvents: events,
	}, nil
}

// History returns the audit trail of one registration, newest first.
func (m *Manager) History(ctx context.Context, id uuid.UUID, limit int) ([]model.AuditLogEvent, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return m.auditor.Events(ctx, id, limit)
}
