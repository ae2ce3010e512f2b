package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/audit"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

// ApplicantChanges are profile fields an applicant may correct.
type ApplicantChanges struct {
	FirstName    util.Optional[string]
	LastName     util.Optional[string]
	Nickname     util.Optional[string]
	Phone        util.Optional[string]
	LineID       util.Optional[string]
	CompanyName  util.Optional[string]
	BusinessType util.Optional[string]
	Province     util.Optional[string]
}

func (c ApplicantChanges) empty() bool {
	return !c.FirstName.IsSet && !c.LastName.IsSet && !c.Nickname.IsSet && !c.Phone.IsSet &&
		!c.LineID.IsSet && !c.CompanyName.IsSet && !c.BusinessType.IsSet && !c.Province.IsSet
}

func (c ApplicantChanges) apply(a *model.Applicant) {
	set := func(dst *string, v util.Optional[string]) {
		if v.IsSet {
			*dst = strings.TrimSpace(v.Val)
		}
	}
	set(&a.FirstName, c.FirstName)
	set(&a.LastName, c.LastName)
	set(&a.Nickname, c.Nickname)
	set(&a.Phone, c.Phone)
	set(&a.LineID, c.LineID)
	set(&a.CompanyName, c.CompanyName)
	set(&a.BusinessType, c.BusinessType)
	set(&a.Province, c.Province)
}

type Changes struct {
	ProfileImageKey util.Optional[string]
	PaymentSlipKey  util.Optional[string]
	ChamberCardKey  util.Optional[string]
	Applicant       ApplicantChanges
}

// validateChanges requires the document of the dimension being fixed and
// refuses documents of other dimensions.
func validateChanges(dim model.Dimension, c Changes) error {
	switch dim {
	case model.DimensionPayment:
		if !c.PaymentSlipKey.IsSet {
			return apperror.Validation("a new payment slip is required")
		}
		if c.ProfileImageKey.IsSet || c.ChamberCardKey.IsSet || !c.Applicant.empty() {
			return apperror.Validation("only the payment slip can be updated with this link")
		}
	case model.DimensionTCC:
		if !c.ChamberCardKey.IsSet {
			return apperror.Validation("a new chamber of commerce card is required")
		}
		if c.ProfileImageKey.IsSet || c.PaymentSlipKey.IsSet || !c.Applicant.empty() {
			return apperror.Validation("only the chamber of commerce card can be updated with this link")
		}
	case model.DimensionProfile:
		if !c.ProfileImageKey.IsSet && c.Applicant.empty() {
			return apperror.Validation("a new profile image or profile details are required")
		}
		if c.PaymentSlipKey.IsSet || c.ChamberCardKey.IsSet {
			return apperror.Validation("only profile details can be updated with this link")
		}
	}
	return nil
}

// ResolveResubmit checks a resubmission token and returns the registration
// and dimension it is bound to. Every failure is the same InvalidToken so
// callers learn nothing about which registrations exist.
func (m *Manager) ResolveResubmit(ctx context.Context, raw string) (model.Registration, model.Dimension, error) {
	claims, err := m.tokens.ParseResubmit(raw)
	if err != nil {
		return model.Registration{}, "", apperror.InvalidToken(err)
	}
	id, _ := uuid.Parse(claims.RegistrationID)
	dim := model.Dimension(claims.Dimension)

	reg, err := m.repo.GetRegistration(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRegistrationNotFound) {
			return model.Registration{}, "", apperror.InvalidToken(err)
		}
		return model.Registration{}, "", fmt.Errorf("failed to load registration %s: %w", id, err)
	}
	if reg.ReviewChecklist.Status(dim) != model.ReviewStatusNeedsUpdate {
		return model.Registration{}, "", apperror.InvalidToken(errors.New("dimension no longer needs an update"))
	}
	return reg, dim, nil
}

// Resubmit applies the applicant's corrections for dim and puts the
// dimension back in the review queue. The token is consumed in the same
// transaction, so it works at most once.
func (m *Manager) Resubmit(ctx context.Context, id uuid.UUID, dim model.Dimension, changes Changes, rawToken string) (model.Registration, error) {
	claims, err := m.tokens.VerifyResubmit(rawToken, id, dim)
	if err != nil {
		return model.Registration{}, apperror.InvalidToken(err)
	}
	if err := validateChanges(dim, changes); err != nil {
		return model.Registration{}, err
	}

	var updated model.Registration
	err = m.repo.InTx(ctx, func(tx repository.Tx) error {
		stored, err := tx.ConsumeResubmitToken(ctx, claims.ID, m.cfg.Now())
		if err != nil {
			if errors.Is(err, repository.ErrResubmitTokenNotAvailable) {
				return apperror.InvalidToken(err)
			}
			return fmt.Errorf("failed to consume resubmit token: %w", err)
		}
		if stored.RegistrationID != id || stored.Dimension != dim {
			return apperror.InvalidToken(errors.New("stored token binding mismatch"))
		}

		reg, err := tx.GetRegistrationForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrRegistrationNotFound) {
				return apperror.InvalidToken(err)
			}
			return fmt.Errorf("failed to load registration %s: %w", id, err)
		}
		if reg.Status.IsTerminal() {
			return apperror.Conflict("registration is already %s", reg.Status)
		}
		if reg.ReviewChecklist.Status(dim) != model.ReviewStatusNeedsUpdate {
			return apperror.InvalidToken(errors.New("dimension no longer needs an update"))
		}

		var fields []string
		if changes.ProfileImageKey.IsSet {
			reg.ProfileImageKey = changes.ProfileImageKey.Val
			fields = append(fields, "profile_image")
		}
		if changes.PaymentSlipKey.IsSet {
			reg.PaymentSlipKey = changes.PaymentSlipKey.Val
			fields = append(fields, "payment_slip")
		}
		if changes.ChamberCardKey.IsSet {
			reg.ChamberCardKey = changes.ChamberCardKey.Val
			fields = append(fields, "chamber_card")
		}
		if !changes.Applicant.empty() {
			changes.Applicant.apply(&reg.Applicant)
			fields = append(fields, "applicant")
		}

		item := reg.ReviewChecklist[dim]
		item.Status = model.ReviewStatusPending
		reg.ReviewChecklist[dim] = item
		reg.UpdateReason = nextUpdateReason(reg)
		reg.Recompute()

		updated, err = tx.UpdateRegistration(ctx, reg)
		if err != nil {
			return fmt.Errorf("failed to update registration: %w", err)
		}

		return m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			RegistrationID: updated.ID,
			Type:           model.AuditLogEventTypeRegistrationResubmitted,
			Dimension:      util.Some(dim),
			Data:           map[string]any{"fields": fields, "status": updated.Status},
		})
	})
	if err != nil {
		return model.Registration{}, err
	}

	m.count(ctx, "resubmit", dim)
	m.logger.InfoContext(ctx, "Registration resubmitted",
		"registration_id", updated.ID,
		"dimension", dim,
		"status", updated.Status)
	m.notifier.AlertAdmins(ctx, fmt.Sprintf("Registration %s resubmitted %s for review", updated.RegistrationCode, dim))
	return updated, nil
}
