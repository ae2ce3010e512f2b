package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/audit"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/notifications"
	"github.com/yecday/registration/internal/rbac"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/storage"
	"github.com/yecday/registration/internal/token"
	"github.com/yecday/registration/internal/util"
)

const codePrefix = "YEC-"

type BadgeRenderer interface {
	Render(ctx context.Context, reg model.Registration) ([]byte, error)
}

type Config struct {
	// PublicURL is where applicants open resubmission links.
	PublicURL   string
	BadgeURLTTL time.Duration
	Now         func() time.Time
}

// Manager owns every transition of a registration. Each mutating method
// checks permissions and input first, then runs one transaction that locks
// the registration and writes state, audit event and outbox row together.
type Manager struct {
	logger     *slog.Logger
	repo       repository.Repository
	authorizer *rbac.Authorizer
	tokens     *token.Manager
	notifier   *notifications.Manager
	auditor    audit.Auditor
	badges     BadgeRenderer
	store      storage.Storage
	cfg        Config

	actions metric.Int64Counter
}

func NewManager(
	logger *slog.Logger,
	repo repository.Repository,
	authorizer *rbac.Authorizer,
	tokens *token.Manager,
	notifier *notifications.Manager,
	badges BadgeRenderer,
	store storage.Storage,
	cfg Config,
) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BadgeURLTTL <= 0 {
		cfg.BadgeURLTTL = 7 * 24 * time.Hour
	}

	actions, err := otel.Meter("github.com/yecday/registration/internal/review").Int64Counter(
		"review.actions",
		metric.WithDescription("Registration review transitions"),
	)
	if err != nil {
		logger.Warn("Failed to create review.actions counter", "error", err)
	}

	return &Manager{
		logger:     logger,
		repo:       repo,
		authorizer: authorizer,
		tokens:     tokens,
		notifier:   notifier,
		auditor:    audit.NewAuditor(logger, repo),
		badges:     badges,
		store:      store,
		cfg:        cfg,
		actions:    actions,
	}
}

func (m *Manager) count(ctx context.Context, action string, dim model.Dimension) {
	if m.actions == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("dimension", string(dim)),
	))
}

// NewRegistrationCode returns a short human readable code such as YEC-7K2M9Q.
func NewRegistrationCode() (string, error) {
	code, err := util.RandomCode(6)
	if err != nil {
		return "", fmt.Errorf("failed to generate registration code: %w", err)
	}
	return codePrefix + code, nil
}

func parseDimension(dim model.Dimension) (model.Dimension, error) {
	d, err := model.DimensionFromString(string(dim))
	if err != nil {
		return "", apperror.Validation("unknown dimension %q", dim)
	}
	return d, nil
}

// lockForTransition loads the registration for update and rejects terminal ones.
func lockForTransition(ctx context.Context, tx repository.Tx, id uuid.UUID) (model.Registration, error) {
	reg, err := tx.GetRegistrationForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRegistrationNotFound) {
			return model.Registration{}, apperror.NotFound("registration %s not found", id)
		}
		return model.Registration{}, fmt.Errorf("failed to load registration %s: %w", id, err)
	}
	if reg.Status.IsTerminal() {
		return model.Registration{}, apperror.Conflict("registration is already %s", reg.Status)
	}
	return reg, nil
}

// nextUpdateReason keeps update_reason pointing at a dimension that still needs an update.
func nextUpdateReason(reg model.Registration) *model.Dimension {
	if reg.UpdateReason != nil && reg.ReviewChecklist.Status(*reg.UpdateReason) == model.ReviewStatusNeedsUpdate {
		return reg.UpdateReason
	}
	if dim, ok := reg.ReviewChecklist.FirstNeedingUpdate(); ok {
		return &dim
	}
	return nil
}

func basePayload(reg model.Registration) map[string]any {
	return map[string]any{
		"first_name":        reg.Applicant.FirstName,
		"last_name":         reg.Applicant.LastName,
		"registration_code": reg.RegistrationCode,
	}
}

func (m *Manager) resubmitURL(raw string) string {
	return fmt.Sprintf("%s/resubmit?token=%s", strings.TrimRight(m.cfg.PublicURL, "/"), url.QueryEscape(raw))
}

type SubmitParam struct {
	// RegistrationCode is generated when empty. Callers that store uploads
	// before submitting pass the code they used for the object keys.
	RegistrationCode string
	Applicant        model.Applicant
	ProfileImageKey  string
	PaymentSlipKey   string
	ChamberCardKey   string
}

// Submit creates a registration waiting for review and queues the tracking email.
func (m *Manager) Submit(ctx context.Context, param SubmitParam) (model.Registration, error) {
	if strings.TrimSpace(param.Applicant.Email) == "" {
		return model.Registration{}, apperror.Validation("email is required")
	}
	if param.ProfileImageKey == "" || param.PaymentSlipKey == "" || param.ChamberCardKey == "" {
		return model.Registration{}, apperror.Validation("profile image, payment slip and chamber card are required")
	}
	code := param.RegistrationCode
	if code == "" {
		var err error
		if code, err = NewRegistrationCode(); err != nil {
			return model.Registration{}, err
		}
	}

	var (
		reg    model.Registration
		queued []model.EmailOutboxEntry
	)
	err := m.repo.InTx(ctx, func(tx repository.Tx) error {
		var err error
		reg, err = tx.CreateRegistration(ctx, repository.CreateRegistrationParams{
			RegistrationCode: code,
			Applicant:        param.Applicant,
			ProfileImageKey:  param.ProfileImageKey,
			PaymentSlipKey:   param.PaymentSlipKey,
			ChamberCardKey:   param.ChamberCardKey,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateRegistration) {
				return apperror.Conflict("a registration for this email already exists")
			}
			return fmt.Errorf("failed to create registration: %w", err)
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			RegistrationID: reg.ID,
			Type:           model.AuditLogEventTypeRegistrationCreated,
			Data:           map[string]any{"registration_code": reg.RegistrationCode},
		}); err != nil {
			return err
		}

		entry, ok, err := m.notifier.Enqueue(ctx, tx, notifications.EmailParam{
			Template:       model.EmailTemplateTracking,
			To:             reg.Applicant.Email,
			Payload:        basePayload(reg),
			IdempotencyKey: notifications.IdempotencyKey(model.EmailTemplateTracking, reg),
		})
		if err != nil {
			return err
		}
		if ok {
			queued = append(queued, entry)
		}
		return nil
	})
	if err != nil {
		return model.Registration{}, err
	}

	m.notifier.Committed(ctx, queued...)
	m.count(ctx, "submit", "")
	m.logger.InfoContext(ctx, "Registration submitted", "registration_id", reg.ID, "code", reg.RegistrationCode)
	m.notifier.AlertAdmins(ctx, fmt.Sprintf("New registration %s: %s (%s)",
		reg.RegistrationCode, reg.Applicant.FullName(), reg.Applicant.CompanyName))
	return reg, nil
}

// RequestUpdate flags dim as needing an update and emails the applicant a
// single use resubmission link.
func (m *Manager) RequestUpdate(ctx context.Context, id uuid.UUID, dim model.Dimension, notes string, actor model.AdminUser) (model.Registration, error) {
	dim, err := parseDimension(dim)
	if err != nil {
		return model.Registration{}, err
	}
	if !m.authorizer.CanReview(actor, dim) {
		return model.Registration{}, apperror.Forbidden("role %s may not review %s", actor.Role, dim)
	}
	notes = strings.TrimSpace(notes)

	var (
		updated model.Registration
		queued  []model.EmailOutboxEntry
	)
	err = m.repo.InTx(ctx, func(tx repository.Tx) error {
		reg, err := lockForTransition(ctx, tx, id)
		if err != nil {
			return err
		}

		reg.ReviewChecklist[dim] = model.ChecklistItem{Status: model.ReviewStatusNeedsUpdate, Notes: notes}
		reason := dim
		reg.UpdateReason = &reason
		reg.Recompute()

		updated, err = tx.UpdateRegistration(ctx, reg)
		if err != nil {
			return fmt.Errorf("failed to update registration: %w", err)
		}

		// Only the newest link for a dimension may be used.
		if _, err := tx.RevokeResubmitTokens(ctx, updated.ID, dim, m.cfg.Now()); err != nil {
			return fmt.Errorf("failed to revoke earlier resubmit tokens: %w", err)
		}
		issued, err := m.tokens.IssueResubmit(updated.ID, dim)
		if err != nil {
			return err
		}
		if _, err := tx.CreateResubmitToken(ctx, repository.CreateResubmitTokenParams{
			JTI:            issued.JTI,
			RegistrationID: updated.ID,
			Dimension:      dim,
			ExpiresAt:      issued.ExpiresAt,
		}); err != nil {
			return fmt.Errorf("failed to store resubmit token: %w", err)
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			RegistrationID: updated.ID,
			AdminID:        util.Some(actor.ID),
			Type:           model.AuditLogEventTypeReviewUpdateRequested,
			Dimension:      util.Some(dim),
			Data:           map[string]any{"notes": notes, "status": updated.Status},
		}); err != nil {
			return err
		}

		tmpl := model.UpdateTemplate(dim)
		payload := basePayload(updated)
		payload["dimension"] = string(dim)
		payload["notes"] = notes
		payload["resubmit_url"] = m.resubmitURL(issued.Token)
		payload["expires_at"] = issued.ExpiresAt.Format("2 Jan 2006 15:04 MST")

		entry, ok, err := m.notifier.Enqueue(ctx, tx, notifications.EmailParam{
			Template:       tmpl,
			To:             updated.Applicant.Email,
			Payload:        payload,
			IdempotencyKey: notifications.IdempotencyKey(tmpl, updated),
		})
		if err != nil {
			return err
		}
		if ok {
			queued = append(queued, entry)
		}
		return nil
	})
	if err != nil {
		return model.Registration{}, err
	}

	m.notifier.Committed(ctx, queued...)
	m.count(ctx, "request_update", dim)
	m.logger.InfoContext(ctx, "Update requested",
		"registration_id", updated.ID,
		"dimension", dim,
		"admin_id", actor.ID,
		"status", updated.Status)
	return updated, nil
}

// MarkPass marks dim as passed. Passing every dimension does not approve;
// a super admin still has to call Approve. Passing an already passed
// dimension changes nothing.
func (m *Manager) MarkPass(ctx context.Context, id uuid.UUID, dim model.Dimension, notes string, actor model.AdminUser) (model.Registration, error) {
	dim, err := parseDimension(dim)
	if err != nil {
		return model.Registration{}, err
	}
	if !m.authorizer.CanReview(actor, dim) {
		return model.Registration{}, apperror.Forbidden("role %s may not review %s", actor.Role, dim)
	}
	notes = strings.TrimSpace(notes)

	var (
		result model.Registration
		noop   bool
	)
	err = m.repo.InTx(ctx, func(tx repository.Tx) error {
		reg, err := lockForTransition(ctx, tx, id)
		if err != nil {
			return err
		}
		if reg.ReviewChecklist.Status(dim) == model.ReviewStatusPassed {
			result, noop = reg, true
			return nil
		}

		reg.ReviewChecklist[dim] = model.ChecklistItem{Status: model.ReviewStatusPassed, Notes: notes}
		reg.UpdateReason = nextUpdateReason(reg)
		reg.Recompute()

		result, err = tx.UpdateRegistration(ctx, reg)
		if err != nil {
			return fmt.Errorf("failed to update registration: %w", err)
		}

		return m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			RegistrationID: result.ID,
			AdminID:        util.Some(actor.ID),
			Type:           model.AuditLogEventTypeReviewPassed,
			Dimension:      util.Some(dim),
			Data:           map[string]any{"notes": notes, "status": result.Status},
		})
	})
	if err != nil {
		return model.Registration{}, err
	}

	if !noop {
		m.count(ctx, "mark_pass", dim)
		m.logger.InfoContext(ctx, "Dimension passed",
			"registration_id", result.ID,
			"dimension", dim,
			"admin_id", actor.ID,
			"all_passed", result.ReviewChecklist.AllPassed())
	}
	return result, nil
}

// Approve is the final transition. The badge is rendered and stored before
// the transaction under a key unique to this attempt, and removed again if
// the attempt does not commit.
func (m *Manager) Approve(ctx context.Context, id uuid.UUID, actor model.AdminUser) (model.Registration, error) {
	if !m.authorizer.CanApprove(actor) {
		return model.Registration{}, apperror.Forbidden("only a super admin may approve registrations")
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return model.Registration{}, err
	}
	if err := checkApprovable(current); err != nil {
		return model.Registration{}, err
	}

	png, err := m.badges.Render(ctx, current)
	if err != nil {
		return model.Registration{}, fmt.Errorf("failed to render badge: %w", err)
	}
	badgeKey, err := m.store.Put(ctx, storage.BadgeKey(current.RegistrationCode, uuid.NewString()), png, storage.MIMEPNG)
	if err != nil {
		return model.Registration{}, fmt.Errorf("failed to store badge: %w", err)
	}
	badgeURL, err := m.store.SignedURL(ctx, badgeKey, m.cfg.BadgeURLTTL)
	if err != nil {
		m.discardBadge(ctx, badgeKey)
		return model.Registration{}, fmt.Errorf("failed to sign badge url: %w", err)
	}

	var (
		approved model.Registration
		queued   []model.EmailOutboxEntry
	)
	err = m.repo.InTx(ctx, func(tx repository.Tx) error {
		reg, err := lockForTransition(ctx, tx, id)
		if err != nil {
			return err
		}
		// Another admin may have reopened a dimension since the precheck.
		if err := checkApprovable(reg); err != nil {
			return err
		}

		reg.Status = model.RegistrationStatusApproved
		reg.BadgeKey = badgeKey
		reg.UpdateReason = nil
		approved, err = tx.UpdateRegistration(ctx, reg)
		if err != nil {
			return fmt.Errorf("failed to update registration: %w", err)
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			RegistrationID: approved.ID,
			AdminID:        util.Some(actor.ID),
			Type:           model.AuditLogEventTypeRegistrationApproved,
			Data:           map[string]any{"badge_key": badgeKey},
		}); err != nil {
			return err
		}

		payload := basePayload(approved)
		payload["badge_url"] = badgeURL
		entry, ok, err := m.notifier.Enqueue(ctx, tx, notifications.EmailParam{
			Template:       model.EmailTemplateApprovalBadge,
			To:             approved.Applicant.Email,
			Payload:        payload,
			IdempotencyKey: notifications.IdempotencyKey(model.EmailTemplateApprovalBadge, approved),
		})
		if err != nil {
			return err
		}
		if ok {
			queued = append(queued, entry)
		}
		return nil
	})
	if err != nil {
		m.discardBadge(ctx, badgeKey)
		return model.Registration{}, err
	}

	m.notifier.Committed(ctx, queued...)
	m.count(ctx, "approve", "")
	m.logger.InfoContext(ctx, "Registration approved", "registration_id", approved.ID, "admin_id", actor.ID)
	return approved, nil
}

// discardBadge removes a badge stored by an approval attempt that did not commit.
func (m *Manager) discardBadge(ctx context.Context, key string) {
	if err := m.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		m.logger.WarnContext(ctx, "Failed to remove orphaned badge", "key", key, "error", err)
	}
}

func checkApprovable(reg model.Registration) error {
	if reg.Status.IsTerminal() {
		return apperror.Conflict("registration is already %s", reg.Status)
	}
	if !reg.ReviewChecklist.AllPassed() {
		var open []string
		for _, d := range model.Dimensions {
			if reg.ReviewChecklist.Status(d) != model.ReviewStatusPassed {
				open = append(open, string(d))
			}
		}
		return apperror.Conflict("all dimensions must be passed before approval (open: %s)", strings.Join(open, ", "))
	}
	return nil
}

func (m *Manager) Reject(ctx context.Context, id uuid.UUID, reason string, actor model.AdminUser) (model.Registration, error) {
	if !m.authorizer.CanApprove(actor) {
		return model.Registration{}, apperror.Forbidden("only a super admin may reject registrations")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Registration{}, apperror.Validation("a rejection reason is required")
	}

	var (
		rejected model.Registration
		queued   []model.EmailOutboxEntry
	)
	err := m.repo.InTx(ctx, func(tx repository.Tx) error {
		reg, err := lockForTransition(ctx, tx, id)
		if err != nil {
			return err
		}

		reg.Status = model.RegistrationStatusRejected
		reg.RejectionReason = reason
		rejected, err = tx.UpdateRegistration(ctx, reg)
		if err != nil {
			return fmt.Errorf("failed to update registration: %w", err)
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			RegistrationID: rejected.ID,
			AdminID:        util.Some(actor.ID),
			Type:           model.AuditLogEventTypeRegistrationRejected,
			Data:           map[string]any{"reason": reason},
		}); err != nil {
			return err
		}

		payload := basePayload(rejected)
		payload["reason"] = reason
		entry, ok, err := m.notifier.Enqueue(ctx, tx, notifications.EmailParam{
			Template:       model.EmailTemplateRejection,
			To:             rejected.Applicant.Email,
			Payload:        payload,
			IdempotencyKey: notifications.IdempotencyKey(model.EmailTemplateRejection, rejected),
		})
		if err != nil {
			return err
		}
		if ok {
			queued = append(queued, entry)
		}
		return nil
	})
	if err != nil {
		return model.Registration{}, err
	}

	m.notifier.Committed(ctx, queued...)
	m.count(ctx, "reject", "")
	m.logger.InfoContext(ctx, "Registration rejected", "registration_id", rejected.ID, "admin_id", actor.ID)
	return rejected, nil
}
