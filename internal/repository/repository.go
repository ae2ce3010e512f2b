package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/util"
)

var (
	ErrRegistrationNotFound      = errors.New("registration not found")
	ErrDuplicateRegistration     = errors.New("registration with this email or code already exists")
	ErrAdminUserNotFound         = errors.New("admin user not found")
	ErrAdminEmailInUse           = errors.New("admin email already in use")
	ErrOutboxEntryNotFound       = errors.New("outbox entry not found")
	ErrDuplicateIdempotencyKey   = errors.New("outbox idempotency key already used")
	ErrResubmitTokenNotAvailable = errors.New("resubmit token not found, expired or already used")
	// ErrStaleRegistration means the registration changed since the caller read it.
	ErrStaleRegistration         = errors.New("registration was modified concurrently")
	// ErrClaimLost means the row is no longer processing under the caller's claim.
	ErrClaimLost                 = errors.New("outbox claim no longer held")
)

type CreateRegistrationParams struct {
	RegistrationCode string
	Applicant        model.Applicant
	ProfileImageKey  string
	PaymentSlipKey   string
	ChamberCardKey   string
}

type ListRegistrationsParams struct {
	Status util.Optional[model.RegistrationStatus]
	// Search matches the registration code, email or applicant name.
	Search util.Optional[string]
	Limit  int
	Offset int
}

type RegistrationStats struct {
	Total       int
	ByStatus    map[model.RegistrationStatus]int
	ByDimension map[model.Dimension]map[model.ReviewStatus]int
}

type CreateAdminUserParams struct {
	Email        string
	Role         model.AdminRole
	IsActive     bool
	PasswordHash string
}

type UpdateAdminUserParams struct {
	Role         util.Optional[model.AdminRole]
	IsActive     util.Optional[bool]
	PasswordHash util.Optional[string]
}

type EnqueueEmailParams struct {
	Template       model.EmailTemplate
	ToEmail        string
	Payload        map[string]any
	IdempotencyKey util.Optional[string]
	// ScheduledAt defaults to now.
	ScheduledAt util.Optional[time.Time]
}

type UpdateEmailParams struct {
	// Claim restricts the update to a row still processing under this claim
	// and releases the claim. The update returns ErrClaimLost otherwise.
	Claim             util.Optional[uuid.UUID]
	Status            util.Optional[model.OutboxStatus]
	Attempts          util.Optional[int]
	NextAttemptAt     util.Optional[time.Time]
	SentAt            util.Optional[time.Time]
	LastError         util.Optional[string]
	ProviderMessageID util.Optional[string]
}

type ListEmailsParams struct {
	Status util.Optional[model.OutboxStatus]
	Limit  int
	Offset int
}

type CreateAuditLogEventParams struct {
	RegistrationID uuid.UUID
	AdminID        util.Optional[uuid.UUID]
	Type           model.AuditLogEventType
	Dimension      util.Optional[model.Dimension]
	Data           map[string]any
}

type ListAuditLogEventsParams struct {
	RegistrationID util.Optional[uuid.UUID]
	Limit          int
}

type CreateResubmitTokenParams struct {
	JTI            string
	RegistrationID uuid.UUID
	Dimension      model.Dimension
	ExpiresAt      time.Time
}

// Tx is the unit of work used by review transitions. Everything written
// through a Tx commits or rolls back together.
type Tx interface {
	CreateRegistration(ctx context.Context, params CreateRegistrationParams) (model.Registration, error)
	// GetRegistrationForUpdate locks the row until the transaction ends.
	GetRegistrationForUpdate(ctx context.Context, id uuid.UUID) (model.Registration, error)
	// UpdateRegistration persists reg, bumping its version and updated_at.
	UpdateRegistration(ctx context.Context, reg model.Registration) (model.Registration, error)
	// EnqueueEmail returns ErrDuplicateIdempotencyKey without aborting the transaction.
	EnqueueEmail(ctx context.Context, params EnqueueEmailParams) (model.EmailOutboxEntry, error)
	CreateAuditLogEvent(ctx context.Context, params CreateAuditLogEventParams) (model.AuditLogEvent, error)
	CreateResubmitToken(ctx context.Context, params CreateResubmitTokenParams) (model.ResubmitToken, error)
	// ConsumeResubmitToken marks the token used; it succeeds at most once per jti.
	ConsumeResubmitToken(ctx context.Context, jti string, now time.Time) (model.ResubmitToken, error)
	// RevokeResubmitTokens marks every unused token for the registration and dimension as used.
	RevokeResubmitTokens(ctx context.Context, registrationID uuid.UUID, dim model.Dimension, now time.Time) (int, error)
}

type Repository interface {
	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetRegistration(ctx context.Context, id uuid.UUID) (model.Registration, error)
	GetRegistrationByCode(ctx context.Context, code string) (model.Registration, error)
	ListRegistrations(ctx context.Context, params ListRegistrationsParams) ([]model.Registration, error)
	GetRegistrationStats(ctx context.Context) (RegistrationStats, error)

	CreateAdminUser(ctx context.Context, params CreateAdminUserParams) (model.AdminUser, error)
	GetAdminUserByID(ctx context.Context, id uuid.UUID) (model.AdminUser, error)
	GetAdminUserByEmail(ctx context.Context, email string) (model.AdminUser, error)
	ListAdminUsers(ctx context.Context) ([]model.AdminUser, error)
	UpdateAdminUser(ctx context.Context, id uuid.UUID, params UpdateAdminUserParams) (model.AdminUser, error)

	EnqueueEmail(ctx context.Context, params EnqueueEmailParams) (model.EmailOutboxEntry, error)
	GetEmail(ctx context.Context, id uuid.UUID) (model.EmailOutboxEntry, error)
	ListEmails(ctx context.Context, params ListEmailsParams) ([]model.EmailOutboxEntry, error)
	// ClaimDueEmails atomically moves up to limit due rows to processing and returns them in FIFO order.
	ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error)
	// ListDueEmails returns the rows ClaimDueEmails would claim without changing them.
	ListDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error)
	UpdateEmail(ctx context.Context, id uuid.UUID, params UpdateEmailParams) error
	// RenewEmailClaim refreshes claimed_at if the row is still processing under claim, else ErrClaimLost.
	RenewEmailClaim(ctx context.Context, id, claim uuid.UUID, now time.Time) error
	HasSentEmailWithKey(ctx context.Context, key string, excludeID uuid.UUID) (bool, error)
	CountDueEmails(ctx context.Context, now time.Time) (int, error)
	CountEmailsByStatus(ctx context.Context) (map[model.OutboxStatus]int, error)
	// ReleaseStaleEmails returns processing rows claimed before the cutoff to pending.
	ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int, error)

	ListAuditLogEvents(ctx context.Context, params ListAuditLogEventsParams) ([]model.AuditLogEvent, error)

	DeleteExpiredResubmitTokens(ctx context.Context, before time.Time) (int, error)
}
