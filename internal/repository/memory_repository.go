package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yecday/registration/internal/model"
)

// MemoryRepository keeps everything in process memory. Transactions are
// serialized by a single mutex and rolled back by restoring a snapshot.
// It backs tests and the local development server.
type MemoryRepository struct {
	mu  sync.Mutex
	now func() time.Time

	seq           int64
	registrations map[uuid.UUID]model.Registration
	admins        map[uuid.UUID]model.AdminUser
	emails        map[uuid.UUID]model.EmailOutboxEntry
	audit         []model.AuditLogEvent
	tokens        map[string]model.ResubmitToken

	enqueueErr error
}

type MemoryOption func(*MemoryRepository)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryRepository) { m.now = now }
}

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	m := &MemoryRepository{
		now:           func() time.Time { return time.Now().UTC() },
		registrations: make(map[uuid.UUID]model.Registration),
		admins:        make(map[uuid.UUID]model.AdminUser),
		emails:        make(map[uuid.UUID]model.EmailOutboxEntry),
		tokens:        make(map[string]model.ResubmitToken),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailEnqueueWith makes every transactional EnqueueEmail return err until reset with nil.
func (m *MemoryRepository) FailEnqueueWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueErr = err
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

type memorySnapshot struct {
	seq           int64
	registrations map[uuid.UUID]model.Registration
	admins        map[uuid.UUID]model.AdminUser
	emails        map[uuid.UUID]model.EmailOutboxEntry
	audit         []model.AuditLogEvent
	tokens        map[string]model.ResubmitToken
}

// Stored values are never mutated in place, so shallow map copies are enough.
func (m *MemoryRepository) snapshot() memorySnapshot {
	return memorySnapshot{
		seq:           m.seq,
		registrations: maps.Clone(m.registrations),
		admins:        maps.Clone(m.admins),
		emails:        maps.Clone(m.emails),
		audit:         slices.Clone(m.audit),
		tokens:        maps.Clone(m.tokens),
	}
}

func (m *MemoryRepository) restore(s memorySnapshot) {
	m.seq = s.seq
	m.registrations = s.registrations
	m.admins = s.admins
	m.emails = s.emails
	m.audit = s.audit
	m.tokens = s.tokens
}

// InTx runs fn with exclusive access. fn must only use tx; calling other
// MemoryRepository methods from inside fn deadlocks.
func (m *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memoryTx struct {
	m *MemoryRepository
}

func (tx *memoryTx) CreateRegistration(ctx context.Context, params CreateRegistrationParams) (model.Registration, error) {
	return tx.m.createRegistration(params)
}

func (tx *memoryTx) GetRegistrationForUpdate(ctx context.Context, id uuid.UUID) (model.Registration, error) {
	reg, ok := tx.m.registrations[id]
	if !ok {
		return model.Registration{}, ErrRegistrationNotFound
	}
	return reg.Clone(), nil
}

func (tx *memoryTx) UpdateRegistration(ctx context.Context, reg model.Registration) (model.Registration, error) {
	current, ok := tx.m.registrations[reg.ID]
	if !ok {
		return model.Registration{}, ErrRegistrationNotFound
	}
	if current.Version != reg.Version {
		return model.Registration{}, fmt.Errorf("repository: registration %s: %w", reg.ID, ErrStaleRegistration)
	}
	updated := reg.Clone()
	updated.Version++
	updated.UpdatedAt = tx.m.now()
	tx.m.registrations[reg.ID] = updated
	return updated.Clone(), nil
}

func (tx *memoryTx) EnqueueEmail(ctx context.Context, params EnqueueEmailParams) (model.EmailOutboxEntry, error) {
	if tx.m.enqueueErr != nil {
		return model.EmailOutboxEntry{}, tx.m.enqueueErr
	}
	return tx.m.enqueueEmail(params)
}

func (tx *memoryTx) CreateAuditLogEvent(ctx context.Context, params CreateAuditLogEventParams) (model.AuditLogEvent, error) {
	data, err := json.Marshal(params.Data)
	if err != nil {
		return model.AuditLogEvent{}, fmt.Errorf("repository: failed to marshal audit data: %w", err)
	}
	event := model.AuditLogEvent{
		ID:             uuid.New(),
		RegistrationID: params.RegistrationID,
		AdminID:        params.AdminID.Ptr(),
		Type:           params.Type,
		Dimension:      params.Dimension.Ptr(),
		Data:           data,
		CreatedAt:      tx.m.now(),
	}
	tx.m.audit = append(tx.m.audit, event)
	return event, nil
}

func (tx *memoryTx) CreateResubmitToken(ctx context.Context, params CreateResubmitTokenParams) (model.ResubmitToken, error) {
	if _, exists := tx.m.tokens[params.JTI]; exists {
		return model.ResubmitToken{}, fmt.Errorf("repository: resubmit token %s already exists", params.JTI)
	}
	token := model.ResubmitToken{
		JTI:            params.JTI,
		RegistrationID: params.RegistrationID,
		Dimension:      params.Dimension,
		ExpiresAt:      params.ExpiresAt,
		CreatedAt:      tx.m.now(),
	}
	tx.m.tokens[params.JTI] = token
	return token, nil
}

func (tx *memoryTx) ConsumeResubmitToken(ctx context.Context, jti string, now time.Time) (model.ResubmitToken, error) {
	token, ok := tx.m.tokens[jti]
	if !ok || token.ConsumedAt != nil || !token.ExpiresAt.After(now) {
		return model.ResubmitToken{}, ErrResubmitTokenNotAvailable
	}
	consumed := now
	token.ConsumedAt = &consumed
	tx.m.tokens[jti] = token
	return token, nil
}

func (tx *memoryTx) RevokeResubmitTokens(ctx context.Context, registrationID uuid.UUID, dim model.Dimension, now time.Time) (int, error) {
	revoked := 0
	for jti, token := range tx.m.tokens {
		if token.RegistrationID != registrationID || token.Dimension != dim || token.ConsumedAt != nil {
			continue
		}
		consumed := now
		token.ConsumedAt = &consumed
		tx.m.tokens[jti] = token
		revoked++
	}
	return revoked, nil
}

func (m *MemoryRepository) createRegistration(params CreateRegistrationParams) (model.Registration, error) {
	email := strings.ToLower(strings.TrimSpace(params.Applicant.Email))
	for _, r := range m.registrations {
		if strings.EqualFold(r.Applicant.Email, email) || r.RegistrationCode == params.RegistrationCode {
			return model.Registration{}, ErrDuplicateRegistration
		}
	}

	now := m.now()
	applicant := params.Applicant
	applicant.Email = email
	reg := model.Registration{
		ID:               uuid.New(),
		RegistrationCode: params.RegistrationCode,
		Applicant:        applicant,
		Status:           model.RegistrationStatusWaitingForReview,
		ReviewChecklist:  model.NewReviewChecklist(),
		ProfileImageKey:  params.ProfileImageKey,
		PaymentSlipKey:   params.PaymentSlipKey,
		ChamberCardKey:   params.ChamberCardKey,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.registrations[reg.ID] = reg
	return reg.Clone(), nil
}

func (m *MemoryRepository) enqueueEmail(params EnqueueEmailParams) (model.EmailOutboxEntry, error) {
	if params.IdempotencyKey.IsSet {
		for _, e := range m.emails {
			if e.IdempotencyKey != nil && *e.IdempotencyKey == params.IdempotencyKey.Val {
				return model.EmailOutboxEntry{}, ErrDuplicateIdempotencyKey
			}
		}
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return model.EmailOutboxEntry{}, fmt.Errorf("repository: failed to marshal outbox payload: %w", err)
	}

	now := m.now()
	scheduledAt := params.ScheduledAt.UnwrapOr(now)
	m.seq++
	entry := model.EmailOutboxEntry{
		ID:             uuid.New(),
		Seq:            m.seq,
		Template:       params.Template,
		ToEmail:        params.ToEmail,
		Payload:        payload,
		Status:         model.OutboxStatusPending,
		ScheduledAt:    scheduledAt,
		NextAttemptAt:  scheduledAt,
		IdempotencyKey: params.IdempotencyKey.Ptr(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.emails[entry.ID] = entry
	return entry, nil
}

func (m *MemoryRepository) GetRegistration(ctx context.Context, id uuid.UUID) (model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registrations[id]
	if !ok {
		return model.Registration{}, ErrRegistrationNotFound
	}
	return reg.Clone(), nil
}

func (m *MemoryRepository) GetRegistrationByCode(ctx context.Context, code string) (model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, reg := range m.registrations {
		if strings.EqualFold(reg.RegistrationCode, code) {
			return reg.Clone(), nil
		}
	}
	return model.Registration{}, ErrRegistrationNotFound
}

func (m *MemoryRepository) ListRegistrations(ctx context.Context, params ListRegistrationsParams) ([]model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(params.Search.Val))
	var out []model.Registration
	for _, reg := range m.registrations {
		if params.Status.IsSet && reg.Status != params.Status.Val {
			continue
		}
		if params.Search.IsSet && search != "" {
			haystack := strings.ToLower(reg.RegistrationCode + " " + reg.Applicant.Email + " " + reg.Applicant.FullName())
			if !strings.Contains(haystack, search) {
				continue
			}
		}
		out = append(out, reg.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RegistrationCode < out[j].RegistrationCode
	})
	return paginate(out, params.Limit, params.Offset), nil
}

func (m *MemoryRepository) GetRegistrationStats(ctx context.Context) (RegistrationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := RegistrationStats{
		ByStatus:    make(map[model.RegistrationStatus]int),
		ByDimension: make(map[model.Dimension]map[model.ReviewStatus]int),
	}
	for _, d := range model.Dimensions {
		stats.ByDimension[d] = make(map[model.ReviewStatus]int)
	}
	for _, reg := range m.registrations {
		stats.Total++
		stats.ByStatus[reg.Status]++
		for _, d := range model.Dimensions {
			stats.ByDimension[d][reg.ReviewChecklist.Status(d)]++
		}
	}
	return stats, nil
}

func (m *MemoryRepository) CreateAdminUser(ctx context.Context, params CreateAdminUserParams) (model.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(params.Email))
	for _, a := range m.admins {
		if a.Email == email {
			return model.AdminUser{}, ErrAdminEmailInUse
		}
	}
	now := m.now()
	admin := model.AdminUser{
		ID:           uuid.New(),
		Email:        email,
		Role:         params.Role,
		IsActive:     params.IsActive,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.admins[admin.ID] = admin
	return admin, nil
}

func (m *MemoryRepository) GetAdminUserByID(ctx context.Context, id uuid.UUID) (model.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, ok := m.admins[id]
	if !ok {
		return model.AdminUser{}, ErrAdminUserNotFound
	}
	return admin, nil
}

func (m *MemoryRepository) GetAdminUserByEmail(ctx context.Context, email string) (model.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range m.admins {
		if a.Email == email {
			return a, nil
		}
	}
	return model.AdminUser{}, ErrAdminUserNotFound
}

func (m *MemoryRepository) ListAdminUsers(ctx context.Context) ([]model.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Collect(maps.Values(m.admins))
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *MemoryRepository) UpdateAdminUser(ctx context.Context, id uuid.UUID, params UpdateAdminUserParams) (model.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, ok := m.admins[id]
	if !ok {
		return model.AdminUser{}, ErrAdminUserNotFound
	}
	if params.Role.IsSet {
		admin.Role = params.Role.Val
	}
	if params.IsActive.IsSet {
		admin.IsActive = params.IsActive.Val
	}
	if params.PasswordHash.IsSet {
		admin.PasswordHash = params.PasswordHash.Val
	}
	admin.UpdatedAt = m.now()
	m.admins[id] = admin
	return admin, nil
}

func (m *MemoryRepository) EnqueueEmail(ctx context.Context, params EnqueueEmailParams) (model.EmailOutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueEmail(params)
}

func (m *MemoryRepository) GetEmail(ctx context.Context, id uuid.UUID) (model.EmailOutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.emails[id]
	if !ok {
		return model.EmailOutboxEntry{}, ErrOutboxEntryNotFound
	}
	return e, nil
}

func (m *MemoryRepository) ListEmails(ctx context.Context, params ListEmailsParams) ([]model.EmailOutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.EmailOutboxEntry
	for _, e := range m.emails {
		if params.Status.IsSet && e.Status != params.Status.Val {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return paginate(out, params.Limit, params.Offset), nil
}

// due returns due rows in FIFO order. Callers hold m.mu.
func (m *MemoryRepository) due(now time.Time, limit int) []model.EmailOutboxEntry {
	var out []model.EmailOutboxEntry
	for _, e := range m.emails {
		if e.Status.IsDue() && !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := m.due(now, limit)
	claim := uuid.New()
	for i := range rows {
		claimedAt := now
		rows[i].Status = model.OutboxStatusProcessing
		rows[i].ClaimedAt = &claimedAt
		rows[i].ClaimID = &claim
		rows[i].UpdatedAt = now
		m.emails[rows[i].ID] = rows[i]
	}
	return rows, nil
}

func (m *MemoryRepository) ListDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due(now, limit), nil
}

func (m *MemoryRepository) UpdateEmail(ctx context.Context, id uuid.UUID, params UpdateEmailParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.emails[id]
	if params.Claim.IsSet {
		if !ok || !holdsClaim(e, params.Claim.Val) {
			return ErrClaimLost
		}
		e.ClaimedAt = nil
		e.ClaimID = nil
	} else if !ok {
		return ErrOutboxEntryNotFound
	}
	if params.Status.IsSet {
		e.Status = params.Status.Val
	}
	if params.Attempts.IsSet {
		e.Attempts = params.Attempts.Val
	}
	if params.NextAttemptAt.IsSet {
		e.NextAttemptAt = params.NextAttemptAt.Val
	}
	if params.SentAt.IsSet {
		e.SentAt = params.SentAt.Ptr()
	}
	if params.LastError.IsSet {
		e.LastError = params.LastError.Ptr()
	}
	if params.ProviderMessageID.IsSet {
		e.ProviderMessageID = params.ProviderMessageID.Ptr()
	}
	e.UpdatedAt = m.now()
	m.emails[id] = e
	return nil
}

func holdsClaim(e model.EmailOutboxEntry, claim uuid.UUID) bool {
	return e.Status == model.OutboxStatusProcessing && e.ClaimID != nil && *e.ClaimID == claim
}

func (m *MemoryRepository) RenewEmailClaim(ctx context.Context, id, claim uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.emails[id]
	if !ok || !holdsClaim(e, claim) {
		return ErrClaimLost
	}
	claimedAt := now
	e.ClaimedAt = &claimedAt
	e.UpdatedAt = m.now()
	m.emails[id] = e
	return nil
}

func (m *MemoryRepository) HasSentEmailWithKey(ctx context.Context, key string, excludeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.emails {
		if e.ID != excludeID && e.Status == model.OutboxStatusSent && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) CountDueEmails(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.due(now, 0)), nil
}

func (m *MemoryRepository) CountEmailsByStatus(ctx context.Context) (map[model.OutboxStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[model.OutboxStatus]int)
	for _, e := range m.emails {
		out[e.Status]++
	}
	return out, nil
}

func (m *MemoryRepository) ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for id, e := range m.emails {
		if e.Status == model.OutboxStatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(claimedBefore) {
			e.Status = model.OutboxStatusPending
			e.ClaimedAt = nil
			e.ClaimID = nil
			e.UpdatedAt = m.now()
			m.emails[id] = e
			released++
		}
	}
	return released, nil
}

func (m *MemoryRepository) ListAuditLogEvents(ctx context.Context, params ListAuditLogEventsParams) ([]model.AuditLogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.AuditLogEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if params.RegistrationID.IsSet && e.RegistrationID != params.RegistrationID.Val {
			continue
		}
		out = append(out, e)
		if params.Limit > 0 && len(out) == params.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) DeleteExpiredResubmitTokens(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for jti, t := range m.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.tokens, jti)
			deleted++
		}
	}
	return deleted, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
