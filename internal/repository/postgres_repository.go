package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yecday/registration/internal/database"
	"github.com/yecday/registration/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db *database.Database
}

func NewPostgresRepository(db *database.Database) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&postgresTx{q: tx})
	})
}

type postgresTx struct {
	q querier
}

const registrationColumns = `id, registration_code, first_name, last_name, nickname, email, phone, line_id, company_name, business_type, province,
	status, review_checklist, update_reason, rejection_reason, profile_image_key, payment_slip_key, chamber_card_key, badge_key, version, created_at, updated_at`

func scanRegistration(row pgx.Row) (model.Registration, error) {
	var (
		reg          model.Registration
		status       string
		checklist    []byte
		updateReason *string
	)
	err := row.Scan(
		&reg.ID, &reg.RegistrationCode,
		&reg.Applicant.FirstName, &reg.Applicant.LastName, &reg.Applicant.Nickname, &reg.Applicant.Email, &reg.Applicant.Phone,
		&reg.Applicant.LineID, &reg.Applicant.CompanyName, &reg.Applicant.BusinessType, &reg.Applicant.Province,
		&status, &checklist, &updateReason, &reg.RejectionReason,
		&reg.ProfileImageKey, &reg.PaymentSlipKey, &reg.ChamberCardKey, &reg.BadgeKey,
		&reg.Version, &reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		return reg, err
	}

	reg.Status = model.RegistrationStatus(status)
	reg.ReviewChecklist = model.NewReviewChecklist()
	if len(checklist) > 0 {
		if err := json.Unmarshal(checklist, &reg.ReviewChecklist); err != nil {
			return reg, fmt.Errorf("repository: failed to decode review checklist of %s: %w", reg.ID, err)
		}
	}
	if updateReason != nil {
		d := model.Dimension(*updateReason)
		reg.UpdateReason = &d
	}
	return reg, nil
}

func createRegistration(ctx context.Context, q querier, params CreateRegistrationParams) (model.Registration, error) {
	now := time.Now().UTC()
	applicant := params.Applicant
	applicant.Email = strings.ToLower(strings.TrimSpace(applicant.Email))
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

	checklist, err := json.Marshal(reg.ReviewChecklist)
	if err != nil {
		return reg, fmt.Errorf("repository: failed to encode review checklist: %w", err)
	}

	if _, err := q.Exec(ctx, `INSERT INTO tbl_registration (id, registration_code, first_name, last_name, nickname, email, phone, line_id, company_name, business_type, province,
		status, payment_review_status, profile_review_status, tcc_review_status, review_checklist, profile_image_key, payment_slip_key, chamber_card_key, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending', 'pending', 'pending', $13, $14, $15, $16, $17, $18, $19)`,
		reg.ID, reg.RegistrationCode, applicant.FirstName, applicant.LastName, applicant.Nickname, applicant.Email, applicant.Phone, applicant.LineID,
		applicant.CompanyName, applicant.BusinessType, applicant.Province, string(reg.Status), checklist,
		reg.ProfileImageKey, reg.PaymentSlipKey, reg.ChamberCardKey, reg.Version, reg.CreatedAt, reg.UpdatedAt); err != nil {
		if database.IsUniqueViolation(err, "") {
			return reg, ErrDuplicateRegistration
		}
		return reg, fmt.Errorf("repository: failed to insert registration (code=%s): %w", reg.RegistrationCode, err)
	}
	return reg, nil
}

func (tx *postgresTx) CreateRegistration(ctx context.Context, params CreateRegistrationParams) (model.Registration, error) {
	return createRegistration(ctx, tx.q, params)
}

func (tx *postgresTx) GetRegistrationForUpdate(ctx context.Context, id uuid.UUID) (model.Registration, error) {
	reg, err := scanRegistration(tx.q.QueryRow(ctx, `SELECT `+registrationColumns+` FROM tbl_registration WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reg, ErrRegistrationNotFound
		}
		return reg, fmt.Errorf("repository: failed to lock registration (id=%s): %w", id, err)
	}
	return reg, nil
}

func (tx *postgresTx) UpdateRegistration(ctx context.Context, reg model.Registration) (model.Registration, error) {
	checklist, err := json.Marshal(reg.ReviewChecklist)
	if err != nil {
		return reg, fmt.Errorf("repository: failed to encode review checklist: %w", err)
	}
	var updateReason *string
	if reg.UpdateReason != nil {
		s := string(*reg.UpdateReason)
		updateReason = &s
	}

	now := time.Now().UTC()
	tag, err := tx.q.Exec(ctx, `UPDATE tbl_registration SET
		first_name = $3, last_name = $4, nickname = $5, phone = $6, line_id = $7, company_name = $8, business_type = $9, province = $10,
		status = $11, payment_review_status = $12, profile_review_status = $13, tcc_review_status = $14, review_checklist = $15,
		update_reason = $16, rejection_reason = $17, profile_image_key = $18, payment_slip_key = $19, chamber_card_key = $20, badge_key = $21,
		version = version + 1, updated_at = $22
		WHERE id = $1 AND version = $2`,
		reg.ID, reg.Version,
		reg.Applicant.FirstName, reg.Applicant.LastName, reg.Applicant.Nickname, reg.Applicant.Phone, reg.Applicant.LineID,
		reg.Applicant.CompanyName, reg.Applicant.BusinessType, reg.Applicant.Province,
		string(reg.Status), string(reg.PaymentReviewStatus()), string(reg.ProfileReviewStatus()), string(reg.TCCReviewStatus()), checklist,
		updateReason, reg.RejectionReason, reg.ProfileImageKey, reg.PaymentSlipKey, reg.ChamberCardKey, reg.BadgeKey, now)
	if err != nil {
		return reg, fmt.Errorf("repository: failed to update registration (id=%s): %w", reg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return reg, fmt.Errorf("repository: registration %s: %w", reg.ID, ErrStaleRegistration)
	}

	updated := reg.Clone()
	updated.Version++
	updated.UpdatedAt = now
	return updated, nil
}

func (tx *postgresTx) EnqueueEmail(ctx context.Context, params EnqueueEmailParams) (model.EmailOutboxEntry, error) {
	return enqueueEmail(ctx, tx.q, params)
}

func (tx *postgresTx) CreateAuditLogEvent(ctx context.Context, params CreateAuditLogEventParams) (model.AuditLogEvent, error) {
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
		CreatedAt:      time.Now().UTC(),
	}
	var dimension *string
	if event.Dimension != nil {
		d := string(*event.Dimension)
		dimension = &d
	}

	if _, err := tx.q.Exec(ctx, `INSERT INTO tbl_audit_log_event (id, registration_id, admin_id, event_type, dimension, event_data, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.RegistrationID, event.AdminID, string(event.Type), dimension, data, event.CreatedAt); err != nil {
		return event, fmt.Errorf("repository: failed to insert audit log event (type=%s): %w", event.Type, err)
	}
	return event, nil
}

func (tx *postgresTx) CreateResubmitToken(ctx context.Context, params CreateResubmitTokenParams) (model.ResubmitToken, error) {
	token := model.ResubmitToken{
		JTI:            params.JTI,
		RegistrationID: params.RegistrationID,
		Dimension:      params.Dimension,
		ExpiresAt:      params.ExpiresAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := tx.q.Exec(ctx, `INSERT INTO tbl_resubmit_token (jti, registration_id, dimension, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		token.JTI, token.RegistrationID, string(token.Dimension), token.ExpiresAt, token.CreatedAt); err != nil {
		return token, fmt.Errorf("repository: failed to insert resubmit token: %w", err)
	}
	return token, nil
}

func (tx *postgresTx) ConsumeResubmitToken(ctx context.Context, jti string, now time.Time) (model.ResubmitToken, error) {
	var (
		token     model.ResubmitToken
		dimension string
	)
	err := tx.q.QueryRow(ctx, `UPDATE tbl_resubmit_token SET consumed_at = $2
		WHERE jti = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING jti, registration_id, dimension, expires_at, consumed_at, created_at`, jti, now).
		Scan(&token.JTI, &token.RegistrationID, &dimension, &token.ExpiresAt, &token.ConsumedAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token, ErrResubmitTokenNotAvailable
		}
		return token, fmt.Errorf("repository: failed to consume resubmit token: %w", err)
	}
	token.Dimension = model.Dimension(dimension)
	return token, nil
}

func (tx *postgresTx) RevokeResubmitTokens(ctx context.Context, registrationID uuid.UUID, dim model.Dimension, now time.Time) (int, error) {
	tag, err := tx.q.Exec(ctx, `UPDATE tbl_resubmit_token SET consumed_at = $3
		WHERE registration_id = $1 AND dimension = $2 AND consumed_at IS NULL`, registrationID, string(dim), now)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to revoke resubmit tokens (registration=%s): %w", registrationID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) GetRegistration(ctx context.Context, id uuid.UUID) (model.Registration, error) {
	reg, err := scanRegistration(r.db.Pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM tbl_registration WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reg, ErrRegistrationNotFound
		}
		return reg, fmt.Errorf("repository: failed to get registration (id=%s): %w", id, err)
	}
	return reg, nil
}

func (r *PostgresRepository) GetRegistrationByCode(ctx context.Context, code string) (model.Registration, error) {
	reg, err := scanRegistration(r.db.Pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM tbl_registration WHERE upper(registration_code) = upper($1)`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reg, ErrRegistrationNotFound
		}
		return reg, fmt.Errorf("repository: failed to get registration (code=%s): %w", code, err)
	}
	return reg, nil
}

func (r *PostgresRepository) ListRegistrations(ctx context.Context, params ListRegistrationsParams) ([]model.Registration, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + registrationColumns + ` FROM tbl_registration WHERE 1=1`)
	var args []any
	argNum := 1

	if params.Status.IsSet {
		query.WriteString(fmt.Sprintf(" AND status = $%d", argNum))
		args = append(args, string(params.Status.Val))
		argNum++
	}
	if params.Search.IsSet && strings.TrimSpace(params.Search.Val) != "" {
		query.WriteString(fmt.Sprintf(" AND (registration_code ILIKE $%d OR email ILIKE $%d OR (first_name || ' ' || last_name) ILIKE $%d)", argNum, argNum, argNum))
		args = append(args, "%"+strings.TrimSpace(params.Search.Val)+"%")
		argNum++
	}
	query.WriteString(" ORDER BY created_at DESC, registration_code")
	if params.Limit > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
		args = append(args, params.Limit)
		argNum++
	}
	if params.Offset > 0 {
		query.WriteString(fmt.Sprintf(" OFFSET $%d", argNum))
		args = append(args, params.Offset)
	}

	rows, err := r.db.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list registrations: %w", err)
	}
	defer rows.Close()

	var out []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan registration: %w", err)
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed to iterate registrations: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetRegistrationStats(ctx context.Context) (RegistrationStats, error) {
	stats := RegistrationStats{
		ByStatus:    make(map[model.RegistrationStatus]int),
		ByDimension: make(map[model.Dimension]map[model.ReviewStatus]int),
	}
	for _, d := range model.Dimensions {
		stats.ByDimension[d] = make(map[model.ReviewStatus]int)
	}

	rows, err := r.db.Pool.Query(ctx, `SELECT status, payment_review_status, profile_review_status, tcc_review_status, count(*)
		FROM tbl_registration GROUP BY 1, 2, 3, 4`)
	if err != nil {
		return stats, fmt.Errorf("repository: failed to query registration stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, payment, profile, tcc string
		var count int
		if err := rows.Scan(&status, &payment, &profile, &tcc, &count); err != nil {
			return stats, fmt.Errorf("repository: failed to scan registration stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[model.RegistrationStatus(status)] += count
		stats.ByDimension[model.DimensionPayment][model.ReviewStatus(payment)] += count
		stats.ByDimension[model.DimensionProfile][model.ReviewStatus(profile)] += count
		stats.ByDimension[model.DimensionTCC][model.ReviewStatus(tcc)] += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("repository: failed to iterate registration stats: %w", err)
	}
	return stats, nil
}

const adminColumns = `id, email, role, is_active, password_hash, created_at, updated_at`

func scanAdmin(row pgx.Row) (model.AdminUser, error) {
	var admin model.AdminUser
	var role string
	err := row.Scan(&admin.ID, &admin.Email, &role, &admin.IsActive, &admin.PasswordHash, &admin.CreatedAt, &admin.UpdatedAt)
	admin.Role = model.AdminRole(role)
	return admin, err
}

func (r *PostgresRepository) CreateAdminUser(ctx context.Context, params CreateAdminUserParams) (model.AdminUser, error) {
	now := time.Now().UTC()
	admin := model.AdminUser{
		ID:           uuid.New(),
		Email:        strings.ToLower(strings.TrimSpace(params.Email)),
		Role:         params.Role,
		IsActive:     params.IsActive,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := r.db.Pool.Exec(ctx, `INSERT INTO tbl_admin_user (`+adminColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		admin.ID, admin.Email, string(admin.Role), admin.IsActive, admin.PasswordHash, admin.CreatedAt, admin.UpdatedAt); err != nil {
		if database.IsUniqueViolation(err, "idx_admin_user_email") {
			return admin, ErrAdminEmailInUse
		}
		return admin, fmt.Errorf("repository: failed to insert admin user (email=%s): %w", admin.Email, err)
	}
	return admin, nil
}

func (r *PostgresRepository) GetAdminUserByID(ctx context.Context, id uuid.UUID) (model.AdminUser, error) {
	admin, err := scanAdmin(r.db.Pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM tbl_admin_user WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admin, ErrAdminUserNotFound
		}
		return admin, fmt.Errorf("repository: failed to get admin user (id=%s): %w", id, err)
	}
	return admin, nil
}

func (r *PostgresRepository) GetAdminUserByEmail(ctx context.Context, email string) (model.AdminUser, error) {
	admin, err := scanAdmin(r.db.Pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM tbl_admin_user WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admin, ErrAdminUserNotFound
		}
		return admin, fmt.Errorf("repository: failed to get admin user (email=%s): %w", email, err)
	}
	return admin, nil
}

func (r *PostgresRepository) ListAdminUsers(ctx context.Context) ([]model.AdminUser, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+adminColumns+` FROM tbl_admin_user ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list admin users: %w", err)
	}
	defer rows.Close()

	var out []model.AdminUser
	for rows.Next() {
		admin, err := scanAdmin(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan admin user: %w", err)
		}
		out = append(out, admin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed to iterate admin users: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateAdminUser(ctx context.Context, id uuid.UUID, params UpdateAdminUserParams) (model.AdminUser, error) {
	var query strings.Builder
	query.WriteString(`UPDATE tbl_admin_user SET `)
	args := []any{}
	argNum := 1

	if params.Role.IsSet {
		query.WriteString(fmt.Sprintf("role = $%d, ", argNum))
		args = append(args, string(params.Role.Val))
		argNum++
	}
	if params.IsActive.IsSet {
		query.WriteString(fmt.Sprintf("is_active = $%d, ", argNum))
		args = append(args, params.IsActive.Val)
		argNum++
	}
	if params.PasswordHash.IsSet {
		query.WriteString(fmt.Sprintf("password_hash = $%d, ", argNum))
		args = append(args, params.PasswordHash.Val)
		argNum++
	}
	query.WriteString(fmt.Sprintf("updated_at = $%d WHERE id = $%d RETURNING %s", argNum, argNum+1, adminColumns))
	args = append(args, time.Now().UTC(), id)

	admin, err := scanAdmin(r.db.Pool.QueryRow(ctx, query.String(), args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admin, ErrAdminUserNotFound
		}
		return admin, fmt.Errorf("repository: failed to update admin user (id=%s): %w", id, err)
	}
	return admin, nil
}

const outboxColumns = `id, seq, template, to_email, payload, status, attempts, scheduled_at, next_attempt_at, claimed_at, claim_id, sent_at,
	last_error, provider_message_id, idempotency_key, created_at, updated_at`

func scanEmail(row pgx.Row) (model.EmailOutboxEntry, error) {
	var (
		e                model.EmailOutboxEntry
		template, status string
		payload          []byte
	)
	err := row.Scan(&e.ID, &e.Seq, &template, &e.ToEmail, &payload, &status, &e.Attempts, &e.ScheduledAt, &e.NextAttemptAt,
		&e.ClaimedAt, &e.ClaimID, &e.SentAt, &e.LastError, &e.ProviderMessageID, &e.IdempotencyKey, &e.CreatedAt, &e.UpdatedAt)
	e.Template = model.EmailTemplate(template)
	e.Status = model.OutboxStatus(status)
	e.Payload = payload
	return e, err
}

func collectEmails(rows pgx.Rows) ([]model.EmailOutboxEntry, error) {
	defer rows.Close()

	var out []model.EmailOutboxEntry
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed to iterate outbox entries: %w", err)
	}
	return out, nil
}

func enqueueEmail(ctx context.Context, q querier, params EnqueueEmailParams) (model.EmailOutboxEntry, error) {
	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return model.EmailOutboxEntry{}, fmt.Errorf("repository: failed to marshal outbox payload: %w", err)
	}

	now := time.Now().UTC()
	scheduledAt := params.ScheduledAt.UnwrapOr(now).UTC()
	entry := model.EmailOutboxEntry{
		ID:             uuid.New(),
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

	// ON CONFLICT keeps a surrounding transaction usable when the key repeats.
	err = q.QueryRow(ctx, `INSERT INTO tbl_email_outbox (id, template, to_email, payload, status, attempts, scheduled_at, next_attempt_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING seq`,
		entry.ID, string(entry.Template), entry.ToEmail, payload, entry.ScheduledAt, entry.NextAttemptAt, entry.IdempotencyKey, entry.CreatedAt, entry.UpdatedAt).
		Scan(&entry.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entry, ErrDuplicateIdempotencyKey
		}
		return entry, fmt.Errorf("repository: failed to insert outbox entry (template=%s): %w", entry.Template, err)
	}
	return entry, nil
}

func (r *PostgresRepository) EnqueueEmail(ctx context.Context, params EnqueueEmailParams) (model.EmailOutboxEntry, error) {
	return enqueueEmail(ctx, r.db.Pool, params)
}

func (r *PostgresRepository) GetEmail(ctx context.Context, id uuid.UUID) (model.EmailOutboxEntry, error) {
	e, err := scanEmail(r.db.Pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM tbl_email_outbox WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, ErrOutboxEntryNotFound
		}
		return e, fmt.Errorf("repository: failed to get outbox entry (id=%s): %w", id, err)
	}
	return e, nil
}

func (r *PostgresRepository) ListEmails(ctx context.Context, params ListEmailsParams) ([]model.EmailOutboxEntry, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + outboxColumns + ` FROM tbl_email_outbox WHERE 1=1`)
	var args []any
	argNum := 1

	if params.Status.IsSet {
		query.WriteString(fmt.Sprintf(" AND status = $%d", argNum))
		args = append(args, string(params.Status.Val))
		argNum++
	}
	query.WriteString(" ORDER BY seq")
	if params.Limit > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
		args = append(args, params.Limit)
		argNum++
	}
	if params.Offset > 0 {
		query.WriteString(fmt.Sprintf(" OFFSET $%d", argNum))
		args = append(args, params.Offset)
	}

	rows, err := r.db.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list outbox entries: %w", err)
	}
	return collectEmails(rows)
}

func sortFIFO(entries []model.EmailOutboxEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ScheduledAt.Equal(entries[j].ScheduledAt) {
			return entries[i].ScheduledAt.Before(entries[j].ScheduledAt)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

func (r *PostgresRepository) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error) {
	// SKIP LOCKED lets overlapping dispatch runs claim disjoint rows.
	rows, err := r.db.Pool.Query(ctx, `UPDATE tbl_email_outbox SET status = 'processing', claimed_at = $1, claim_id = $3, updated_at = $1
		WHERE id IN (
			SELECT id FROM tbl_email_outbox
			WHERE status IN ('pending', 'capped') AND next_attempt_at <= $1
			ORDER BY scheduled_at, seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, now.UTC(), limit, uuid.New())
	if err != nil {
		return nil, fmt.Errorf("repository: failed to claim outbox entries: %w", err)
	}
	entries, err := collectEmails(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING has no defined order.
	sortFIFO(entries)
	return entries, nil
}

func (r *PostgresRepository) ListDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+outboxColumns+` FROM tbl_email_outbox
		WHERE status IN ('pending', 'capped') AND next_attempt_at <= $1
		ORDER BY scheduled_at, seq
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list due outbox entries: %w", err)
	}
	return collectEmails(rows)
}

func (r *PostgresRepository) UpdateEmail(ctx context.Context, id uuid.UUID, params UpdateEmailParams) error {
	var query strings.Builder
	query.WriteString(`UPDATE tbl_email_outbox SET `)
	args := []any{}
	argNum := 1

	if params.Status.IsSet {
		query.WriteString(fmt.Sprintf("status = $%d, ", argNum))
		args = append(args, string(params.Status.Val))
		argNum++
	}
	if params.Attempts.IsSet {
		query.WriteString(fmt.Sprintf("attempts = $%d, ", argNum))
		args = append(args, params.Attempts.Val)
		argNum++
	}
	if params.NextAttemptAt.IsSet {
		query.WriteString(fmt.Sprintf("next_attempt_at = $%d, ", argNum))
		args = append(args, params.NextAttemptAt.Val.UTC())
		argNum++
	}
	if params.SentAt.IsSet {
		query.WriteString(fmt.Sprintf("sent_at = $%d, ", argNum))
		args = append(args, params.SentAt.Val.UTC())
		argNum++
	}
	if params.LastError.IsSet {
		query.WriteString(fmt.Sprintf("last_error = $%d, ", argNum))
		args = append(args, params.LastError.Val)
		argNum++
	}
	if params.ProviderMessageID.IsSet {
		query.WriteString(fmt.Sprintf("provider_message_id = $%d, ", argNum))
		args = append(args, params.ProviderMessageID.Val)
		argNum++
	}
	if params.Claim.IsSet {
		query.WriteString("claimed_at = NULL, claim_id = NULL, ")
	}
	query.WriteString(fmt.Sprintf("updated_at = $%d WHERE id = $%d", argNum, argNum+1))
	args = append(args, time.Now().UTC(), id)
	argNum += 2
	if params.Claim.IsSet {
		query.WriteString(fmt.Sprintf(" AND status = 'processing' AND claim_id = $%d", argNum))
		args = append(args, params.Claim.Val)
	}

	tag, err := r.db.Pool.Exec(ctx, query.String(), args...)
	if err != nil {
		return fmt.Errorf("repository: failed to update outbox entry (id=%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if params.Claim.IsSet {
			return ErrClaimLost
		}
		return ErrOutboxEntryNotFound
	}
	return nil
}

func (r *PostgresRepository) RenewEmailClaim(ctx context.Context, id, claim uuid.UUID, now time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE tbl_email_outbox SET claimed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'processing' AND claim_id = $3`, now.UTC(), id, claim)
	if err != nil {
		return fmt.Errorf("repository: failed to renew outbox claim (id=%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *PostgresRepository) HasSentEmailWithKey(ctx context.Context, key string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tbl_email_outbox WHERE idempotency_key = $1 AND status = 'sent' AND id <> $2)`,
		key, excludeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("repository: failed to check idempotency key: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) CountDueEmails(ctx context.Context, now time.Time) (int, error) {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM tbl_email_outbox WHERE status IN ('pending', 'capped') AND next_attempt_at <= $1`,
		now.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("repository: failed to count due outbox entries: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) CountEmailsByStatus(ctx context.Context) (map[model.OutboxStatus]int, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT status, count(*) FROM tbl_email_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to count outbox entries: %w", err)
	}
	defer rows.Close()

	out := make(map[model.OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("repository: failed to scan outbox count: %w", err)
		}
		out[model.OutboxStatus(status)] = count
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE tbl_email_outbox SET status = 'pending', claimed_at = NULL, claim_id = NULL, updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1`, claimedBefore.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("repository: failed to release stale outbox entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) ListAuditLogEvents(ctx context.Context, params ListAuditLogEventsParams) ([]model.AuditLogEvent, error) {
	var query strings.Builder
	query.WriteString(`SELECT id, registration_id, admin_id, event_type, dimension, event_data, created_at FROM tbl_audit_log_event WHERE 1=1`)
	var args []any
	argNum := 1

	if params.RegistrationID.IsSet {
		query.WriteString(fmt.Sprintf(" AND registration_id = $%d", argNum))
		args = append(args, params.RegistrationID.Val)
		argNum++
	}
	query.WriteString(" ORDER BY created_at DESC")
	if params.Limit > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
		args = append(args, params.Limit)
	}

	rows, err := r.db.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list audit log events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLogEvent
	for rows.Next() {
		var (
			e         model.AuditLogEvent
			eventType string
			dimension *string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &e.RegistrationID, &e.AdminID, &eventType, &dimension, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan audit log event: %w", err)
		}
		e.Type = model.AuditLogEventType(eventType)
		if dimension != nil {
			d := model.Dimension(*dimension)
			e.Dimension = &d
		}
		e.Data = data
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed to iterate audit log events: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteExpiredResubmitTokens(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM tbl_resubmit_token WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("repository: failed to delete expired resubmit tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
