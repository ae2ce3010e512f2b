package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yecday/registration/internal/database"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/util"
)

// repositoryContract exercises behaviour every Repository implementation must share.
func repositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	createRegistration := func(t *testing.T, repo Repository, email string) model.Registration {
		t.Helper()
		var reg model.Registration
		code, err := util.RandomCode(6)
		require.NoError(t, err)
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			var err error
			reg, err = tx.CreateRegistration(ctx, CreateRegistrationParams{
				RegistrationCode: "YEC-" + code,
				Applicant: model.Applicant{
					FirstName: "Somchai", LastName: "Jaidee", Email: email, Phone: "0812345678",
					CompanyName: "Jaidee Co", Province: "Bangkok",
				},
			})
			return err
		}))
		return reg
	}

	t.Run("idempotency key is unique but NULL keys are not", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "a@example.com", IdempotencyKey: util.Some("tracking:1")})
		require.NoError(t, err)
		_, err = repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "a@example.com", IdempotencyKey: util.Some("tracking:1")})
		assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

		_, err = repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "b@example.com"})
		require.NoError(t, err)
		_, err = repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "b@example.com"})
		require.NoError(t, err)

		counts, err := repo.CountEmailsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[model.OutboxStatusPending])
	})

	t.Run("duplicate key inside a transaction keeps the transaction usable", func(t *testing.T) {
		repo := newRepo(t)
		reg := createRegistration(t, repo, "dup-tx@example.com")

		_, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "x@example.com", IdempotencyKey: util.Some("k")})
		require.NoError(t, err)

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			_, err := tx.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "x@example.com", IdempotencyKey: util.Some("k")})
			if !errors.Is(err, ErrDuplicateIdempotencyKey) {
				return err
			}
			locked, err := tx.GetRegistrationForUpdate(ctx, reg.ID)
			if err != nil {
				return err
			}
			locked.RejectionReason = "still writable"
			_, err = tx.UpdateRegistration(ctx, locked)
			return err
		}))

		got, err := repo.GetRegistration(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, "still writable", got.RejectionReason)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		repo := newRepo(t)
		reg := createRegistration(t, repo, "rollback@example.com")
		boom := errors.New("boom")

		err := repo.InTx(ctx, func(tx Tx) error {
			locked, err := tx.GetRegistrationForUpdate(ctx, reg.ID)
			if err != nil {
				return err
			}
			locked.ReviewChecklist[model.DimensionPayment] = model.ChecklistItem{Status: model.ReviewStatusNeedsUpdate}
			locked.Recompute()
			if _, err := tx.UpdateRegistration(ctx, locked); err != nil {
				return err
			}
			if _, err := tx.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateUpdatePayment, ToEmail: "rollback@example.com"}); err != nil {
				return err
			}
			if _, err := tx.CreateAuditLogEvent(ctx, CreateAuditLogEventParams{RegistrationID: reg.ID, Type: model.AuditLogEventTypeReviewUpdateRequested}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.GetRegistration(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RegistrationStatusWaitingForReview, got.Status)
		assert.Equal(t, reg.Version, got.Version)

		counts, err := repo.CountEmailsByStatus(ctx)
		require.NoError(t, err)
		assert.Zero(t, counts[model.OutboxStatusPending])

		events, err := repo.ListAuditLogEvents(ctx, ListAuditLogEventsParams{RegistrationID: util.Some(reg.ID)})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("duplicate registration email", func(t *testing.T) {
		repo := newRepo(t)
		createRegistration(t, repo, "same@example.com")

		err := repo.InTx(ctx, func(tx Tx) error {
			_, err := tx.CreateRegistration(ctx, CreateRegistrationParams{
				RegistrationCode: "YEC-OTHER1",
				Applicant:        model.Applicant{FirstName: "A", LastName: "B", Email: "SAME@example.com", Phone: "0800000000", CompanyName: "C", Province: "D"},
			})
			return err
		})
		assert.ErrorIs(t, err, ErrDuplicateRegistration)
	})

	t.Run("resubmit token is consumed once", func(t *testing.T) {
		repo := newRepo(t)
		reg := createRegistration(t, repo, "token@example.com")
		now := time.Now().UTC()
		jti := uuid.NewString()

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			_, err := tx.CreateResubmitToken(ctx, CreateResubmitTokenParams{JTI: jti, RegistrationID: reg.ID, Dimension: model.DimensionTCC, ExpiresAt: now.Add(time.Hour)})
			return err
		}))

		consume := func() error {
			return repo.InTx(ctx, func(tx Tx) error {
				_, err := tx.ConsumeResubmitToken(ctx, jti, now)
				return err
			})
		}
		require.NoError(t, consume())
		assert.ErrorIs(t, consume(), ErrResubmitTokenNotAvailable)
	})

	t.Run("revoking tokens only touches the dimension", func(t *testing.T) {
		repo := newRepo(t)
		reg := createRegistration(t, repo, "revoke@example.com")
		now := time.Now().UTC()
		payment1, payment2, tcc := uuid.NewString(), uuid.NewString(), uuid.NewString()

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			for jti, dim := range map[string]model.Dimension{payment1: model.DimensionPayment, payment2: model.DimensionPayment, tcc: model.DimensionTCC} {
				if _, err := tx.CreateResubmitToken(ctx, CreateResubmitTokenParams{JTI: jti, RegistrationID: reg.ID, Dimension: dim, ExpiresAt: now.Add(time.Hour)}); err != nil {
					return err
				}
			}
			_, err := tx.ConsumeResubmitToken(ctx, payment1, now)
			return err
		}))

		var revoked int
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			var err error
			revoked, err = tx.RevokeResubmitTokens(ctx, reg.ID, model.DimensionPayment, now)
			return err
		}))
		assert.Equal(t, 1, revoked, "already consumed tokens are left alone")

		consume := func(jti string) error {
			return repo.InTx(ctx, func(tx Tx) error {
				_, err := tx.ConsumeResubmitToken(ctx, jti, now)
				return err
			})
		}
		assert.ErrorIs(t, consume(payment2), ErrResubmitTokenNotAvailable)
		assert.NoError(t, consume(tcc))
	})

	t.Run("expired resubmit token cannot be consumed", func(t *testing.T) {
		repo := newRepo(t)
		reg := createRegistration(t, repo, "expired@example.com")
		now := time.Now().UTC()
		jti := uuid.NewString()

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			_, err := tx.CreateResubmitToken(ctx, CreateResubmitTokenParams{JTI: jti, RegistrationID: reg.ID, Dimension: model.DimensionTCC, ExpiresAt: now.Add(-time.Minute)})
			return err
		}))
		err := repo.InTx(ctx, func(tx Tx) error {
			_, err := tx.ConsumeResubmitToken(ctx, jti, now)
			return err
		})
		assert.ErrorIs(t, err, ErrResubmitTokenNotAvailable)

		deleted, err := repo.DeleteExpiredResubmitTokens(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
	})

	t.Run("claim returns due rows in FIFO order", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now().UTC()

		first, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "1@example.com", ScheduledAt: util.Some(now.Add(-2 * time.Minute))})
		require.NoError(t, err)
		second, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "2@example.com", ScheduledAt: util.Some(now.Add(-time.Minute))})
		require.NoError(t, err)
		_, err = repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "future@example.com", ScheduledAt: util.Some(now.Add(time.Hour))})
		require.NoError(t, err)

		due, err := repo.ListDueEmails(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)

		claimed, err := repo.ClaimDueEmails(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, first.ID, claimed[0].ID)
		assert.Equal(t, second.ID, claimed[1].ID)
		assert.Equal(t, model.OutboxStatusProcessing, claimed[0].Status)

		again, err := repo.ClaimDueEmails(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		remaining, err := repo.CountDueEmails(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, remaining)
	})

	t.Run("concurrent claims never share a row", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now().UTC()
		for i := 0; i < 20; i++ {
			_, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "c@example.com", ScheduledAt: util.Some(now.Add(-time.Second))})
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[uuid.UUID]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rows, err := repo.ClaimDueEmails(ctx, now, 3)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, r := range rows {
					seen[r.ID]++
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 20)
		for id, n := range seen {
			assert.Equal(t, 1, n, "row %s claimed more than once", id)
		}
	})

	t.Run("stale claims are released", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now().UTC()
		_, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "s@example.com", ScheduledAt: util.Some(now.Add(-time.Hour))})
		require.NoError(t, err)

		claimed, err := repo.ClaimDueEmails(ctx, now.Add(-30*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		released, err := repo.ReleaseStaleEmails(ctx, now.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		e, err := repo.GetEmail(ctx, claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.OutboxStatusPending, e.Status)
	})

	t.Run("released claim cannot be renewed or written", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now().UTC()
		_, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "c@example.com", ScheduledAt: util.Some(now.Add(-time.Minute))})
		require.NoError(t, err)

		claimed, err := repo.ClaimDueEmails(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		row := claimed[0]
		require.NotNil(t, row.ClaimID)
		oldClaim := *row.ClaimID

		assert.ErrorIs(t, repo.RenewEmailClaim(ctx, row.ID, uuid.New(), now), ErrClaimLost)
		require.NoError(t, repo.RenewEmailClaim(ctx, row.ID, oldClaim, now))

		released, err := repo.ReleaseStaleEmails(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		assert.ErrorIs(t, repo.RenewEmailClaim(ctx, row.ID, oldClaim, now), ErrClaimLost)
		err = repo.UpdateEmail(ctx, row.ID, UpdateEmailParams{Claim: util.Some(oldClaim), Status: util.Some(model.OutboxStatusFailed)})
		assert.ErrorIs(t, err, ErrClaimLost)

		e, err := repo.GetEmail(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OutboxStatusPending, e.Status, "the stale writer changed nothing")
		assert.Nil(t, e.ClaimID)

		reclaimed, err := repo.ClaimDueEmails(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		require.NotNil(t, reclaimed[0].ClaimID)
		assert.NotEqual(t, oldClaim, *reclaimed[0].ClaimID)

		require.NoError(t, repo.UpdateEmail(ctx, row.ID, UpdateEmailParams{Claim: util.Some(*reclaimed[0].ClaimID), Status: util.Some(model.OutboxStatusSent)}))
		e, err = repo.GetEmail(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OutboxStatusSent, e.Status)
		assert.Nil(t, e.ClaimID)
		assert.Nil(t, e.ClaimedAt)
	})

	t.Run("stale registration version is rejected", func(t *testing.T) {
		repo := newRepo(t)
		reg := createRegistration(t, repo, "version@example.com")
		require.Equal(t, 1, reg.Version)

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			current, err := tx.GetRegistrationForUpdate(ctx, reg.ID)
			if err != nil {
				return err
			}
			current.RejectionReason = "first writer"
			_, err = tx.UpdateRegistration(ctx, current)
			return err
		}))

		err := repo.InTx(ctx, func(tx Tx) error {
			stale := reg.Clone()
			stale.RejectionReason = "second writer"
			_, err := tx.UpdateRegistration(ctx, stale)
			return err
		})
		require.ErrorIs(t, err, ErrStaleRegistration)

		got, err := repo.GetRegistration(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "first writer", got.RejectionReason)
	})

	t.Run("has sent email with key", func(t *testing.T) {
		repo := newRepo(t)
		e, err := repo.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "k@example.com", IdempotencyKey: util.Some("sent-key")})
		require.NoError(t, err)

		sent, err := repo.HasSentEmailWithKey(ctx, "sent-key", uuid.New())
		require.NoError(t, err)
		assert.False(t, sent)

		require.NoError(t, repo.UpdateEmail(ctx, e.ID, UpdateEmailParams{Status: util.Some(model.OutboxStatusSent), SentAt: util.Some(time.Now())}))

		sent, err = repo.HasSentEmailWithKey(ctx, "sent-key", uuid.New())
		require.NoError(t, err)
		assert.True(t, sent)

		sent, err = repo.HasSentEmailWithKey(ctx, "sent-key", e.ID)
		require.NoError(t, err)
		assert.False(t, sent, "a row never duplicates itself")
	})

	t.Run("admin users", func(t *testing.T) {
		repo := newRepo(t)
		admin, err := repo.CreateAdminUser(ctx, CreateAdminUserParams{Email: "Boss@Example.com", Role: model.AdminRoleSuperAdmin, IsActive: true})
		require.NoError(t, err)
		assert.Equal(t, "boss@example.com", admin.Email)

		_, err = repo.CreateAdminUser(ctx, CreateAdminUserParams{Email: "boss@example.com", Role: model.AdminRoleAdminTCC})
		assert.ErrorIs(t, err, ErrAdminEmailInUse)

		updated, err := repo.UpdateAdminUser(ctx, admin.ID, UpdateAdminUserParams{IsActive: util.Some(false)})
		require.NoError(t, err)
		assert.False(t, updated.IsActive)
		assert.Equal(t, model.AdminRoleSuperAdmin, updated.Role)

		_, err = repo.GetAdminUserByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrAdminUserNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	repositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryRepository()
	})
}

func TestMemoryRepositoryEnqueueFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.FailEnqueueWith(errors.New("outbox unavailable"))

	err := repo.InTx(ctx, func(tx Tx) error {
		if _, err := tx.CreateRegistration(ctx, CreateRegistrationParams{RegistrationCode: "YEC-AAAAAA", Applicant: model.Applicant{Email: "x@example.com"}}); err != nil {
			return err
		}
		_, err := tx.EnqueueEmail(ctx, EnqueueEmailParams{Template: model.EmailTemplateTracking, ToEmail: "x@example.com"})
		return err
	})
	require.Error(t, err)

	list, err := repo.ListRegistrations(ctx, ListRegistrationsParams{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	require.NoError(t, database.Migrate(dsn))

	db := database.NewDatabase()
	require.NoError(t, db.Connect(ctx, dsn, 10))
	t.Cleanup(db.Close)

	repositoryContract(t, func(t *testing.T) Repository {
		_, err := db.Pool.Exec(ctx, `TRUNCATE tbl_resubmit_token, tbl_audit_log_event, tbl_email_outbox, tbl_admin_user, tbl_registration`)
		require.NoError(t, err)
		return NewPostgresRepository(&db)
	})
}
