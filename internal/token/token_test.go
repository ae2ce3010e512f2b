package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yecday/registration/internal/model"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAdminToken(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	m := NewManager("secret", time.Hour, 24*time.Hour).WithClock(fixedClock(now))

	admin := model.AdminUser{ID: uuid.New(), Role: model.AdminRoleAdminPayment}
	raw, exp, err := m.IssueAdmin(admin)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	id, err := m.ParseAdmin(raw)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, id)

	_, err = m.WithClock(fixedClock(now.Add(2 * time.Hour))).ParseAdmin(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewManager("other", time.Hour, time.Hour).WithClock(fixedClock(now)).ParseAdmin(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResubmitToken(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	m := NewManager("secret", time.Hour, 7*24*time.Hour).WithClock(fixedClock(now))
	regID := uuid.New()

	issued, err := m.IssueResubmit(regID, model.DimensionPayment)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.JTI)
	assert.Equal(t, now.Add(7*24*time.Hour), issued.ExpiresAt)

	claims, err := m.VerifyResubmit(issued.Token, regID, model.DimensionPayment)
	require.NoError(t, err)
	assert.Equal(t, issued.JTI, claims.ID)

	_, err = m.VerifyResubmit(issued.Token, regID, model.DimensionTCC)
	assert.ErrorIs(t, err, ErrWrongBinding)

	_, err = m.VerifyResubmit(issued.Token, uuid.New(), model.DimensionPayment)
	assert.ErrorIs(t, err, ErrWrongBinding)

	_, err = m.WithClock(fixedClock(issued.ExpiresAt.Add(time.Second))).ParseResubmit(issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	m := NewManager("secret", time.Hour, time.Hour)

	admin, _, err := m.IssueAdmin(model.AdminUser{ID: uuid.New(), Role: model.AdminRoleSuperAdmin})
	require.NoError(t, err)
	_, err = m.ParseResubmit(admin)
	assert.ErrorIs(t, err, ErrInvalidToken)

	resubmit, err := m.IssueResubmit(uuid.New(), model.DimensionProfile)
	require.NoError(t, err)
	_, err = m.ParseAdmin(resubmit.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseGarbage(t *testing.T) {
	m := NewManager("secret", time.Hour, time.Hour)
	for _, raw := range []string{"", "abc", "a.b.c"} {
		_, err := m.ParseResubmit(raw)
		assert.ErrorIs(t, err, ErrInvalidToken, raw)
	}
}
