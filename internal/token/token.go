package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yecday/registration/internal/model"
)

const (
	issuer           = "yec-day"
	audienceAdmin    = "admin"
	audienceResubmit = "resubmit"
)

var (
	ErrInvalidToken = errors.New("token: invalid token")
	ErrWrongBinding = errors.New("token: token is bound to a different registration or dimension")
)

// AdminClaims identify an admin session. Role is informational; callers
// reload the admin row so deactivation and role changes apply immediately.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ResubmitClaims bind a one-time link to a registration and dimension.
type ResubmitClaims struct {
	RegistrationID string `json:"rid"`
	Dimension      string `json:"dim"`
	jwt.RegisteredClaims
}

// Resubmit is an issued resubmission token with its id and expiry.
type Resubmit struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

type Manager struct {
	secret      []byte
	adminTTL    time.Duration
	resubmitTTL time.Duration
	now         func() time.Time
}

func NewManager(secret string, adminTTL, resubmitTTL time.Duration) *Manager {
	return &Manager{
		secret:      []byte(secret),
		adminTTL:    adminTTL,
		resubmitTTL: resubmitTTL,
		now:         time.Now,
	}
}

// WithClock returns a copy of m that reads time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	return &cp
}

func (m *Manager) IssueAdmin(admin model.AdminUser) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.adminTTL)
	claims := AdminClaims{
		Role: string(admin.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   admin.ID.String(),
			Audience:  jwt.ClaimStrings{audienceAdmin},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: failed to sign admin token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAdmin returns the admin id carried by a valid admin token.
func (m *Manager) ParseAdmin(raw string) (uuid.UUID, error) {
	var claims AdminClaims
	if err := m.parse(raw, audienceAdmin, &claims); err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}

func (m *Manager) IssueResubmit(registrationID uuid.UUID, dim model.Dimension) (Resubmit, error) {
	now := m.now()
	out := Resubmit{
		JTI:       uuid.NewString(),
		ExpiresAt: now.Add(m.resubmitTTL),
	}
	claims := ResubmitClaims{
		RegistrationID: registrationID.String(),
		Dimension:      string(dim),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audienceResubmit},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(out.ExpiresAt),
			ID:        out.JTI,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Resubmit{}, fmt.Errorf("token: failed to sign resubmit token: %w", err)
	}
	out.Token = signed
	return out, nil
}

// ParseResubmit checks the signature, expiry and audience. It does not
// check whether the token was already used; that lives in the database.
func (m *Manager) ParseResubmit(raw string) (ResubmitClaims, error) {
	var claims ResubmitClaims
	if err := m.parse(raw, audienceResubmit, &claims); err != nil {
		return ResubmitClaims{}, err
	}
	if claims.ID == "" {
		return ResubmitClaims{}, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	if _, err := uuid.Parse(claims.RegistrationID); err != nil {
		return ResubmitClaims{}, fmt.Errorf("%w: bad registration id", ErrInvalidToken)
	}
	if _, err := model.DimensionFromString(claims.Dimension); err != nil {
		return ResubmitClaims{}, fmt.Errorf("%w: bad dimension", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyResubmit parses raw and checks it is bound to registrationID and dim.
func (m *Manager) VerifyResubmit(raw string, registrationID uuid.UUID, dim model.Dimension) (ResubmitClaims, error) {
	claims, err := m.ParseResubmit(raw)
	if err != nil {
		return ResubmitClaims{}, err
	}
	if claims.RegistrationID != registrationID.String() || claims.Dimension != string(dim) {
		return ResubmitClaims{}, ErrWrongBinding
	}
	return claims, nil
}

func (m *Manager) parse(raw, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKeyType
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
