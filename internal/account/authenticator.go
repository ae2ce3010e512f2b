package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/ratelimit"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/token"
)

// dummyHash keeps the response time of unknown emails close to wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

type Authenticator struct {
	logger   *slog.Logger
	repo     repository.Repository
	tokens   *token.Manager
	attempts ratelimit.Limiter
}

func NewAuthenticator(logger *slog.Logger, repo repository.Repository, tokens *token.Manager, attempts ratelimit.Limiter) *Authenticator {
	if attempts == nil {
		attempts = ratelimit.Unlimited{}
	}
	return &Authenticator{logger: logger, repo: repo, tokens: tokens, attempts: attempts}
}

type LoginParam struct {
	Email    string
	Password string
}

type LoginResult struct {
	Admin     model.AdminUser
	Token     string
	ExpiresAt time.Time
}

func (a *Authenticator) Login(ctx context.Context, param LoginParam) (LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(param.Email))
	attemptKey := "login:" + email

	if err := ratelimit.Check(ctx, a.attempts, attemptKey); err != nil {
		if errors.Is(err, ratelimit.ErrTooManyAttempts) {
			return LoginResult{}, apperror.TooManyRequests("too many login attempts, please try again later")
		}
		return LoginResult{}, fmt.Errorf("failed to check login attempts: %w", err)
	}

	user, err := a.repo.GetAdminUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrAdminUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(param.Password))
			return LoginResult{}, apperror.Unauthorized("invalid email or password")
		}
		return LoginResult{}, fmt.Errorf("failed to get admin by email: %w", err)
	}

	if user.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(param.Password)) != nil {
		a.logger.InfoContext(ctx, "Admin login failed", "admin_id", user.ID)
		return LoginResult{}, apperror.Unauthorized("invalid email or password")
	}
	if !user.IsActive {
		return LoginResult{}, apperror.Unauthorized("account is disabled")
	}

	if err := a.attempts.Reset(ctx, attemptKey); err != nil {
		a.logger.WarnContext(ctx, "Failed to reset login attempts", "admin_id", user.ID, "error", err)
	}

	signed, expiresAt, err := a.tokens.IssueAdmin(user)
	if err != nil {
		return LoginResult{}, err
	}

	a.logger.InfoContext(ctx, "Admin logged in", "admin_id", user.ID, "role", user.Role)
	return LoginResult{Admin: user, Token: signed, ExpiresAt: expiresAt}, nil
}

// Authenticate resolves a bearer token to the current admin row. Role and
// active flag come from the database, never from the token.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (model.AdminUser, error) {
	id, err := a.tokens.ParseAdmin(rawToken)
	if err != nil {
		return model.AdminUser{}, apperror.Unauthorized("invalid or expired session")
	}

	user, err := a.repo.GetAdminUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAdminUserNotFound) {
			return model.AdminUser{}, apperror.Unauthorized("invalid or expired session")
		}
		return model.AdminUser{}, fmt.Errorf("failed to get admin by ID %s: %w", id, err)
	}
	if !user.IsActive {
		return model.AdminUser{}, apperror.Unauthorized("account is disabled")
	}
	return user, nil
}
