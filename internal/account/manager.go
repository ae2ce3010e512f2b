package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/rbac"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

const minPasswordLength = 10

// Manager administers admin accounts. Every method except SetPassword
// requires an active super admin actor.
type Manager struct {
	logger *slog.Logger
	repo   repository.Repository
	flags  rbac.FeatureFlags
}

func NewManager(logger *slog.Logger, repo repository.Repository, flags rbac.FeatureFlags) *Manager {
	return &Manager{logger: logger, repo: repo, flags: flags}
}

func (m *Manager) authorize(actor model.AdminUser) error {
	if !rbac.CanSeeManagementMenu(actor, m.flags) {
		return apperror.Forbidden("admin management is restricted to super admins")
	}
	return nil
}

type CreateParam struct {
	Email    string
	Role     model.AdminRole
	Password string
	IsActive bool
}

func (m *Manager) Create(ctx context.Context, actor model.AdminUser, param CreateParam) (model.AdminUser, error) {
	if err := m.authorize(actor); err != nil {
		return model.AdminUser{}, err
	}

	email := strings.ToLower(strings.TrimSpace(param.Email))
	if !strings.Contains(email, "@") {
		return model.AdminUser{}, apperror.Validation("a valid email is required")
	}
	if _, err := model.AdminRoleFromString(string(param.Role)); err != nil {
		return model.AdminUser{}, apperror.Validation("unknown role %q", param.Role)
	}

	hash, err := HashPassword(param.Password)
	if err != nil {
		return model.AdminUser{}, err
	}

	user, err := m.repo.CreateAdminUser(ctx, repository.CreateAdminUserParams{
		Email:        email,
		Role:         param.Role,
		IsActive:     param.IsActive,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAdminEmailInUse) {
			return model.AdminUser{}, apperror.Conflict("an admin with email %s already exists", email)
		}
		return model.AdminUser{}, fmt.Errorf("failed to create admin: %w", err)
	}

	m.logger.InfoContext(ctx, "Admin created", "admin_id", user.ID, "role", user.Role, "actor_id", actor.ID)
	return user, nil
}

type UpdateParam struct {
	Role     util.Optional[model.AdminRole]
	IsActive util.Optional[bool]
	Password util.Optional[string]
}

func (m *Manager) Update(ctx context.Context, actor model.AdminUser, id uuid.UUID, param UpdateParam) (model.AdminUser, error) {
	if err := m.authorize(actor); err != nil {
		return model.AdminUser{}, err
	}

	// Super admins cannot lock themselves out.
	if id == actor.ID {
		if param.IsActive.IsSet && !param.IsActive.Val {
			return model.AdminUser{}, apperror.Conflict("you cannot deactivate your own account")
		}
		if param.Role.IsSet && param.Role.Val != model.AdminRoleSuperAdmin {
			return model.AdminUser{}, apperror.Conflict("you cannot change your own role")
		}
	}

	update := repository.UpdateAdminUserParams{
		Role:     param.Role,
		IsActive: param.IsActive,
	}
	if param.Role.IsSet {
		if _, err := model.AdminRoleFromString(string(param.Role.Val)); err != nil {
			return model.AdminUser{}, apperror.Validation("unknown role %q", param.Role.Val)
		}
	}
	if param.Password.IsSet {
		hash, err := HashPassword(param.Password.Val)
		if err != nil {
			return model.AdminUser{}, err
		}
		update.PasswordHash = util.Some(hash)
	}

	user, err := m.repo.UpdateAdminUser(ctx, id, update)
	if err != nil {
		if errors.Is(err, repository.ErrAdminUserNotFound) {
			return model.AdminUser{}, apperror.NotFound("admin %s not found", id)
		}
		return model.AdminUser{}, fmt.Errorf("failed to update admin %s: %w", id, err)
	}

	m.logger.InfoContext(ctx, "Admin updated", "admin_id", user.ID, "role", user.Role, "active", user.IsActive, "actor_id", actor.ID)
	return user, nil
}

func (m *Manager) List(ctx context.Context, actor model.AdminUser) ([]model.AdminUser, error) {
	if err := m.authorize(actor); err != nil {
		return nil, err
	}
	users, err := m.repo.ListAdminUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	return users, nil
}

// Upsert creates the admin or updates role and password of an existing one.
// It is meant for operators running cmd/admin, not for the HTTP API.
func (m *Manager) Upsert(ctx context.Context, email string, role model.AdminRole, password string) (model.AdminUser, bool, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return model.AdminUser{}, false, err
	}

	existing, err := m.repo.GetAdminUserByEmail(ctx, email)
	if err == nil {
		user, err := m.repo.UpdateAdminUser(ctx, existing.ID, repository.UpdateAdminUserParams{
			Role:         util.Some(role),
			IsActive:     util.Some(true),
			PasswordHash: util.Some(hash),
		})
		return user, false, err
	}
	if !errors.Is(err, repository.ErrAdminUserNotFound) {
		return model.AdminUser{}, false, err
	}

	user, err := m.repo.CreateAdminUser(ctx, repository.CreateAdminUserParams{
		Email:        email,
		Role:         role,
		IsActive:     true,
		PasswordHash: hash,
	})
	return user, true, err
}

func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", apperror.Validation("password must be at least %d characters", minPasswordLength)
	}
	if len(password) > 72 {
		return "", apperror.Validation("password must be at most 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
