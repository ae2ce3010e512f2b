package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/repository"
)

type BootstrapEntry struct {
	Email string
	Role  model.AdminRole
}

// ParseBootstrap reads "email=role" pairs.
func ParseBootstrap(entries []string) ([]BootstrapEntry, error) {
	out := make([]BootstrapEntry, 0, len(entries))
	for _, e := range entries {
		email, roleStr, ok := strings.Cut(strings.TrimSpace(e), "=")
		email = strings.ToLower(strings.TrimSpace(email))
		if !ok || email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("rbac: malformed bootstrap admin %q", e)
		}
		role, err := model.AdminRoleFromString(strings.TrimSpace(roleStr))
		if err != nil {
			return nil, fmt.Errorf("rbac: bootstrap admin %s: %w", email, err)
		}
		out = append(out, BootstrapEntry{Email: email, Role: role})
	}
	return out, nil
}

// Bootstrap creates the listed admins when they do not exist yet. Existing
// rows are never modified, so a role changed in the database wins over the
// configuration. Created admins have no password until one is set.
func Bootstrap(ctx context.Context, logger *slog.Logger, repo repository.Repository, entries []BootstrapEntry) (created int, err error) {
	for _, e := range entries {
		existing, err := repo.GetAdminUserByEmail(ctx, e.Email)
		switch {
		case err == nil:
			if existing.Role != e.Role {
				logger.WarnContext(ctx, "Bootstrap admin role differs from stored role, keeping stored role",
					"email", e.Email,
					"configured_role", e.Role,
					"stored_role", existing.Role)
			}
			continue
		case !errors.Is(err, repository.ErrAdminUserNotFound):
			return created, fmt.Errorf("rbac: failed to look up admin %s: %w", e.Email, err)
		}

		_, err = repo.CreateAdminUser(ctx, repository.CreateAdminUserParams{
			Email:    e.Email,
			Role:     e.Role,
			IsActive: true,
		})
		if errors.Is(err, repository.ErrAdminEmailInUse) {
			// Another instance created it between our read and write.
			continue
		}
		if err != nil {
			return created, fmt.Errorf("rbac: failed to create admin %s: %w", e.Email, err)
		}
		created++
		logger.InfoContext(ctx, "Bootstrap admin created", "email", e.Email, "role", e.Role)
	}
	return created, nil
}
