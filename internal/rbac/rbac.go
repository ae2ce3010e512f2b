package rbac

import (
	"fmt"
	"slices"
	"strings"

	"github.com/yecday/registration/internal/model"
)

// Matrix maps a role to the dimensions it may review.
type Matrix map[model.AdminRole][]model.Dimension

// DefaultMatrix is the grant matrix used when none is configured.
func DefaultMatrix() Matrix {
	return Matrix{
		model.AdminRoleSuperAdmin:   slices.Clone(model.Dimensions),
		model.AdminRoleAdminPayment: {model.DimensionPayment},
		model.AdminRoleAdminProfile: {model.DimensionProfile, model.DimensionTCC},
		model.AdminRoleAdminTCC:     {model.DimensionTCC},
	}
}

// ParseMatrix reads "role=dim,dim;role=dim" on top of the default matrix.
// super_admin always keeps every dimension.
func ParseMatrix(s string) (Matrix, error) {
	m := DefaultMatrix()
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}

	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		roleStr, dimsStr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("rbac: malformed grant %q", entry)
		}
		role, err := model.AdminRoleFromString(strings.TrimSpace(roleStr))
		if err != nil {
			return nil, fmt.Errorf("rbac: %w", err)
		}
		if role == model.AdminRoleSuperAdmin {
			continue
		}

		var dims []model.Dimension
		for _, d := range strings.Split(dimsStr, ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			dim, err := model.DimensionFromString(d)
			if err != nil {
				return nil, fmt.Errorf("rbac: %w", err)
			}
			if !slices.Contains(dims, dim) {
				dims = append(dims, dim)
			}
		}
		m[role] = dims
	}
	return m, nil
}

func (m Matrix) CanReview(role model.AdminRole, dim model.Dimension) bool {
	if role == model.AdminRoleSuperAdmin {
		return true
	}
	return slices.Contains(m[role], dim)
}

// Dimensions returns what role may review, in precedence order.
func (m Matrix) Dimensions(role model.AdminRole) []model.Dimension {
	var out []model.Dimension
	for _, d := range model.Dimensions {
		if m.CanReview(role, d) {
			out = append(out, d)
		}
	}
	return out
}

// CanReview reports whether role may act on dim under the default matrix.
func CanReview(role model.AdminRole, dim model.Dimension) bool {
	return DefaultMatrix().CanReview(role, dim)
}

// CanApprove reports whether role may perform the final approve or reject.
func CanApprove(role model.AdminRole) bool {
	return role == model.AdminRoleSuperAdmin
}

type FeatureFlags struct {
	ManagementMenu bool
}

// CanSeeManagementMenu is the single rule for showing admin management screens.
func CanSeeManagementMenu(user model.AdminUser, flags FeatureFlags) bool {
	return flags.ManagementMenu && user.IsActive && user.Role == model.AdminRoleSuperAdmin
}

// Authorizer evaluates permissions against the persisted admin record.
type Authorizer struct {
	matrix Matrix
}

func NewAuthorizer(matrix Matrix) *Authorizer {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	return &Authorizer{matrix: matrix}
}

func (a *Authorizer) CanReview(user model.AdminUser, dim model.Dimension) bool {
	return user.IsActive && a.matrix.CanReview(user.Role, dim)
}

func (a *Authorizer) CanApprove(user model.AdminUser) bool {
	return user.IsActive && CanApprove(user.Role)
}

func (a *Authorizer) Dimensions(user model.AdminUser) []model.Dimension {
	if !user.IsActive {
		return nil
	}
	return a.matrix.Dimensions(user.Role)
}
