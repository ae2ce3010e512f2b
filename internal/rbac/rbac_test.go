package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yecday/registration/internal/model"
)

func TestCanReviewDefaultMatrix(t *testing.T) {
	tests := []struct {
		role model.AdminRole
		dim  model.Dimension
		want bool
	}{
		{model.AdminRoleSuperAdmin, model.DimensionPayment, true},
		{model.AdminRoleSuperAdmin, model.DimensionProfile, true},
		{model.AdminRoleSuperAdmin, model.DimensionTCC, true},
		{model.AdminRoleAdminPayment, model.DimensionPayment, true},
		{model.AdminRoleAdminPayment, model.DimensionProfile, false},
		{model.AdminRoleAdminPayment, model.DimensionTCC, false},
		{model.AdminRoleAdminProfile, model.DimensionPayment, false},
		{model.AdminRoleAdminProfile, model.DimensionProfile, true},
		{model.AdminRoleAdminProfile, model.DimensionTCC, true},
		{model.AdminRoleAdminTCC, model.DimensionPayment, false},
		{model.AdminRoleAdminTCC, model.DimensionProfile, false},
		{model.AdminRoleAdminTCC, model.DimensionTCC, true},
		{model.AdminRole("viewer"), model.DimensionTCC, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.dim), func(t *testing.T) {
			assert.Equal(t, tt.want, CanReview(tt.role, tt.dim))
		})
	}
}

func TestCanApprove(t *testing.T) {
	for _, role := range model.AdminRoles {
		assert.Equal(t, role == model.AdminRoleSuperAdmin, CanApprove(role), role)
	}
}

func TestParseMatrix(t *testing.T) {
	m, err := ParseMatrix("admin_payment=payment,profile; admin_tcc= ;super_admin=tcc")
	require.NoError(t, err)

	assert.True(t, m.CanReview(model.AdminRoleAdminPayment, model.DimensionProfile))
	assert.False(t, m.CanReview(model.AdminRoleAdminTCC, model.DimensionTCC))
	assert.True(t, m.CanReview(model.AdminRoleSuperAdmin, model.DimensionPayment), "super_admin cannot be narrowed")
	assert.Equal(t, []model.Dimension{model.DimensionProfile, model.DimensionTCC}, m.Dimensions(model.AdminRoleAdminProfile))
}

func TestParseMatrixErrors(t *testing.T) {
	for _, in := range []string{"admin_payment", "owner=payment", "admin_tcc=shipping"} {
		_, err := ParseMatrix(in)
		assert.Error(t, err, in)
	}
}

func TestAuthorizerRequiresActiveUser(t *testing.T) {
	a := NewAuthorizer(nil)
	inactive := model.AdminUser{Role: model.AdminRoleSuperAdmin, IsActive: false}

	assert.False(t, a.CanReview(inactive, model.DimensionPayment))
	assert.False(t, a.CanApprove(inactive))
	assert.Empty(t, a.Dimensions(inactive))

	active := model.AdminUser{Role: model.AdminRoleAdminProfile, IsActive: true}
	assert.True(t, a.CanReview(active, model.DimensionTCC))
	assert.False(t, a.CanApprove(active))
}

func TestCanSeeManagementMenu(t *testing.T) {
	tests := []struct {
		name  string
		user  model.AdminUser
		flags FeatureFlags
		want  bool
	}{
		{"active super admin", model.AdminUser{Role: model.AdminRoleSuperAdmin, IsActive: true}, FeatureFlags{ManagementMenu: true}, true},
		{"flag off", model.AdminUser{Role: model.AdminRoleSuperAdmin, IsActive: true}, FeatureFlags{}, false},
		{"inactive", model.AdminUser{Role: model.AdminRoleSuperAdmin}, FeatureFlags{ManagementMenu: true}, false},
		{"dimension admin", model.AdminUser{Role: model.AdminRoleAdminPayment, IsActive: true}, FeatureFlags{ManagementMenu: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanSeeManagementMenu(tt.user, tt.flags))
		})
	}
}
