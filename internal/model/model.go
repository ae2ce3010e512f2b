package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AdminRole string

const (
	AdminRoleSuperAdmin   AdminRole = "super_admin"
	AdminRoleAdminPayment AdminRole = "admin_payment"
	AdminRoleAdminProfile AdminRole = "admin_profile"
	AdminRoleAdminTCC     AdminRole = "admin_tcc"
)

var AdminRoles = []AdminRole{AdminRoleSuperAdmin, AdminRoleAdminPayment, AdminRoleAdminProfile, AdminRoleAdminTCC}

func AdminRoleFromString(s string) (AdminRole, error) {
	for _, r := range AdminRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown admin role %q", s)
}

type AdminUser struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Role         AdminRole `json:"role"`
	IsActive     bool      `json:"is_active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type AuditLogEventType string

const (
	AuditLogEventTypeRegistrationCreated     AuditLogEventType = "registration.created"
	AuditLogEventTypeReviewUpdateRequested   AuditLogEventType = "review.update_requested"
	AuditLogEventTypeReviewPassed            AuditLogEventType = "review.passed"
	AuditLogEventTypeRegistrationApproved    AuditLogEventType = "registration.approved"
	AuditLogEventTypeRegistrationRejected    AuditLogEventType = "registration.rejected"
	AuditLogEventTypeRegistrationResubmitted AuditLogEventType = "registration.resubmitted"
)

type AuditLogEvent struct {
	ID             uuid.UUID         `json:"id"`
	RegistrationID uuid.UUID         `json:"registration_id"`
	AdminID        *uuid.UUID        `json:"admin_id,omitempty"`
	Type           AuditLogEventType `json:"type"`
	Dimension      *Dimension        `json:"dimension,omitempty"`
	Data           json.RawMessage   `json:"data"`
	CreatedAt      time.Time         `json:"created_at"`
}

type ResubmitToken struct {
	JTI            string     `json:"jti"`
	RegistrationID uuid.UUID  `json:"registration_id"`
	Dimension      Dimension  `json:"dimension"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
