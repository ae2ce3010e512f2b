package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Dimension string

const (
	DimensionPayment Dimension = "payment"
	DimensionProfile Dimension = "profile"
	DimensionTCC     Dimension = "tcc"
)

// Dimensions lists every review dimension in precedence order.
var Dimensions = []Dimension{DimensionPayment, DimensionProfile, DimensionTCC}

func DimensionFromString(s string) (Dimension, error) {
	switch Dimension(s) {
	case DimensionPayment, DimensionProfile, DimensionTCC:
		return Dimension(s), nil
	}
	return "", fmt.Errorf("unknown dimension %q", s)
}

type ReviewStatus string

const (
	ReviewStatusPending     ReviewStatus = "pending"
	ReviewStatusNeedsUpdate ReviewStatus = "needs_update"
	ReviewStatusPassed      ReviewStatus = "passed"
)

type RegistrationStatus string

const (
	RegistrationStatusWaitingForReview        RegistrationStatus = "waiting_for_review"
	RegistrationStatusWaitingForUpdatePayment RegistrationStatus = "waiting_for_update_payment"
	RegistrationStatusWaitingForUpdateInfo    RegistrationStatus = "waiting_for_update_info"
	RegistrationStatusWaitingForUpdateTCC     RegistrationStatus = "waiting_for_update_tcc"
	RegistrationStatusApproved                RegistrationStatus = "approved"
	RegistrationStatusRejected                RegistrationStatus = "rejected"
)

func (s RegistrationStatus) IsTerminal() bool {
	return s == RegistrationStatusApproved || s == RegistrationStatusRejected
}

func RegistrationStatusFromString(s string) (RegistrationStatus, error) {
	switch RegistrationStatus(s) {
	case RegistrationStatusWaitingForReview,
		RegistrationStatusWaitingForUpdatePayment,
		RegistrationStatusWaitingForUpdateInfo,
		RegistrationStatusWaitingForUpdateTCC,
		RegistrationStatusApproved,
		RegistrationStatusRejected:
		return RegistrationStatus(s), nil
	}
	return "", fmt.Errorf("unknown registration status %q", s)
}

// WaitingForUpdate returns the overall status shown while dim needs an update.
func WaitingForUpdate(dim Dimension) RegistrationStatus {
	switch dim {
	case DimensionPayment:
		return RegistrationStatusWaitingForUpdatePayment
	case DimensionProfile:
		return RegistrationStatusWaitingForUpdateInfo
	default:
		return RegistrationStatusWaitingForUpdateTCC
	}
}

type ChecklistItem struct {
	Status ReviewStatus `json:"status"`
	Notes  string       `json:"notes,omitempty"`
}

// ReviewChecklist is the authoritative per-dimension review record.
type ReviewChecklist map[Dimension]ChecklistItem

func NewReviewChecklist() ReviewChecklist {
	c := make(ReviewChecklist, len(Dimensions))
	for _, d := range Dimensions {
		c[d] = ChecklistItem{Status: ReviewStatusPending}
	}
	return c
}

// Status returns pending for dimensions missing from the checklist.
func (c ReviewChecklist) Status(dim Dimension) ReviewStatus {
	if item, ok := c[dim]; ok && item.Status != "" {
		return item.Status
	}
	return ReviewStatusPending
}

func (c ReviewChecklist) Clone() ReviewChecklist {
	out := make(ReviewChecklist, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c ReviewChecklist) AllPassed() bool {
	for _, d := range Dimensions {
		if c.Status(d) != ReviewStatusPassed {
			return false
		}
	}
	return true
}

// FirstNeedingUpdate returns the first dimension in precedence order that needs an update.
func (c ReviewChecklist) FirstNeedingUpdate() (Dimension, bool) {
	for _, d := range Dimensions {
		if c.Status(d) == ReviewStatusNeedsUpdate {
			return d, true
		}
	}
	return "", false
}

// DeriveStatus computes the non-terminal overall status from the checklist.
// updateReason wins when that dimension still needs an update.
func DeriveStatus(c ReviewChecklist, updateReason *Dimension) RegistrationStatus {
	if updateReason != nil && c.Status(*updateReason) == ReviewStatusNeedsUpdate {
		return WaitingForUpdate(*updateReason)
	}
	if dim, ok := c.FirstNeedingUpdate(); ok {
		return WaitingForUpdate(dim)
	}
	return RegistrationStatusWaitingForReview
}

type Applicant struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Nickname     string `json:"nickname"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	LineID       string `json:"line_id,omitempty"`
	CompanyName  string `json:"company_name"`
	BusinessType string `json:"business_type"`
	Province     string `json:"province"`
}

func (a Applicant) FullName() string {
	return a.FirstName + " " + a.LastName
}

type Registration struct {
	ID               uuid.UUID          `json:"id"`
	RegistrationCode string             `json:"registration_id"`
	Applicant        Applicant          `json:"applicant"`
	Status           RegistrationStatus `json:"status"`
	ReviewChecklist  ReviewChecklist    `json:"review_checklist"`
	UpdateReason     *Dimension         `json:"update_reason,omitempty"`
	RejectionReason  string             `json:"rejection_reason,omitempty"`
	ProfileImageKey  string             `json:"profile_image_url"`
	PaymentSlipKey   string             `json:"payment_slip_url"`
	ChamberCardKey   string             `json:"chamber_card_url"`
	BadgeKey         string             `json:"badge_url,omitempty"`
	Version          int                `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func (r Registration) PaymentReviewStatus() ReviewStatus {
	return r.ReviewChecklist.Status(DimensionPayment)
}

func (r Registration) ProfileReviewStatus() ReviewStatus {
	return r.ReviewChecklist.Status(DimensionProfile)
}

func (r Registration) TCCReviewStatus() ReviewStatus {
	return r.ReviewChecklist.Status(DimensionTCC)
}

// MarshalJSON adds the per-dimension review statuses next to the checklist.
func (r Registration) MarshalJSON() ([]byte, error) {
	type registration Registration
	return json.Marshal(struct {
		registration
		PaymentReviewStatus ReviewStatus `json:"payment_review_status"`
		ProfileReviewStatus ReviewStatus `json:"profile_review_status"`
		TCCReviewStatus     ReviewStatus `json:"tcc_review_status"`
	}{
		registration:        registration(r),
		PaymentReviewStatus: r.PaymentReviewStatus(),
		ProfileReviewStatus: r.ProfileReviewStatus(),
		TCCReviewStatus:     r.TCCReviewStatus(),
	})
}

// Recompute refreshes Status from the checklist unless the registration is terminal.
func (r *Registration) Recompute() {
	if r.Status.IsTerminal() {
		return
	}
	r.Status = DeriveStatus(r.ReviewChecklist, r.UpdateReason)
}

// Clone returns a copy that shares no mutable state with r.
func (r Registration) Clone() Registration {
	out := r
	out.ReviewChecklist = r.ReviewChecklist.Clone()
	if r.UpdateReason != nil {
		d := *r.UpdateReason
		out.UpdateReason = &d
	}
	return out
}
