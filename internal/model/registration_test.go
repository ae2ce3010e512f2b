package model

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reviewStatuses = []ReviewStatus{ReviewStatusPending, ReviewStatusNeedsUpdate, ReviewStatusPassed}

// expectedStatus restates the derivation table independently of DeriveStatus.
func expectedStatus(p, pr, t ReviewStatus, reason *Dimension) RegistrationStatus {
	byDim := map[Dimension]ReviewStatus{DimensionPayment: p, DimensionProfile: pr, DimensionTCC: t}
	if reason != nil && byDim[*reason] == ReviewStatusNeedsUpdate {
		return WaitingForUpdate(*reason)
	}
	switch {
	case p == ReviewStatusNeedsUpdate:
		return RegistrationStatusWaitingForUpdatePayment
	case pr == ReviewStatusNeedsUpdate:
		return RegistrationStatusWaitingForUpdateInfo
	case t == ReviewStatusNeedsUpdate:
		return RegistrationStatusWaitingForUpdateTCC
	}
	return RegistrationStatusWaitingForReview
}

func TestDeriveStatusAllTriples(t *testing.T) {
	reasons := []*Dimension{nil}
	for i := range Dimensions {
		reasons = append(reasons, &Dimensions[i])
	}

	for _, p := range reviewStatuses {
		for _, pr := range reviewStatuses {
			for _, tc := range reviewStatuses {
				for _, reason := range reasons {
					c := ReviewChecklist{
						DimensionPayment: {Status: p},
						DimensionProfile: {Status: pr},
						DimensionTCC:     {Status: tc},
					}
					got := DeriveStatus(c, reason)
					assert.Equal(t, expectedStatus(p, pr, tc, reason), got, "payment=%s profile=%s tcc=%s", p, pr, tc)
					assert.False(t, got.IsTerminal())
				}
			}
		}
	}
}

func TestDeriveStatusRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		c := ReviewChecklist{}
		for _, d := range Dimensions {
			c[d] = ChecklistItem{Status: reviewStatuses[rng.Intn(len(reviewStatuses))]}
		}
		got := DeriveStatus(c, nil)

		_, anyNeedsUpdate := c.FirstNeedingUpdate()
		if anyNeedsUpdate {
			assert.NotEqual(t, RegistrationStatusWaitingForReview, got)
		} else {
			assert.Equal(t, RegistrationStatusWaitingForReview, got)
		}
	}
}

func TestAllPassedDoesNotApprove(t *testing.T) {
	r := Registration{Status: RegistrationStatusWaitingForReview, ReviewChecklist: NewReviewChecklist()}
	for _, d := range Dimensions {
		r.ReviewChecklist[d] = ChecklistItem{Status: ReviewStatusPassed}
	}
	r.Recompute()

	assert.True(t, r.ReviewChecklist.AllPassed())
	assert.Equal(t, RegistrationStatusWaitingForReview, r.Status)
}

func TestRecomputeKeepsTerminalStatus(t *testing.T) {
	r := Registration{Status: RegistrationStatusRejected, ReviewChecklist: NewReviewChecklist()}
	r.Recompute()
	assert.Equal(t, RegistrationStatusRejected, r.Status)
}

func TestCloneIsIndependent(t *testing.T) {
	reason := DimensionTCC
	r := Registration{ReviewChecklist: NewReviewChecklist(), UpdateReason: &reason}
	c := r.Clone()
	c.ReviewChecklist[DimensionTCC] = ChecklistItem{Status: ReviewStatusPassed}
	*c.UpdateReason = DimensionPayment

	assert.Equal(t, ReviewStatusPending, r.ReviewChecklist.Status(DimensionTCC))
	assert.Equal(t, DimensionTCC, *r.UpdateReason)
}

func TestDimensionFromString(t *testing.T) {
	d, err := DimensionFromString("tcc")
	require.NoError(t, err)
	assert.Equal(t, DimensionTCC, d)

	_, err = DimensionFromString("shipping")
	assert.Error(t, err)
}

func TestRegistrationJSONCarriesDimensionStatuses(t *testing.T) {
	reg := Registration{RegistrationCode: "YEC-AB12CD", ReviewChecklist: NewReviewChecklist()}
	reg.ReviewChecklist[DimensionPayment] = ChecklistItem{Status: ReviewStatusPassed}
	reg.ReviewChecklist[DimensionTCC] = ChecklistItem{Status: ReviewStatusNeedsUpdate, Notes: "expired card"}
	reason := DimensionTCC
	reg.UpdateReason = &reason
	reg.Recompute()

	raw, err := json.Marshal(reg)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "passed", out["payment_review_status"])
	assert.Equal(t, "pending", out["profile_review_status"])
	assert.Equal(t, "needs_update", out["tcc_review_status"])
	assert.Equal(t, "YEC-AB12CD", out["registration_id"])
	assert.Equal(t, string(RegistrationStatusWaitingForUpdateTCC), out["status"])
	assert.Contains(t, out, "review_checklist")

	var back Registration
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ReviewStatusNeedsUpdate, back.TCCReviewStatus())
	assert.Equal(t, "expired card", back.ReviewChecklist[DimensionTCC].Notes)
}
