package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
)

func withdrawChild(id string, directive models.BillingDirective) dto.WithdrawChildRequest {
	return dto.WithdrawChildRequest{StudentID: id, Reason: models.WithdrawReasonRelocation, Billing: directive}
}

func TestWithdrawChildRecalculatesFamilyAmount(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)

	preview, _, err := h.previews.WithdrawPreview(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3, preview.ActiveChildCount)
	assert.Equal(t, int64(17000), preview.RecalculatedAmount)
	assert.False(t, preview.IsLastActiveChild)
	require.NotNil(t, preview.CurrentAmount)
	assert.Equal(t, int64(23000), *preview.CurrentAmount)

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.AutoRecalculate()))
	require.NoError(t, err)

	assert.True(t, result.Withdrawn)
	assert.Equal(t, models.StudentStatusWithdrawn, result.Status)
	assert.Equal(t, 2, result.ActiveRemaining)
	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, dto.BillingActionUpdated, result.Billing.Action)
	require.NotNil(t, result.Billing.Amount)
	assert.Equal(t, preview.RecalculatedAmount, *result.Billing.Amount)

	assert.Equal(t, []string{"update:ext-1:17000"}, h.provider.callLog())
	assert.Equal(t, int64(17000), h.store.subscription("sub-1").Amount)

	var total int64
	for _, id := range ids[1:] {
		for _, a := range h.store.activeAssignmentsOf(id) {
			total += a.Amount
		}
	}
	assert.Equal(t, int64(17000), total)
	assert.Empty(t, h.store.activeAssignmentsOf(ids[0]))
}

func TestWithdrawChildCascadesLocalRows(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)

	_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[1], models.AutoRecalculate()))
	require.NoError(t, err)

	assert.Equal(t, models.StudentStatusWithdrawn, h.store.student(ids[1]).Status)
	for _, e := range h.store.enrollments {
		if e.StudentID == ids[1] {
			require.NotNil(t, e.EndedAt)
			require.NotNil(t, e.EndReason)
			assert.Contains(t, *e.EndReason, "relocated")
		}
	}
	for _, r := range h.store.roster {
		if r.StudentID == ids[1] {
			assert.False(t, r.IsActive)
		}
	}
}

func TestWithdrawLastChildCancelsInsteadOfZeroAmount(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 1)

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.AutoRecalculate()))
	require.NoError(t, err)

	assert.Equal(t, 0, result.ActiveRemaining)
	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, dto.BillingActionCanceled, result.Billing.Action)
	assert.Equal(t, []string{"cancel:ext-1"}, h.provider.callLog())
	assert.Equal(t, models.SubscriptionStatusCanceled, h.store.subscription("sub-1").Status)
}

func TestWithdrawLastChildRejectsRetainingDirectives(t *testing.T) {
	for _, directive := range []models.BillingDirective{models.KeepCurrent(), models.CustomAmount(9000)} {
		t.Run(string(directive.Kind), func(t *testing.T) {
			h := newBillingHarness(t)
			ids := h.seedFamily("fam-1", "sub-1", "ext-1", 1)

			_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], directive))
			require.Error(t, err)
			assert.True(t, errors.Is(err, appErrors.ErrLastActiveChild))

			assert.Equal(t, models.StudentStatusEnrolled, h.store.student(ids[0]).Status)
			assert.Len(t, h.store.activeAssignmentsOf(ids[0]), 1)
			assert.Empty(t, h.provider.callLog())
		})
	}
}

func TestWithdrawChildKeepCurrentLeavesProviderUntouched(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.KeepCurrent()))
	require.NoError(t, err)

	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, dto.BillingActionKept, result.Billing.Action)
	assert.Empty(t, h.provider.callLog())
	assert.Equal(t, int64(17000), h.store.subscription("sub-1").Amount)
}

func TestWithdrawChildCustomAmount(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[2], models.CustomAmount(15000)))
	require.NoError(t, err)

	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, []string{"update:ext-1:15000"}, h.provider.callLog())
	assert.Equal(t, int64(15000), h.store.subscription("sub-1").Amount)
}

func TestWithdrawChildStandsWhenProviderFails(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)
	h.provider.updateErr = errors.New("card_declined")

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.AutoRecalculate()))
	require.NoError(t, err)

	assert.True(t, result.Withdrawn)
	assert.False(t, result.Billing.BillingUpdated)
	assert.False(t, result.Billing.Diverged)
	assert.Contains(t, result.Billing.Error, "card_declined")

	assert.Equal(t, models.StudentStatusWithdrawn, h.store.student(ids[0]).Status)
	assert.Empty(t, h.store.activeAssignmentsOf(ids[0]))
	assert.Equal(t, int64(23000), h.store.subscription("sub-1").Amount)
	assert.Empty(t, h.store.divergences)
}

func TestWithdrawChildReportsDivergenceWhenLocalWriteFails(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)
	h.store.fail["UpdateSubscriptionAmount"] = errLocalWrite

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.AutoRecalculate()))
	require.NoError(t, err)

	assert.True(t, result.Withdrawn)
	assert.False(t, result.Billing.BillingUpdated)
	assert.True(t, result.Billing.Diverged)
	assert.Contains(t, result.Billing.Error, "17000")
	assert.Contains(t, result.Billing.Error, errLocalWrite.Error())
	assert.Equal(t, []string{"update:ext-1:17000"}, h.provider.callLog())

	critical := h.criticalLogs()
	require.Len(t, critical, 1)
	fields := critical[0].ContextMap()
	assert.Equal(t, "ext-1", fields["external_subscription_id"])
	assert.Equal(t, models.SyncOperationAmountUpdate, fields["operation"])
	assert.Equal(t, true, fields["alert"])

	require.Len(t, h.store.divergences, 1)
	for _, d := range h.store.divergences {
		assert.Equal(t, "sub-1", d.SubscriptionID)
		assert.Equal(t, models.SyncOperationAmountUpdate, d.Operation)
		assert.Contains(t, d.IntendedState.String(), "17000")
		assert.Nil(t, d.ResolvedAt)
	}
	// The local mirror keeps the old amount until someone reconciles it.
	assert.Equal(t, int64(23000), h.store.subscription("sub-1").Amount)
}

func TestWithdrawSoloStudentWithoutSubscription(t *testing.T) {
	h := newBillingHarness(t)
	h.store.addStudent("solo-1", "", models.StudentStatusEnrolled)

	result, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild("solo-1", models.AutoRecalculate()))
	require.NoError(t, err)

	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, dto.BillingActionNoAccount, result.Billing.Action)
	assert.Nil(t, result.FamilyID)
	assert.Empty(t, h.provider.callLog())
}

func TestWithdrawChildRejectsBeforeMutation(t *testing.T) {
	t.Run("provider not configured", func(t *testing.T) {
		h := newBillingHarness(t)
		ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)
		h.provider.configured = false

		_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.AutoRecalculate()))
		assert.True(t, errors.Is(err, appErrors.ErrProviderNotConfigured))
		assert.Equal(t, models.StudentStatusEnrolled, h.store.student(ids[0]).Status)
	})

	t.Run("already withdrawn", func(t *testing.T) {
		h := newBillingHarness(t)
		h.store.addStudent("gone", "fam-1", models.StudentStatusWithdrawn)

		_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild("gone", models.AutoRecalculate()))
		assert.True(t, errors.Is(err, appErrors.ErrAlreadyWithdrawn))
	})

	t.Run("unknown student", func(t *testing.T) {
		h := newBillingHarness(t)

		_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild("missing", models.AutoRecalculate()))
		assert.True(t, errors.Is(err, appErrors.ErrStudentNotFound))
	})

	t.Run("other program", func(t *testing.T) {
		h := newBillingHarness(t)
		h.store.addStudent("elsewhere", "fam-9", models.StudentStatusEnrolled)
		student := h.store.students["elsewhere"]
		student.Program = "QURAN"
		h.store.students["elsewhere"] = student

		_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild("elsewhere", models.AutoRecalculate()))
		assert.True(t, errors.Is(err, appErrors.ErrStudentNotFound))
	})

	t.Run("invalid payload", func(t *testing.T) {
		h := newBillingHarness(t)
		ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)

		_, err := h.withdrawals.WithdrawChild(context.Background(), dto.WithdrawChildRequest{StudentID: ids[0], Reason: "BORED", Billing: models.AutoRecalculate()})
		assert.True(t, errors.Is(err, appErrors.ErrValidation))

		_, err = h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.BillingDirective{Kind: models.DirectiveCustom}))
		assert.True(t, errors.Is(err, appErrors.ErrValidation))
		assert.Equal(t, models.StudentStatusEnrolled, h.store.student(ids[0]).Status)
	})
}

func TestWithdrawChildRollsBackCascadeOnLocalFailure(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)
	h.store.fail["DeactivateRoster"] = errLocalWrite

	_, err := h.withdrawals.WithdrawChild(context.Background(), withdrawChild(ids[0], models.AutoRecalculate()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))

	assert.Equal(t, models.StudentStatusEnrolled, h.store.student(ids[0]).Status)
	assert.Len(t, h.store.activeAssignmentsOf(ids[0]), 1)
	assert.Equal(t, 1, h.store.rollbacks)
	assert.Empty(t, h.provider.callLog())
}

func TestWithdrawFamilyCancelsOnce(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)

	result, err := h.withdrawals.WithdrawFamily(context.Background(), dto.WithdrawFamilyRequest{
		FamilyID: "fam-1",
		Reason:   models.WithdrawReasonFinancial,
		Billing:  models.CancelSubscription(),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.WithdrawnCount)
	assert.Zero(t, result.FailedCount)
	assert.ElementsMatch(t, ids, result.WithdrawnIDs)
	assert.False(t, result.Downgraded)
	assert.Equal(t, models.DirectiveCancelSubscription, result.AppliedDirective)
	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, []string{"cancel:ext-1"}, h.provider.callLog())
	assert.Equal(t, models.SubscriptionStatusCanceled, h.store.subscription("sub-1").Status)
}

func TestWithdrawFamilyDowngradesCancelOnPartialFailure(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)
	h.store.fail["UpdateStatus:"+ids[1]] = errLocalWrite

	result, err := h.withdrawals.WithdrawFamily(context.Background(), dto.WithdrawFamilyRequest{
		FamilyID: "fam-1",
		Reason:   models.WithdrawReasonFinancial,
		Billing:  models.CancelSubscription(),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.WithdrawnCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, ids[1], result.Failures[0].StudentID)
	assert.False(t, result.Failures[0].Expected)

	assert.True(t, result.Downgraded)
	assert.Equal(t, models.DirectiveCancelSubscription, result.RequestedDirective)
	assert.Equal(t, models.DirectiveAutoRecalculate, result.AppliedDirective)
	assert.Equal(t, []string{"update:ext-1:10000"}, h.provider.callLog())
	assert.Equal(t, models.SubscriptionStatusActive, h.store.subscription("sub-1").Status)

	// The failed member's cascade rolled back as a unit.
	assert.Equal(t, models.StudentStatusEnrolled, h.store.student(ids[1]).Status)
	assert.Len(t, h.store.activeAssignmentsOf(ids[1]), 1)

	assert.Equal(t, 1, h.logs.FilterMessage("family withdrawal partially failed, recalculating billing instead of cancelling").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("unexpected failure withdrawing family member").Len())
}

func TestWithdrawFamilyErrors(t *testing.T) {
	h := newBillingHarness(t)
	h.store.addStudent("gone-1", "fam-2", models.StudentStatusWithdrawn)

	_, err := h.withdrawals.WithdrawFamily(context.Background(), dto.WithdrawFamilyRequest{FamilyID: "fam-unknown", Reason: models.WithdrawReasonOther, Billing: models.AutoRecalculate()})
	assert.True(t, errors.Is(err, appErrors.ErrFamilyNotFound))

	_, err = h.withdrawals.WithdrawFamily(context.Background(), dto.WithdrawFamilyRequest{FamilyID: "fam-2", Reason: models.WithdrawReasonOther, Billing: models.AutoRecalculate()})
	assert.True(t, errors.Is(err, appErrors.ErrAlreadyWithdrawn))
}

func TestWithdrawAllChildrenFromSibling(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)

	result, err := h.withdrawals.WithdrawAllChildren(context.Background(), dto.WithdrawSiblingsRequest{
		StudentID: ids[0],
		Reason:    models.WithdrawReasonHealth,
		Billing:   models.AutoRecalculate(),
	})
	require.NoError(t, err)

	assert.Equal(t, "fam-1", result.FamilyID)
	assert.Equal(t, 2, result.WithdrawnCount)
	assert.Equal(t, dto.BillingActionCanceled, result.Billing.Action)
	assert.Equal(t, []string{"cancel:ext-1"}, h.provider.callLog())
}

func TestReEnrollChildBillsNextRate(t *testing.T) {
	h := newBillingHarness(t)
	h.seedFamily("fam-1", "sub-1", "ext-1", 2)
	h.store.addStudent("returning", "fam-1", models.StudentStatusWithdrawn)

	result, err := h.withdrawals.ReEnrollChild(context.Background(), dto.ReEnrollRequest{StudentID: "returning", ClassID: "class-2"})
	require.NoError(t, err)

	assert.True(t, result.ReEnrolled)
	assert.Equal(t, models.StudentStatusEnrolled, result.Status)
	assert.NotEmpty(t, result.EnrollmentID)
	assert.NotEmpty(t, result.AssignmentID)
	require.NotNil(t, result.AssignmentAmount)
	assert.Equal(t, CalculateRate(3), *result.AssignmentAmount)

	assert.True(t, result.Billing.BillingUpdated)
	assert.Equal(t, []string{"update:ext-1:23000"}, h.provider.callLog())
	assert.Equal(t, int64(23000), h.store.subscription("sub-1").Amount)
	assert.Equal(t, models.StudentStatusEnrolled, h.store.student("returning").Status)
	assert.Len(t, h.store.activeAssignmentsOf("returning"), 1)

	activated := false
	for _, r := range h.store.roster {
		if r.StudentID == "returning" && r.ClassID == "class-2" {
			activated = r.IsActive
		}
	}
	assert.True(t, activated)
}

func TestReEnrollChildRequiresWithdrawnStudent(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 1)

	_, err := h.withdrawals.ReEnrollChild(context.Background(), dto.ReEnrollRequest{StudentID: ids[0]})
	assert.True(t, errors.Is(err, appErrors.ErrNotWithdrawn))
	assert.Empty(t, h.provider.callLog())
}

func TestReEnrollChildWithoutSubscription(t *testing.T) {
	h := newBillingHarness(t)
	h.store.addStudent("solo-1", "", models.StudentStatusWithdrawn)

	result, err := h.withdrawals.ReEnrollChild(context.Background(), dto.ReEnrollRequest{StudentID: "solo-1"})
	require.NoError(t, err)

	assert.True(t, result.ReEnrolled)
	assert.Empty(t, result.AssignmentID)
	assert.False(t, result.Billing.BillingUpdated)
	assert.Equal(t, dto.BillingActionNoAccount, result.Billing.Action)
	assert.Empty(t, h.provider.callLog())
}
