package dto

import "github.com/noah-isme/madrasah-billing-api/internal/models"

// WithdrawChildRequest asks to withdraw one student.
type WithdrawChildRequest struct {
	StudentID string                  `json:"-" validate:"required"`
	Reason    models.WithdrawReason   `json:"reason" validate:"required,oneof=RELOCATION FINANCIAL SCHEDULE_CONFLICT ACADEMIC HEALTH PERSONAL OTHER"`
	Note      string                  `json:"note,omitempty" validate:"max=500"`
	Billing   models.BillingDirective `json:"billing"`
}

// WithdrawFamilyRequest asks to withdraw every active member of a family.
type WithdrawFamilyRequest struct {
	FamilyID string                  `json:"-" validate:"required"`
	Reason   models.WithdrawReason   `json:"reason" validate:"required,oneof=RELOCATION FINANCIAL SCHEDULE_CONFLICT ACADEMIC HEALTH PERSONAL OTHER"`
	Note     string                  `json:"note,omitempty" validate:"max=500"`
	Billing  models.BillingDirective `json:"billing"`
}

// WithdrawSiblingsRequest withdraws the whole family of the given student.
type WithdrawSiblingsRequest struct {
	StudentID string                  `json:"-" validate:"required"`
	Reason    models.WithdrawReason   `json:"reason" validate:"required,oneof=RELOCATION FINANCIAL SCHEDULE_CONFLICT ACADEMIC HEALTH PERSONAL OTHER"`
	Note      string                  `json:"note,omitempty" validate:"max=500"`
	Billing   models.BillingDirective `json:"billing"`
}

// ReEnrollRequest re-activates a withdrawn student, optionally onto a class roster.
type ReEnrollRequest struct {
	StudentID string `json:"-" validate:"required"`
	ClassID   string `json:"classId,omitempty"`
}

// BillingOutcome reports what happened on the billing side of an operation.
// It is populated even when billing could not be updated.
type BillingOutcome struct {
	BillingUpdated bool   `json:"billingUpdated"`
	Action         string `json:"action"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Amount         *int64 `json:"amount,omitempty"`
	Diverged       bool   `json:"diverged,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Billing actions reported in BillingOutcome.Action.
const (
	BillingActionNone      = "none"
	BillingActionKept      = "kept"
	BillingActionUpdated   = "amount_updated"
	BillingActionCanceled  = "canceled"
	BillingActionPaused    = "paused"
	BillingActionResumed   = "resumed"
	BillingActionNoAccount = "no_subscription"
)

// WithdrawChildResult is returned after a single withdrawal.
type WithdrawChildResult struct {
	StudentID       string               `json:"studentId"`
	Withdrawn       bool                 `json:"withdrawn"`
	Status          models.StudentStatus `json:"status"`
	FamilyID        *string              `json:"familyId,omitempty"`
	ActiveRemaining int                  `json:"activeRemaining"`
	Billing         BillingOutcome       `json:"billing"`
}

// MemberFailure describes one family member that could not be withdrawn.
type MemberFailure struct {
	StudentID string `json:"studentId"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Expected  bool   `json:"expected"`
}

// WithdrawFamilyResult is returned after a batch family withdrawal.
type WithdrawFamilyResult struct {
	FamilyID           string               `json:"familyId"`
	WithdrawnCount     int                  `json:"withdrawnCount"`
	FailedCount        int                  `json:"failedCount"`
	WithdrawnIDs       []string             `json:"withdrawnIds"`
	Failures           []MemberFailure      `json:"failures,omitempty"`
	RequestedDirective models.DirectiveKind `json:"requestedDirective"`
	AppliedDirective   models.DirectiveKind `json:"appliedDirective"`
	Downgraded         bool                 `json:"downgraded"`
	Billing            BillingOutcome       `json:"billing"`
}

// ReEnrollResult is returned after a re-enrollment.
type ReEnrollResult struct {
	StudentID        string               `json:"studentId"`
	ReEnrolled       bool                 `json:"reEnrolled"`
	Status           models.StudentStatus `json:"status"`
	EnrollmentID     string               `json:"enrollmentId"`
	AssignmentID     string               `json:"assignmentId,omitempty"`
	AssignmentAmount *int64               `json:"assignmentAmount,omitempty"`
	Billing          BillingOutcome       `json:"billing"`
}

// WithdrawPreview projects the effect of withdrawing one student.
type WithdrawPreview struct {
	StudentID          string  `json:"studentId"`
	ChildName          string  `json:"childName"`
	FamilyID           *string `json:"familyId,omitempty"`
	ActiveChildCount   int     `json:"activeChildCount"`
	CurrentAmount      *int64  `json:"currentAmount"`
	RecalculatedAmount int64   `json:"recalculatedAmount"`
	IsLastActiveChild  bool    `json:"isLastActiveChild"`
	HasSubscription    bool    `json:"hasSubscription"`
	IsPaused           bool    `json:"isPaused"`
}

// PreviewMember is one member affected by a family withdrawal.
type PreviewMember struct {
	StudentID string               `json:"studentId"`
	Name      string               `json:"name"`
	Status    models.StudentStatus `json:"status"`
}

// FamilyWithdrawPreview projects the effect of withdrawing a whole family.
type FamilyWithdrawPreview struct {
	FamilyID        string          `json:"familyId"`
	ActiveCount     int             `json:"activeCount"`
	Members         []PreviewMember `json:"members"`
	HasSubscription bool            `json:"hasSubscription"`
	IsPaused        bool            `json:"isPaused"`
	CurrentAmount   *int64          `json:"currentAmount"`
}

// BillingToggleResult is returned by pause and resume.
type BillingToggleResult struct {
	FamilyID       string                    `json:"familyId"`
	SubscriptionID string                    `json:"subscriptionId"`
	Status         models.SubscriptionStatus `json:"status"`
	Billing        BillingOutcome            `json:"billing"`
}

// ResolveDivergenceRequest closes a divergence after manual reconciliation.
type ResolveDivergenceRequest struct {
	Note string `json:"note" validate:"required,max=1000"`
}
