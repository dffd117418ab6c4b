package models

import "strings"

// WithdrawReason is the fixed set of withdrawal reason codes.
type WithdrawReason string

// Withdrawal reasons.
const (
	WithdrawReasonRelocation       WithdrawReason = "RELOCATION"
	WithdrawReasonFinancial        WithdrawReason = "FINANCIAL"
	WithdrawReasonScheduleConflict WithdrawReason = "SCHEDULE_CONFLICT"
	WithdrawReasonAcademic         WithdrawReason = "ACADEMIC"
	WithdrawReasonHealth           WithdrawReason = "HEALTH"
	WithdrawReasonPersonal         WithdrawReason = "PERSONAL"
	WithdrawReasonOther            WithdrawReason = "OTHER"
)

var withdrawReasonLabels = map[WithdrawReason]string{
	WithdrawReasonRelocation:       "Family relocated",
	WithdrawReasonFinancial:        "Financial reasons",
	WithdrawReasonScheduleConflict: "Schedule conflict",
	WithdrawReasonAcademic:         "Academic reasons",
	WithdrawReasonHealth:           "Health reasons",
	WithdrawReasonPersonal:         "Personal reasons",
	WithdrawReasonOther:            "Other",
}

// Label returns the human readable reason.
func (r WithdrawReason) Label() string {
	if label, ok := withdrawReasonLabels[r]; ok {
		return label
	}
	return withdrawReasonLabels[WithdrawReasonOther]
}

// Valid reports whether r is a known reason code.
func (r WithdrawReason) Valid() bool {
	_, ok := withdrawReasonLabels[r]
	return ok
}

// WithdrawalReasonText renders the enrollment end reason stored on the record.
func WithdrawalReasonText(reason WithdrawReason, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return reason.Label()
	}
	return reason.Label() + ": " + note
}
