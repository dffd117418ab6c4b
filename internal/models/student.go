package models

import (
	"strings"
	"time"
)

// StudentStatus is the enrollment lifecycle state of a student profile.
type StudentStatus string

// Possible student statuses.
const (
	StudentStatusRegistered StudentStatus = "REGISTERED"
	StudentStatusEnrolled   StudentStatus = "ENROLLED"
	StudentStatusWithdrawn  StudentStatus = "WITHDRAWN"
)

// IsActive reports whether the status counts towards family billing.
func (s StudentStatus) IsActive() bool {
	return s == StudentStatusRegistered || s == StudentStatusEnrolled
}

var studentTransitions = map[StudentStatus][]StudentStatus{
	StudentStatusRegistered: {StudentStatusEnrolled, StudentStatusWithdrawn},
	StudentStatusEnrolled:   {StudentStatusWithdrawn},
	StudentStatusWithdrawn:  {StudentStatusEnrolled},
}

// CanTransition reports whether a profile may move from one status to another.
func CanTransition(from, to StudentStatus) bool {
	for _, next := range studentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Student is the enrollment profile of one child.
type Student struct {
	ID        string        `db:"id" json:"id"`
	Program   string        `db:"program" json:"program"`
	FamilyID  *string       `db:"family_ref_id" json:"family_id,omitempty"`
	FirstName string        `db:"first_name" json:"first_name"`
	LastName  string        `db:"last_name" json:"last_name"`
	Status    StudentStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the student is registered or enrolled.
func (s *Student) IsActive() bool {
	return s != nil && s.Status.IsActive()
}

// FullName joins first and last name.
func (s *Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}
