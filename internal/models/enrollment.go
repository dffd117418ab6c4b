package models

import "time"

// Enrollment is one enrollment episode of a student. It is open while EndedAt
// is nil and shares its status vocabulary with Student.
type Enrollment struct {
	ID        string        `db:"id" json:"id"`
	StudentID string        `db:"student_profile_id" json:"student_id"`
	Status    StudentStatus `db:"status" json:"status"`
	StartedAt time.Time     `db:"started_at" json:"started_at"`
	EndedAt   *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	EndReason *string       `db:"end_reason" json:"end_reason,omitempty"`
}

// IsOpen reports whether the episode has not been closed yet.
func (e *Enrollment) IsOpen() bool {
	return e.EndedAt == nil
}
