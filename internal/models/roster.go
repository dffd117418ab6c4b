package models

import "time"

// RosterAssignment links a student to a class roster.
type RosterAssignment struct {
	ID        string    `db:"id" json:"id"`
	StudentID string    `db:"student_profile_id" json:"student_id"`
	ClassID   string    `db:"class_id" json:"class_id"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
