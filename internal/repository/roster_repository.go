package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/pkg/database"
)

// RosterRepository persists class roster assignments.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs the repository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// DeactivateByStudent flags every active roster row of the student inactive.
func (r *RosterRepository) DeactivateByStudent(ctx context.Context, studentID string) (int64, error) {
	const query = `UPDATE class_roster_assignments SET is_active = false, updated_at = $2 WHERE student_profile_id = $1 AND is_active = true`
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query, studentID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate roster assignments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate roster assignments rows: %w", err)
	}
	return affected, nil
}

// Activate re-activates the student's row for the class, creating it when the
// student was never on that roster.
func (r *RosterRepository) Activate(ctx context.Context, studentID, classID string) (*models.RosterAssignment, error) {
	assignment := &models.RosterAssignment{
		ID:        uuid.NewString(),
		StudentID: studentID,
		ClassID:   classID,
		IsActive:  true,
		UpdatedAt: time.Now().UTC(),
	}
	const query = `INSERT INTO class_roster_assignments (id, student_profile_id, class_id, is_active, updated_at)
VALUES ($1, $2, $3, true, $4)
ON CONFLICT (student_profile_id, class_id) DO UPDATE SET is_active = true, updated_at = EXCLUDED.updated_at
RETURNING id`
	if err := sqlx.GetContext(ctx, database.Querier(ctx, r.db), &assignment.ID, query, assignment.ID, studentID, classID, assignment.UpdatedAt); err != nil {
		return nil, fmt.Errorf("activate roster assignment: %w", err)
	}
	return assignment, nil
}
