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

// EnrollmentRepository handles persistence of enrollment episodes.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// CloseOpen ends every open episode of the student with the given status and
// reason. It returns the number of closed episodes.
func (r *EnrollmentRepository) CloseOpen(ctx context.Context, studentID string, status models.StudentStatus, reason string, endedAt time.Time) (int64, error) {
	const query = `UPDATE enrollments SET status = $2, ended_at = $3, end_reason = $4
WHERE student_profile_id = $1 AND ended_at IS NULL`
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query, studentID, status, endedAt, reason)
	if err != nil {
		return 0, fmt.Errorf("close enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close enrollment rows: %w", err)
	}
	return affected, nil
}

// Create opens a new enrollment episode.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.StartedAt.IsZero() {
		enrollment.StartedAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollments (id, student_profile_id, status, started_at, ended_at, end_reason)
VALUES (:id, :student_profile_id, :status, :started_at, :ended_at, :end_reason)`
	if _, err := sqlx.NamedExecContext(ctx, database.Querier(ctx, r.db), query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}
