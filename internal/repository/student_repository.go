package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/pkg/database"
)

const studentColumns = `id, program, family_ref_id, first_name, last_name, status, created_at, updated_at`

// StudentRepository manages persistence for student enrollment profiles.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID fetches a student profile by ID. It returns sql.ErrNoRows when the
// profile does not exist.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM student_profiles WHERE id = $1`
	var student models.Student
	if err := sqlx.GetContext(ctx, database.Querier(ctx, r.db), &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByIDForUpdate fetches and row-locks a student profile. It must run
// inside a transaction to hold the lock.
func (r *StudentRepository) FindByIDForUpdate(ctx context.Context, id string) (*models.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM student_profiles WHERE id = $1 FOR UPDATE`
	var student models.Student
	if err := sqlx.GetContext(ctx, database.Querier(ctx, r.db), &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// ListByFamily returns every profile sharing the family reference, oldest first.
func (r *StudentRepository) ListByFamily(ctx context.Context, familyID string) ([]models.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM student_profiles WHERE family_ref_id = $1 ORDER BY created_at ASC, id ASC`
	var students []models.Student
	if err := sqlx.SelectContext(ctx, database.Querier(ctx, r.db), &students, query, familyID); err != nil {
		return nil, fmt.Errorf("list family students: %w", err)
	}
	return students, nil
}

// CountActiveByFamily counts registered or enrolled profiles in a family.
func (r *StudentRepository) CountActiveByFamily(ctx context.Context, familyID string) (int, error) {
	const query = `SELECT COUNT(*) FROM student_profiles WHERE family_ref_id = $1 AND status IN ($2, $3)`
	var total int
	if err := sqlx.GetContext(ctx, database.Querier(ctx, r.db), &total, query, familyID, models.StudentStatusRegistered, models.StudentStatusEnrolled); err != nil {
		return 0, fmt.Errorf("count active family students: %w", err)
	}
	return total, nil
}

// UpdateStatus sets the lifecycle status of a profile.
func (r *StudentRepository) UpdateStatus(ctx context.Context, id string, status models.StudentStatus) error {
	const query = `UPDATE student_profiles SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update student status: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("update student status: student %s not found", id)
	}
	return nil
}
