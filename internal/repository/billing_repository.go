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

const subscriptionColumns = `s.id, s.external_id, s.status, s.amount, s.currency, s.created_at, s.updated_at`

// BillingRepository persists subscription mirrors and billing assignments.
type BillingRepository struct {
	db *sqlx.DB
}

// NewBillingRepository constructs the repository.
func NewBillingRepository(db *sqlx.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// FindActiveFamilySubscription returns the subscription linked to the most
// recently created active billing assignment of any family member, provided
// the subscription is active or paused. It returns nil when none matches.
func (r *BillingRepository) FindActiveFamilySubscription(ctx context.Context, familyID string) (*models.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + `
FROM billing_assignments ba
JOIN student_profiles sp ON sp.id = ba.student_profile_id
JOIN subscriptions s ON s.id = ba.subscription_id
WHERE sp.family_ref_id = $1 AND ba.is_active = true AND s.status IN ($2, $3)
ORDER BY ba.created_at DESC, ba.id DESC
LIMIT 1`
	return r.findOneSubscription(ctx, "find family subscription", query, familyID)
}

// FindActiveStudentSubscription is the single-student variant of
// FindActiveFamilySubscription.
func (r *BillingRepository) FindActiveStudentSubscription(ctx context.Context, studentID string) (*models.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + `
FROM billing_assignments ba
JOIN subscriptions s ON s.id = ba.subscription_id
WHERE ba.student_profile_id = $1 AND ba.is_active = true AND s.status IN ($2, $3)
ORDER BY ba.created_at DESC, ba.id DESC
LIMIT 1`
	return r.findOneSubscription(ctx, "find student subscription", query, studentID)
}

func (r *BillingRepository) findOneSubscription(ctx context.Context, op, query, key string) (*models.Subscription, error) {
	var subs []models.Subscription
	if err := sqlx.SelectContext(ctx, database.Querier(ctx, r.db), &subs, query, key, models.SubscriptionStatusActive, models.SubscriptionStatusPaused); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// FindSubscriptionByID returns a subscription mirror regardless of status, or
// nil when it does not exist.
func (r *BillingRepository) FindSubscriptionByID(ctx context.Context, id string) (*models.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions s WHERE s.id = $1`
	var subs []models.Subscription
	if err := sqlx.SelectContext(ctx, database.Querier(ctx, r.db), &subs, query, id); err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// ListActiveAssignments returns a subscription's active assignments, oldest first.
func (r *BillingRepository) ListActiveAssignments(ctx context.Context, subscriptionID string) ([]models.BillingAssignment, error) {
	const query = `SELECT id, student_profile_id, subscription_id, amount, is_active, created_at, updated_at
FROM billing_assignments WHERE subscription_id = $1 AND is_active = true
ORDER BY created_at ASC, id ASC`
	var assignments []models.BillingAssignment
	if err := sqlx.SelectContext(ctx, database.Querier(ctx, r.db), &assignments, query, subscriptionID); err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	return assignments, nil
}

// DeactivateStudentAssignments flags every active assignment of a student inactive.
func (r *BillingRepository) DeactivateStudentAssignments(ctx context.Context, studentID string) (int64, error) {
	const query = `UPDATE billing_assignments SET is_active = false, updated_at = $2 WHERE student_profile_id = $1 AND is_active = true`
	return r.execAffected(ctx, "deactivate student assignments", query, studentID, time.Now().UTC())
}

// DeactivateSubscriptionAssignments flags every active assignment of a subscription inactive.
func (r *BillingRepository) DeactivateSubscriptionAssignments(ctx context.Context, subscriptionID string) (int64, error) {
	const query = `UPDATE billing_assignments SET is_active = false, updated_at = $2 WHERE subscription_id = $1 AND is_active = true`
	return r.execAffected(ctx, "deactivate subscription assignments", query, subscriptionID, time.Now().UTC())
}

// CreateAssignment inserts an assignment linking a student to a subscription.
func (r *BillingRepository) CreateAssignment(ctx context.Context, assignment *models.BillingAssignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = now
	}
	assignment.UpdatedAt = now
	const query = `INSERT INTO billing_assignments (id, student_profile_id, subscription_id, amount, is_active, created_at, updated_at)
VALUES (:id, :student_profile_id, :subscription_id, :amount, :is_active, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, database.Querier(ctx, r.db), query, assignment); err != nil {
		return fmt.Errorf("create billing assignment: %w", err)
	}
	return nil
}

// UpdateAssignmentAmount sets the attributed amount of one assignment.
func (r *BillingRepository) UpdateAssignmentAmount(ctx context.Context, id string, amount int64) error {
	const query = `UPDATE billing_assignments SET amount = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.execAffected(ctx, "update assignment amount", query, id, amount, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// UpdateSubscriptionStatus mirrors a provider status change locally.
func (r *BillingRepository) UpdateSubscriptionStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	const query = `UPDATE subscriptions SET status = $2, updated_at = $3 WHERE id = $1`
	affected, err := r.execAffected(ctx, "update subscription status", query, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update subscription status: subscription %s not found", id)
	}
	return nil
}

// UpdateSubscriptionAmount mirrors a provider amount change locally.
func (r *BillingRepository) UpdateSubscriptionAmount(ctx context.Context, id string, amount int64) error {
	const query = `UPDATE subscriptions SET amount = $2, updated_at = $3 WHERE id = $1`
	affected, err := r.execAffected(ctx, "update subscription amount", query, id, amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update subscription amount: subscription %s not found", id)
	}
	return nil
}

func (r *BillingRepository) execAffected(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows: %w", op, err)
	}
	return affected, nil
}
