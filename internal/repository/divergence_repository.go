package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/pkg/database"
)

// Divergence list states.
const (
	DivergenceStateOpen     = "open"
	DivergenceStateResolved = "resolved"
)

const divergenceColumns = `id, subscription_id, external_subscription_id, operation, intended_state, error_message,
last_external_status, last_external_amount, still_diverged, last_checked_at, resolved_at, resolution_note, created_at`

// DivergenceRepository persists billing divergence records.
type DivergenceRepository struct {
	db *sqlx.DB
}

// NewDivergenceRepository constructs the repository.
func NewDivergenceRepository(db *sqlx.DB) *DivergenceRepository {
	return &DivergenceRepository{db: db}
}

// Create inserts a divergence record. It always writes through the pool so a
// record survives the rollback of any surrounding transaction.
func (r *DivergenceRepository) Create(ctx context.Context, divergence *models.BillingDivergence) error {
	if divergence.ID == "" {
		divergence.ID = uuid.NewString()
	}
	if divergence.CreatedAt.IsZero() {
		divergence.CreatedAt = time.Now().UTC()
	}
	if len(divergence.IntendedState) == 0 {
		divergence.IntendedState = []byte("{}")
	}
	const query = `INSERT INTO billing_divergences (id, subscription_id, external_subscription_id, operation, intended_state, error_message, created_at)
VALUES (:id, :subscription_id, :external_subscription_id, :operation, :intended_state, :error_message, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, divergence); err != nil {
		return fmt.Errorf("create billing divergence: %w", err)
	}
	return nil
}

// FindByID returns a divergence or nil when it does not exist.
func (r *DivergenceRepository) FindByID(ctx context.Context, id string) (*models.BillingDivergence, error) {
	query := `SELECT ` + divergenceColumns + ` FROM billing_divergences WHERE id = $1`
	var divergence models.BillingDivergence
	if err := r.db.GetContext(ctx, &divergence, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find billing divergence: %w", err)
	}
	return &divergence, nil
}

// List returns divergences newest first together with the total match count.
func (r *DivergenceRepository) List(ctx context.Context, filter models.DivergenceFilter) ([]models.BillingDivergence, int, error) {
	clause := ""
	switch filter.State {
	case DivergenceStateOpen:
		clause = " WHERE resolved_at IS NULL"
	case DivergenceStateResolved:
		clause = " WHERE resolved_at IS NOT NULL"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM billing_divergences%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, divergenceColumns, clause, size, offset)
	var divergences []models.BillingDivergence
	if err := r.db.SelectContext(ctx, &divergences, query); err != nil {
		return nil, 0, fmt.Errorf("list billing divergences: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM billing_divergences"+clause); err != nil {
		return nil, 0, fmt.Errorf("count billing divergences: %w", err)
	}
	return divergences, total, nil
}

// RecordCheck stores the outcome of re-reading the provider.
func (r *DivergenceRepository) RecordCheck(ctx context.Context, id string, check models.DivergenceCheck) error {
	const query = `UPDATE billing_divergences SET last_external_status = $2, last_external_amount = $3, still_diverged = $4, last_checked_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, check.ExternalStatus, check.ExternalAmount, check.StillDiverged, check.CheckedAt); err != nil {
		return fmt.Errorf("record divergence check: %w", err)
	}
	return nil
}

// Resolve marks a divergence as manually reconciled. Resolving twice keeps the
// first resolution and reports false.
func (r *DivergenceRepository) Resolve(ctx context.Context, id, note string, resolvedAt time.Time) (bool, error) {
	const query = `UPDATE billing_divergences SET resolved_at = $2, resolution_note = $3 WHERE id = $1 AND resolved_at IS NULL`
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query, id, resolvedAt, note)
	if err != nil {
		return false, fmt.Errorf("resolve billing divergence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve billing divergence rows: %w", err)
	}
	return affected > 0, nil
}
