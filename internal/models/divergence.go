package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Billing sync operations recorded on divergences.
const (
	SyncOperationCancel       = "cancel"
	SyncOperationAmountUpdate = "amount_update"
	SyncOperationPause        = "pause"
	SyncOperationResume       = "resume"
)

// BillingDivergence records a provider change whose local mirror write failed.
type BillingDivergence struct {
	ID                     string         `db:"id" json:"id"`
	SubscriptionID         string         `db:"subscription_id" json:"subscription_id"`
	ExternalSubscriptionID string         `db:"external_subscription_id" json:"external_subscription_id"`
	Operation              string         `db:"operation" json:"operation"`
	IntendedState          types.JSONText `db:"intended_state" json:"intended_state"`
	ErrorMessage           string         `db:"error_message" json:"error_message"`
	LastExternalStatus     *string        `db:"last_external_status" json:"last_external_status,omitempty"`
	LastExternalAmount     *int64         `db:"last_external_amount" json:"last_external_amount,omitempty"`
	StillDiverged          *bool          `db:"still_diverged" json:"still_diverged,omitempty"`
	LastCheckedAt          *time.Time     `db:"last_checked_at" json:"last_checked_at,omitempty"`
	ResolvedAt             *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNote         *string        `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt              time.Time      `db:"created_at" json:"created_at"`
}

// DivergenceFilter narrows divergence listings.
type DivergenceFilter struct {
	State    string
	Page     int
	PageSize int
}

// DivergenceCheck is the outcome of re-reading the provider for a divergence.
type DivergenceCheck struct {
	ExternalStatus string
	ExternalAmount int64
	StillDiverged  bool
	CheckedAt      time.Time
}
