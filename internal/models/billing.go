package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus mirrors the payment provider's subscription status.
type SubscriptionStatus string

// Provider subscription statuses.
const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
)

// AuthoritativeSubscriptionStatuses are the statuses a family's billing
// subscription may be in to be considered the family's subscription.
var AuthoritativeSubscriptionStatuses = []SubscriptionStatus{SubscriptionStatusActive, SubscriptionStatusPaused}

// Subscription is the local mirror of a provider subscription.
type Subscription struct {
	ID         string             `db:"id" json:"id"`
	ExternalID string             `db:"external_id" json:"external_id"`
	Status     SubscriptionStatus `db:"status" json:"status"`
	Amount     int64              `db:"amount" json:"amount"`
	Currency   string             `db:"currency" json:"currency"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time          `db:"updated_at" json:"updated_at"`
}

// IsAuthoritative reports whether the subscription is active or paused.
func (s *Subscription) IsAuthoritative() bool {
	return s != nil && (s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPaused)
}

// BillingAssignment attributes part of a subscription's amount to a student.
type BillingAssignment struct {
	ID             string    `db:"id" json:"id"`
	StudentID      string    `db:"student_profile_id" json:"student_id"`
	SubscriptionID string    `db:"subscription_id" json:"subscription_id"`
	Amount         int64     `db:"amount" json:"amount"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// FormatAmount renders minor units as a major-unit string, e.g. 23000 "usd"
// becomes "230.00 USD".
func FormatAmount(minor int64, currency string) string {
	value := decimal.New(minor, -2).StringFixed(2)
	if currency == "" {
		return value
	}
	return value + " " + strings.ToUpper(currency)
}

// SplitAmount divides total across n shares; the remainder goes to the first
// shares so the parts always sum to total.
func SplitAmount(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	rem := total % int64(n)
	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
		if int64(i) < rem {
			parts[i]++
		}
	}
	return parts
}
