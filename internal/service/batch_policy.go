package service

import "github.com/noah-isme/madrasah-billing-api/internal/models"

// BatchDirectivePolicy decides the directive applied once after a family
// batch. Cancelling while some members are still enrolled would leave them
// unbilled, so a cancel request falls back to recalculation whenever any
// member failed. The second return value reports the downgrade.
func BatchDirectivePolicy(requested models.BillingDirective, failedMembers int) (models.BillingDirective, bool) {
	if failedMembers > 0 && requested.Kind == models.DirectiveCancelSubscription {
		return models.AutoRecalculate(), true
	}
	return requested, false
}
