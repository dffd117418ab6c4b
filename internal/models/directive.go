package models

import "fmt"

// DirectiveKind selects how billing is adjusted after an enrollment change.
type DirectiveKind string

// Billing adjustment directives.
const (
	DirectiveAutoRecalculate    DirectiveKind = "auto_recalculate"
	DirectiveCancelSubscription DirectiveKind = "cancel_subscription"
	DirectiveKeepCurrent        DirectiveKind = "keep_current"
	DirectiveCustom             DirectiveKind = "custom"
)

// BillingDirective is a tagged union; Amount is only meaningful for custom.
type BillingDirective struct {
	Kind   DirectiveKind `json:"kind" validate:"required,oneof=auto_recalculate cancel_subscription keep_current custom"`
	Amount *int64        `json:"amount,omitempty" validate:"omitempty,gt=0"`
}

// AutoRecalculate builds an auto_recalculate directive.
func AutoRecalculate() BillingDirective { return BillingDirective{Kind: DirectiveAutoRecalculate} }

// CancelSubscription builds a cancel_subscription directive.
func CancelSubscription() BillingDirective {
	return BillingDirective{Kind: DirectiveCancelSubscription}
}

// KeepCurrent builds a keep_current directive.
func KeepCurrent() BillingDirective { return BillingDirective{Kind: DirectiveKeepCurrent} }

// CustomAmount builds a custom directive for the given minor-unit amount.
func CustomAmount(amount int64) BillingDirective {
	return BillingDirective{Kind: DirectiveCustom, Amount: &amount}
}

// Validate checks the union is well formed.
func (d BillingDirective) Validate() error {
	switch d.Kind {
	case DirectiveAutoRecalculate, DirectiveCancelSubscription, DirectiveKeepCurrent:
		return nil
	case DirectiveCustom:
		if d.Amount == nil || *d.Amount <= 0 {
			return fmt.Errorf("custom directive requires a positive amount")
		}
		return nil
	default:
		return fmt.Errorf("unknown billing directive %q", d.Kind)
	}
}

// RetainsBilling reports whether the directive leaves a charge in place
// without recalculating it, which is meaningless once no child is active.
func (d BillingDirective) RetainsBilling() bool {
	return d.Kind == DirectiveKeepCurrent || d.Kind == DirectiveCustom
}

// TouchesProvider reports whether applying the directive may call the payment
// provider.
func (d BillingDirective) TouchesProvider() bool {
	return d.Kind != DirectiveKeepCurrent
}
