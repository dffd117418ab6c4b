package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/pkg/payment"
)

// Transactor runs fn atomically against the local store.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubscriptionProvider is the payment provider surface the billing core uses.
type SubscriptionProvider interface {
	Configured() bool
	Retrieve(ctx context.Context, id string) (*payment.Subscription, error)
	Update(ctx context.Context, id string, params payment.UpdateParams) (*payment.Subscription, error)
	Cancel(ctx context.Context, id string) (*payment.Subscription, error)
}

type subscriptionWriter interface {
	ListActiveAssignments(ctx context.Context, subscriptionID string) ([]models.BillingAssignment, error)
	UpdateAssignmentAmount(ctx context.Context, id string, amount int64) error
	DeactivateSubscriptionAssignments(ctx context.Context, subscriptionID string) (int64, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status models.SubscriptionStatus) error
	UpdateSubscriptionAmount(ctx context.Context, id string, amount int64) error
}

// ApplyInput selects the subscription and directive to reconcile after an
// enrollment change of the family identified by Key.
type ApplyInput struct {
	Key          models.FamilyKey
	Subscription *models.Subscription
	Directive    models.BillingDirective
}

// ReconciliationService turns a billing directive into provider and local
// subscription changes. It never returns an error: billing failures are
// reported in the outcome because the enrollment change already stands.
type ReconciliationService struct {
	tx       Transactor
	billing  subscriptionWriter
	family   *FamilyResolver
	provider SubscriptionProvider
	sync     *BillingSync
	logger   *zap.Logger
}

// NewReconciliationService constructs the engine.
func NewReconciliationService(tx Transactor, billing subscriptionWriter, family *FamilyResolver, provider SubscriptionProvider, sync *BillingSync, logger *zap.Logger) *ReconciliationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sync == nil {
		sync = NewBillingSync(nil, nil, nil, logger)
	}
	return &ReconciliationService{tx: tx, billing: billing, family: family, provider: provider, sync: sync, logger: logger}
}

// Apply executes the directive against the subscription.
func (s *ReconciliationService) Apply(ctx context.Context, in ApplyInput) dto.BillingOutcome {
	sub := in.Subscription
	switch in.Directive.Kind {
	case models.DirectiveKeepCurrent:
		outcome := dto.BillingOutcome{BillingUpdated: true, Action: dto.BillingActionKept}
		if sub != nil {
			outcome.SubscriptionID = sub.ID
			outcome.Amount = int64Ptr(sub.Amount)
		}
		return outcome

	case models.DirectiveCustom:
		if in.Directive.Amount == nil || *in.Directive.Amount <= 0 {
			return dto.BillingOutcome{Action: dto.BillingActionNone, Error: "custom amount must be positive"}
		}
		if sub == nil {
			return dto.BillingOutcome{Action: dto.BillingActionNoAccount, Error: "no active subscription to update"}
		}
		return s.UpdateAmount(ctx, sub, *in.Directive.Amount)

	case models.DirectiveCancelSubscription:
		if sub == nil {
			return dto.BillingOutcome{Action: dto.BillingActionNoAccount, Error: "no active subscription to cancel"}
		}
		return s.Cancel(ctx, sub)

	case models.DirectiveAutoRecalculate:
		count, err := s.family.ActiveCount(ctx, in.Key)
		if err != nil {
			s.logger.Error("failed to count active children for recalculation", zap.String("family", in.Key.String()), zap.Error(err))
			return dto.BillingOutcome{Action: dto.BillingActionNone, Error: fmt.Sprintf("count active children: %v", err)}
		}
		amount := CalculateRate(count)
		if sub == nil {
			// Nothing is billed, so there is nothing to adjust.
			return dto.BillingOutcome{BillingUpdated: true, Action: dto.BillingActionNoAccount}
		}
		if amount == 0 {
			return s.Cancel(ctx, sub)
		}
		return s.UpdateAmount(ctx, sub, amount)
	}

	return dto.BillingOutcome{Action: dto.BillingActionNone, Error: fmt.Sprintf("unknown billing directive %q", in.Directive.Kind)}
}

// UpdateAmount overrides the provider price with amount, then mirrors it on the
// subscription and its active assignments.
func (s *ReconciliationService) UpdateAmount(ctx context.Context, sub *models.Subscription, amount int64) dto.BillingOutcome {
	if outcome, ok := s.requireProvider(sub); !ok {
		return outcome
	}
	step := SyncStep{
		Operation:    models.SyncOperationAmountUpdate,
		Subscription: sub,
		Intended:     map[string]any{"amount": amount, "currency": sub.Currency},
		Describe:     fmt.Sprintf("amount %d (%s)", amount, models.FormatAmount(amount, sub.Currency)),
		External: func(ctx context.Context) error {
			_, err := s.provider.Update(ctx, sub.ExternalID, payment.UpdateParams{Amount: &amount})
			return err
		},
		Local: func(ctx context.Context) error {
			return s.tx.WithTx(ctx, func(ctx context.Context) error {
				if err := s.billing.UpdateSubscriptionAmount(ctx, sub.ID, amount); err != nil {
					return err
				}
				return s.rebalance(ctx, sub.ID, amount)
			})
		},
	}
	return s.toOutcome(sub, s.sync.Run(ctx, step), dto.BillingActionUpdated, &amount)
}

// Cancel cancels the provider subscription, then marks the mirror canceled and
// deactivates all of its assignments in one transaction.
func (s *ReconciliationService) Cancel(ctx context.Context, sub *models.Subscription) dto.BillingOutcome {
	if outcome, ok := s.requireProvider(sub); !ok {
		return outcome
	}
	step := SyncStep{
		Operation:    models.SyncOperationCancel,
		Subscription: sub,
		Intended:     map[string]any{"status": models.SubscriptionStatusCanceled, "assignments_active": false},
		Describe:     "status canceled",
		External: func(ctx context.Context) error {
			_, err := s.provider.Cancel(ctx, sub.ExternalID)
			return err
		},
		Local: func(ctx context.Context) error {
			return s.tx.WithTx(ctx, func(ctx context.Context) error {
				if err := s.billing.UpdateSubscriptionStatus(ctx, sub.ID, models.SubscriptionStatusCanceled); err != nil {
					return err
				}
				_, err := s.billing.DeactivateSubscriptionAssignments(ctx, sub.ID)
				return err
			})
		},
	}
	return s.toOutcome(sub, s.sync.Run(ctx, step), dto.BillingActionCanceled, nil)
}

// SetPaused toggles provider collection and mirrors the paused or active status.
func (s *ReconciliationService) SetPaused(ctx context.Context, sub *models.Subscription, paused bool) dto.BillingOutcome {
	if outcome, ok := s.requireProvider(sub); !ok {
		return outcome
	}
	operation, status, action := models.SyncOperationResume, models.SubscriptionStatusActive, dto.BillingActionResumed
	if paused {
		operation, status, action = models.SyncOperationPause, models.SubscriptionStatusPaused, dto.BillingActionPaused
	}
	step := SyncStep{
		Operation:    operation,
		Subscription: sub,
		Intended:     map[string]any{"status": status},
		Describe:     "status " + string(status),
		External: func(ctx context.Context) error {
			_, err := s.provider.Update(ctx, sub.ExternalID, payment.UpdateParams{PauseCollection: &paused})
			return err
		},
		Local: func(ctx context.Context) error {
			return s.billing.UpdateSubscriptionStatus(ctx, sub.ID, status)
		},
	}
	return s.toOutcome(sub, s.sync.Run(ctx, step), action, nil)
}

// ProviderConfigured reports whether provider calls can be made.
func (s *ReconciliationService) ProviderConfigured() bool {
	return s.provider != nil && s.provider.Configured()
}

func (s *ReconciliationService) requireProvider(sub *models.Subscription) (dto.BillingOutcome, bool) {
	if s.ProviderConfigured() {
		return dto.BillingOutcome{}, true
	}
	return dto.BillingOutcome{
		Action:         dto.BillingActionNone,
		SubscriptionID: sub.ID,
		Error:          "payment provider is not configured",
	}, false
}

// rebalance spreads amount over the active assignments so they sum to the
// subscription amount.
func (s *ReconciliationService) rebalance(ctx context.Context, subscriptionID string, amount int64) error {
	assignments, err := s.billing.ListActiveAssignments(ctx, subscriptionID)
	if err != nil {
		return err
	}
	shares := models.SplitAmount(amount, len(assignments))
	for i, assignment := range assignments {
		if assignment.Amount == shares[i] {
			continue
		}
		if err := s.billing.UpdateAssignmentAmount(ctx, assignment.ID, shares[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReconciliationService) toOutcome(sub *models.Subscription, res SyncOutcome, action string, amount *int64) dto.BillingOutcome {
	if res.Applied() {
		return dto.BillingOutcome{BillingUpdated: true, Action: action, SubscriptionID: sub.ID, Amount: amount}
	}
	return dto.BillingOutcome{
		Action:         dto.BillingActionNone,
		SubscriptionID: sub.ID,
		Amount:         amount,
		Diverged:       res.Kind == SyncDiverged,
		Error:          res.Message(),
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
