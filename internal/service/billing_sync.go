package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/pkg/jobs"
	"github.com/noah-isme/madrasah-billing-api/pkg/logger"
)

// JobTypeVerifyDivergence is the queue job type that re-reads the provider
// for a recorded divergence.
const JobTypeVerifyDivergence = "billing.divergence.verify"

// SyncOutcomeKind classifies a run of the billing sync protocol.
type SyncOutcomeKind string

// Sync outcomes.
const (
	SyncApplied        SyncOutcomeKind = "applied"
	SyncExternalFailed SyncOutcomeKind = "external_failed"
	SyncDiverged       SyncOutcomeKind = "diverged"
)

// SyncStep is one provider-then-local change of a subscription.
type SyncStep struct {
	Operation    string
	Subscription *models.Subscription
	// Intended is the state the local mirror should reach; it is logged and
	// persisted when the two systems end up disagreeing.
	Intended map[string]any
	// Describe renders the intended change for error messages.
	Describe string
	External func(ctx context.Context) error
	Local    func(ctx context.Context) error
}

// SyncOutcome is the classified result of SyncStep.
type SyncOutcome struct {
	Kind         SyncOutcomeKind
	Err          error
	DivergenceID string
}

// Applied reports whether both systems now hold the intended state.
func (o SyncOutcome) Applied() bool {
	return o.Kind == SyncApplied
}

// Message renders the failure for callers; empty when applied.
func (o SyncOutcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type divergenceRecorder interface {
	Create(ctx context.Context, divergence *models.BillingDivergence) error
}

type jobEnqueuer interface {
	Running() bool
	Enqueue(job jobs.Job) error
}

// BillingSync runs the two-step provider/local protocol. The provider call
// happens first; when it succeeds and the local write fails, the systems
// disagree and the divergence is logged at CRITICAL severity, recorded and
// queued for verification. Nothing is retried or rolled back at the provider.
type BillingSync struct {
	divergences divergenceRecorder
	verifier    jobEnqueuer
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewBillingSync constructs the protocol runner. divergences and verifier may be nil.
func NewBillingSync(divergences divergenceRecorder, verifier jobEnqueuer, metrics *MetricsService, log *zap.Logger) *BillingSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &BillingSync{divergences: divergences, verifier: verifier, metrics: metrics, logger: log}
}

// Run executes attemptExternal, attemptLocal and classify for one step.
func (b *BillingSync) Run(ctx context.Context, step SyncStep) SyncOutcome {
	outcome := b.classify(step, b.attemptExternal(ctx, step), func() error { return b.attemptLocal(ctx, step) })
	b.metrics.RecordBillingSync(step.Operation, outcome.Kind)

	switch outcome.Kind {
	case SyncApplied:
		b.logger.Info("billing sync applied",
			zap.String("operation", step.Operation),
			zap.String("subscription_id", step.Subscription.ID),
			zap.String("external_subscription_id", step.Subscription.ExternalID),
			zap.String("change", step.Describe),
		)
	case SyncExternalFailed:
		b.logger.Warn("billing sync rejected by provider",
			zap.String("operation", step.Operation),
			zap.String("subscription_id", step.Subscription.ID),
			zap.String("external_subscription_id", step.Subscription.ExternalID),
			zap.Error(outcome.Err),
		)
	case SyncDiverged:
		outcome.DivergenceID = b.flagDivergence(ctx, step, outcome.Err)
	}
	return outcome
}

func (b *BillingSync) attemptExternal(ctx context.Context, step SyncStep) error {
	start := time.Now()
	err := step.External(ctx)
	b.metrics.ObserveProviderCall(step.Operation, time.Since(start))
	return err
}

func (b *BillingSync) attemptLocal(ctx context.Context, step SyncStep) error {
	return step.Local(ctx)
}

func (b *BillingSync) classify(step SyncStep, externalErr error, local func() error) SyncOutcome {
	if externalErr != nil {
		return SyncOutcome{
			Kind: SyncExternalFailed,
			Err:  fmt.Errorf("provider %s failed (%s): %w", step.Operation, step.Describe, externalErr),
		}
	}
	if err := local(); err != nil {
		return SyncOutcome{
			Kind: SyncDiverged,
			Err: fmt.Errorf("provider %s succeeded (%s) but the local record could not be updated, billing needs manual verification: %w",
				step.Operation, step.Describe, err),
		}
	}
	return SyncOutcome{Kind: SyncApplied}
}

func (b *BillingSync) flagDivergence(ctx context.Context, step SyncStep, cause error) string {
	intended, err := json.Marshal(step.Intended)
	if err != nil {
		intended = []byte("{}")
	}

	logger.Critical(b.logger, "billing divergence between provider and local mirror",
		zap.String("operation", step.Operation),
		zap.String("subscription_id", step.Subscription.ID),
		zap.String("external_subscription_id", step.Subscription.ExternalID),
		zap.String("intended_state", string(intended)),
		zap.Error(cause),
	)

	if b.divergences == nil {
		return ""
	}
	divergence := &models.BillingDivergence{
		SubscriptionID:         step.Subscription.ID,
		ExternalSubscriptionID: step.Subscription.ExternalID,
		Operation:              step.Operation,
		IntendedState:          intended,
		ErrorMessage:           cause.Error(),
	}
	// The request context may already be done; the record must still land.
	if err := b.divergences.Create(context.WithoutCancel(ctx), divergence); err != nil {
		b.logger.Error("failed to record billing divergence",
			zap.String("external_subscription_id", step.Subscription.ExternalID),
			zap.Error(err),
		)
		return ""
	}

	if b.verifier != nil && b.verifier.Running() {
		job := jobs.Job{Type: JobTypeVerifyDivergence, Payload: divergence.ID}
		if err := b.verifier.Enqueue(job); err != nil {
			b.logger.Warn("failed to queue divergence verification", zap.String("divergence_id", divergence.ID), zap.Error(err))
		}
	}
	return divergence.ID
}
