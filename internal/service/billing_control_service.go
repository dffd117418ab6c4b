package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
)

// BillingControlService pauses and resumes collection of a family subscription.
type BillingControlService struct {
	family     *FamilyResolver
	reconciler *ReconciliationService
	cache      *CacheService
	logger     *zap.Logger
}

// NewBillingControlService constructs the service.
func NewBillingControlService(family *FamilyResolver, reconciler *ReconciliationService, cache *CacheService, logger *zap.Logger) *BillingControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingControlService{family: family, reconciler: reconciler, cache: cache, logger: logger}
}

// PauseFamilyBilling pauses collection of an active family subscription.
func (s *BillingControlService) PauseFamilyBilling(ctx context.Context, familyID string) (*dto.BillingToggleResult, error) {
	return s.toggle(ctx, familyID, true)
}

// ResumeFamilyBilling resumes collection of a paused family subscription.
func (s *BillingControlService) ResumeFamilyBilling(ctx context.Context, familyID string) (*dto.BillingToggleResult, error) {
	return s.toggle(ctx, familyID, false)
}

func (s *BillingControlService) toggle(ctx context.Context, familyID string, pause bool) (*dto.BillingToggleResult, error) {
	if familyID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "family id is required")
	}
	sub, err := s.family.FindFamilySubscription(ctx, &familyID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve family subscription")
	}
	if sub == nil {
		return nil, appErrors.Clone(appErrors.ErrSubscriptionNotFound, "")
	}

	required, target := models.SubscriptionStatusPaused, models.SubscriptionStatusActive
	if pause {
		required, target = models.SubscriptionStatusActive, models.SubscriptionStatusPaused
	}
	if sub.Status != required {
		return nil, appErrors.Clone(appErrors.ErrInvalidSubscriptionState, "subscription must be "+string(required)+", found "+string(sub.Status))
	}
	if !s.reconciler.ProviderConfigured() {
		return nil, appErrors.Clone(appErrors.ErrProviderNotConfigured, "")
	}

	outcome := s.reconciler.SetPaused(ctx, sub, pause)
	key := models.FamilyKeyOf(familyID)
	s.cache.InvalidateFamily(ctx, key)

	result := &dto.BillingToggleResult{
		FamilyID:       familyID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		Billing:        outcome,
	}
	if outcome.BillingUpdated {
		result.Status = target
	}
	s.logger.Info("family billing collection toggled",
		zap.String("family", key.String()),
		zap.String("subscription_id", sub.ID),
		zap.Bool("pause", pause),
		zap.Bool("billing_updated", outcome.BillingUpdated),
	)
	return result, nil
}
