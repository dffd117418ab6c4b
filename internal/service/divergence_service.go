package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
	"github.com/noah-isme/madrasah-billing-api/pkg/export"
	"github.com/noah-isme/madrasah-billing-api/pkg/jobs"
)

type divergenceStore interface {
	List(ctx context.Context, filter models.DivergenceFilter) ([]models.BillingDivergence, int, error)
	FindByID(ctx context.Context, id string) (*models.BillingDivergence, error)
	RecordCheck(ctx context.Context, id string, check models.DivergenceCheck) error
	Resolve(ctx context.Context, id, note string, resolvedAt time.Time) (bool, error)
}

type subscriptionReader interface {
	FindSubscriptionByID(ctx context.Context, id string) (*models.Subscription, error)
}

type datasetRenderer interface {
	ContentType() string
	Extension() string
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered divergence ledger.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// maxExportRows bounds one ledger export.
const maxExportRows = 1000

// DivergenceService exposes the ledger of provider/local divergences. It only
// re-reads the provider to confirm state; repairs stay manual.
type DivergenceService struct {
	repo          divergenceStore
	subscriptions subscriptionReader
	provider      SubscriptionProvider
	renderers     map[string]datasetRenderer
	metrics       *MetricsService
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewDivergenceService constructs the service with CSV and PDF renderers.
func NewDivergenceService(repo divergenceStore, subscriptions subscriptionReader, provider SubscriptionProvider, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *DivergenceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DivergenceService{
		repo:          repo,
		subscriptions: subscriptions,
		provider:      provider,
		renderers: map[string]datasetRenderer{
			"csv": export.NewCSVExporter(),
			"pdf": export.NewPDFExporter(),
		},
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns divergences with pagination metadata.
func (s *DivergenceService) List(ctx context.Context, filter models.DivergenceFilter) ([]models.BillingDivergence, *models.Pagination, error) {
	if err := validateDivergenceState(filter.State); err != nil {
		return nil, nil, err
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list billing divergences")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Export renders the ledger as csv or pdf.
func (s *DivergenceService) Export(ctx context.Context, state, format string) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if err := validateDivergenceState(state); err != nil {
		return nil, err
	}
	items, _, err := s.repo.List(ctx, models.DivergenceFilter{State: state, Page: 1, PageSize: maxExportRows})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load billing divergences")
	}
	data, err := renderer.Render(divergenceDataset(items))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render divergence export")
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("billing-divergences-%s.%s", s.now().Format("20060102-150405"), renderer.Extension()),
		ContentType: renderer.ContentType(),
		Data:        data,
	}, nil
}

// Resolve records that a divergence was reconciled by hand.
func (s *DivergenceService) Resolve(ctx context.Context, id string, req dto.ResolveDivergenceRequest) (*models.BillingDivergence, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid resolution payload")
	}
	divergence, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if divergence.ResolvedAt != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "divergence already resolved")
	}
	resolved, err := s.repo.Resolve(ctx, id, strings.TrimSpace(req.Note), s.now())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve divergence")
	}
	if !resolved {
		return nil, appErrors.Clone(appErrors.ErrConflict, "divergence already resolved")
	}
	s.logger.Info("billing divergence resolved", zap.String("divergence_id", id), zap.String("operation", divergence.Operation))
	return s.load(ctx, id)
}

// Verify re-reads the provider subscription and records whether it still
// disagrees with the local mirror.
func (s *DivergenceService) Verify(ctx context.Context, id string) (*models.BillingDivergence, error) {
	divergence, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.provider == nil || !s.provider.Configured() {
		return nil, appErrors.Clone(appErrors.ErrProviderNotConfigured, "")
	}
	local, err := s.subscriptions.FindSubscriptionByID(ctx, divergence.SubscriptionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load local subscription")
	}
	if local == nil {
		return nil, appErrors.Clone(appErrors.ErrSubscriptionNotFound, "local subscription mirror not found")
	}
	remote, err := s.provider.Retrieve(ctx, divergence.ExternalSubscriptionID)
	if err != nil {
		s.metrics.RecordDivergenceCheck("provider_error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read provider subscription")
	}

	check := CompareSubscription(local, remote.Status, remote.Paused, remote.Amount)
	check.CheckedAt = s.now()
	if err := s.repo.RecordCheck(ctx, id, check); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record divergence check")
	}
	result := "consistent"
	if check.StillDiverged {
		result = "diverged"
	}
	s.metrics.RecordDivergenceCheck(result)
	s.logger.Info("billing divergence verified",
		zap.String("divergence_id", id),
		zap.String("external_status", check.ExternalStatus),
		zap.Int64("external_amount", check.ExternalAmount),
		zap.Bool("still_diverged", check.StillDiverged),
	)
	return s.load(ctx, id)
}

// HandleVerifyJob is the queue handler for JobTypeVerifyDivergence.
func (s *DivergenceService) HandleVerifyJob(ctx context.Context, job jobs.Job) error {
	id, ok := job.Payload.(string)
	if !ok || id == "" {
		s.logger.Warn("ignoring divergence verification job without id", zap.String("job_id", job.ID))
		return nil
	}
	_, err := s.Verify(ctx, id)
	if err != nil && appErrors.IsDomain(err) {
		// Not retryable.
		s.logger.Warn("divergence verification skipped", zap.String("divergence_id", id), zap.Error(err))
		return nil
	}
	return err
}

func (s *DivergenceService) load(ctx context.Context, id string) (*models.BillingDivergence, error) {
	divergence, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load divergence")
	}
	if divergence == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "divergence not found")
	}
	return divergence, nil
}

// CompareSubscription maps the provider view onto the local status vocabulary
// and reports whether the mirror disagrees. Amounts of canceled subscriptions
// are not compared.
func CompareSubscription(local *models.Subscription, externalStatus string, paused bool, externalAmount int64) models.DivergenceCheck {
	status := externalStatus
	if paused && status == string(models.SubscriptionStatusActive) {
		status = string(models.SubscriptionStatusPaused)
	}
	diverged := status != string(local.Status)
	if !diverged && status != string(models.SubscriptionStatusCanceled) {
		diverged = externalAmount != local.Amount
	}
	return models.DivergenceCheck{ExternalStatus: status, ExternalAmount: externalAmount, StillDiverged: diverged}
}

func validateDivergenceState(state string) error {
	switch state {
	case "", "open", "resolved":
		return nil
	}
	return appErrors.Clone(appErrors.ErrValidation, "state must be open or resolved")
}

var divergenceHeaders = []string{"ID", "Created", "Operation", "Subscription", "External ID", "Intended", "Error", "Still Diverged", "Resolved"}

func divergenceDataset(items []models.BillingDivergence) export.Dataset {
	return export.Dataset{
		Title:   "Billing divergences",
		Headers: divergenceHeaders,
		Rows: lo.Map(items, func(d models.BillingDivergence, _ int) map[string]string {
			still := ""
			if d.StillDiverged != nil {
				still = strconv.FormatBool(*d.StillDiverged)
			}
			resolved := ""
			if d.ResolvedAt != nil {
				resolved = d.ResolvedAt.Format(time.RFC3339)
			}
			return map[string]string{
				"ID":             d.ID,
				"Created":        d.CreatedAt.Format(time.RFC3339),
				"Operation":      d.Operation,
				"Subscription":   d.SubscriptionID,
				"External ID":    d.ExternalSubscriptionID,
				"Intended":       d.IntendedState.String(),
				"Error":          d.ErrorMessage,
				"Still Diverged": still,
				"Resolved":       resolved,
			}
		}),
	}
}
