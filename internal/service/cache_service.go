package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
)

// Preview entries are grouped under the family key so one pattern drops every
// projection of a family after it changes.
const previewCachePrefix = "withdraw-preview"

func previewCachePattern(key models.FamilyKey) string {
	return fmt.Sprintf("%s:%s:*", previewCachePrefix, key.String())
}

func studentPreviewCacheKey(key models.FamilyKey, studentID string) string {
	return fmt.Sprintf("%s:%s:student:%s", previewCachePrefix, key.String(), studentID)
}

func familyPreviewCacheKey(key models.FamilyKey) string {
	return fmt.Sprintf("%s:%s:family", previewCachePrefix, key.String())
}

// CacheRepository abstracts persistence for cached previews.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheService fronts the preview cache and records hit/miss metrics. A nil or
// disabled service behaves as an always-miss cache.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get attempts to retrieve a cached entry. It returns true when the cache was hit.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	duration := time.Since(start)
	if err != nil {
		s.metrics.RecordCacheOperation(false, duration)
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return false, nil
		}
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	s.metrics.RecordCacheOperation(true, duration)
	return true, nil
}

// Set stores the value in cache.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Invalidate removes cached values matching pattern.
func (s *CacheService) Invalidate(ctx context.Context, pattern string) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.repo.DeleteByPattern(ctx, pattern); err != nil {
		return fmt.Errorf("invalidate %s: %w", pattern, err)
	}
	return nil
}

// InvalidateFamily drops every cached preview of the family. Failures are
// logged only; a stale preview expires with its TTL.
func (s *CacheService) InvalidateFamily(ctx context.Context, key models.FamilyKey) {
	if err := s.Invalidate(ctx, previewCachePattern(key)); err != nil {
		s.logger.Warn("preview invalidation failed", zap.String("family", key.String()), zap.Error(err))
	}
}
