package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
)

type previewStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

// PreviewService projects the outcome of a withdrawal without mutating
// anything. It reads through the same FamilyResolver and CalculateRate as the
// live flow.
type PreviewService struct {
	students previewStudentReader
	family   *FamilyResolver
	cache    *CacheService
	ttl      time.Duration
	program  string
	logger   *zap.Logger
}

// NewPreviewService constructs the preview service. cache may be nil.
func NewPreviewService(students previewStudentReader, family *FamilyResolver, cache *CacheService, ttl time.Duration, program string, logger *zap.Logger) *PreviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreviewService{
		students: students,
		family:   family,
		cache:    cache,
		ttl:      ttl,
		program:  strings.ToUpper(strings.TrimSpace(program)),
		logger:   logger,
	}
}

// WithdrawPreview reports what withdrawing the student would do to billing.
// The boolean reports a cache hit.
func (s *PreviewService) WithdrawPreview(ctx context.Context, studentID string) (*dto.WithdrawPreview, bool, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, appErrors.Clone(appErrors.ErrStudentNotFound, "")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !inProgram(s.program, student) {
		return nil, false, appErrors.Clone(appErrors.ErrStudentNotFound, "")
	}
	key := models.FamilyKeyFor(student)

	cacheKey := studentPreviewCacheKey(key, student.ID)
	var cached dto.WithdrawPreview
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	active, err := s.family.ActiveCount(ctx, key)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active children")
	}
	sub, err := s.family.Subscription(ctx, key)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve family subscription")
	}

	remaining := active
	if student.IsActive() {
		remaining = active - 1
	}
	preview := &dto.WithdrawPreview{
		StudentID:          student.ID,
		ChildName:          student.FullName(),
		FamilyID:           student.FamilyID,
		ActiveChildCount:   active,
		RecalculatedAmount: CalculateRate(remaining),
		IsLastActiveChild:  student.IsActive() && active <= 1,
		HasSubscription:    sub != nil,
	}
	if sub != nil {
		preview.CurrentAmount = int64Ptr(sub.Amount)
		preview.IsPaused = sub.Status == models.SubscriptionStatusPaused
	}

	_ = s.cache.Set(ctx, cacheKey, preview, s.ttl)
	return preview, false, nil
}

// FamilyWithdrawPreview lists the members a full family withdrawal would affect.
func (s *PreviewService) FamilyWithdrawPreview(ctx context.Context, familyID string) (*dto.FamilyWithdrawPreview, bool, error) {
	key := models.FamilyKeyOf(familyID)
	cacheKey := familyPreviewCacheKey(key)
	var cached dto.FamilyWithdrawPreview
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	family, err := s.family.Members(ctx, key)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load family")
	}
	family.Members = lo.Filter(family.Members, func(m models.Student, _ int) bool {
		return inProgram(s.program, &m)
	})
	if len(family.Members) == 0 {
		return nil, false, appErrors.Clone(appErrors.ErrFamilyNotFound, "")
	}

	sub, err := s.family.Subscription(ctx, key)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve family subscription")
	}

	active := family.ActiveMembers()
	preview := &dto.FamilyWithdrawPreview{
		FamilyID:    familyID,
		ActiveCount: len(active),
		Members: lo.Map(active, func(m models.Student, _ int) dto.PreviewMember {
			return dto.PreviewMember{StudentID: m.ID, Name: m.FullName(), Status: m.Status}
		}),
		HasSubscription: sub != nil,
	}
	if sub != nil {
		preview.CurrentAmount = int64Ptr(sub.Amount)
		preview.IsPaused = sub.Status == models.SubscriptionStatusPaused
	}

	_ = s.cache.Set(ctx, cacheKey, preview, s.ttl)
	return preview, false, nil
}
