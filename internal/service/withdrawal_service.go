package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
)

type studentStateStore interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByIDForUpdate(ctx context.Context, id string) (*models.Student, error)
	UpdateStatus(ctx context.Context, id string, status models.StudentStatus) error
}

type enrollmentWriter interface {
	CloseOpen(ctx context.Context, studentID string, status models.StudentStatus, reason string, endedAt time.Time) (int64, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
}

type rosterWriter interface {
	DeactivateByStudent(ctx context.Context, studentID string) (int64, error)
	Activate(ctx context.Context, studentID, classID string) (*models.RosterAssignment, error)
}

type assignmentWriter interface {
	DeactivateStudentAssignments(ctx context.Context, studentID string) (int64, error)
	CreateAssignment(ctx context.Context, assignment *models.BillingAssignment) error
}

// Withdrawal metric labels.
const (
	withdrawalKindChild    = "child"
	withdrawalKindFamily   = "family"
	withdrawalKindReEnroll = "re_enroll"

	withdrawalResultSuccess = "success"
	withdrawalResultPartial = "partial"
	withdrawalResultFailed  = "failed"
)

// WithdrawalService enforces the student status machine, cascades status
// changes to enrollment, roster and billing assignment rows, and hands billing
// adjustments to the reconciliation engine once the local change committed.
type WithdrawalService struct {
	tx          Transactor
	students    studentStateStore
	enrollments enrollmentWriter
	roster      rosterWriter
	assignments assignmentWriter
	family      *FamilyResolver
	reconciler  *ReconciliationService
	cache       *CacheService
	metrics     *MetricsService
	program     string
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewWithdrawalService constructs the manager. program restricts operations to
// students of that program; empty accepts every program.
func NewWithdrawalService(
	tx Transactor,
	students studentStateStore,
	enrollments enrollmentWriter,
	roster rosterWriter,
	assignments assignmentWriter,
	family *FamilyResolver,
	reconciler *ReconciliationService,
	cache *CacheService,
	metrics *MetricsService,
	program string,
	validate *validator.Validate,
	logger *zap.Logger,
) *WithdrawalService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WithdrawalService{
		tx:          tx,
		students:    students,
		enrollments: enrollments,
		roster:      roster,
		assignments: assignments,
		family:      family,
		reconciler:  reconciler,
		cache:       cache,
		metrics:     metrics,
		program:     strings.ToUpper(strings.TrimSpace(program)),
		validator:   validate,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type withdrawInput struct {
	studentID string
	reason    models.WithdrawReason
	note      string
	directive models.BillingDirective
	// batch skips the last-child guard and billing re-resolution; the batch
	// applies the real directive once after all members.
	batch bool
}

// WithdrawChild withdraws one student and adjusts family billing.
func (s *WithdrawalService) WithdrawChild(ctx context.Context, req dto.WithdrawChildRequest) (*dto.WithdrawChildResult, error) {
	if err := s.validateRequest(req, req.Billing); err != nil {
		return nil, err
	}
	result, err := s.withdraw(ctx, withdrawInput{
		studentID: req.StudentID,
		reason:    req.Reason,
		note:      req.Note,
		directive: req.Billing,
	})
	if err != nil {
		s.metrics.RecordWithdrawal(withdrawalKindChild, withdrawalResultFailed)
		return nil, err
	}
	s.metrics.RecordWithdrawal(withdrawalKindChild, withdrawalResultSuccess)
	return result, nil
}

// WithdrawFamily withdraws every active member of a family and applies the
// requested directive once.
func (s *WithdrawalService) WithdrawFamily(ctx context.Context, req dto.WithdrawFamilyRequest) (*dto.WithdrawFamilyResult, error) {
	if err := s.validateRequest(req, req.Billing); err != nil {
		return nil, err
	}
	return s.withdrawBatch(ctx, models.FamilyKeyOf(req.FamilyID), req.Reason, req.Note, req.Billing)
}

// WithdrawAllChildren withdraws the whole family of the given student. A
// student without a family is withdrawn alone.
func (s *WithdrawalService) WithdrawAllChildren(ctx context.Context, req dto.WithdrawSiblingsRequest) (*dto.WithdrawFamilyResult, error) {
	if err := s.validateRequest(req, req.Billing); err != nil {
		return nil, err
	}
	student, err := s.loadStudent(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}
	return s.withdrawBatch(ctx, models.FamilyKeyFor(student), req.Reason, req.Note, req.Billing)
}

// ReEnrollChild re-activates a withdrawn student, bills the child into the
// family subscription and recalculates the family amount.
func (s *WithdrawalService) ReEnrollChild(ctx context.Context, req dto.ReEnrollRequest) (*dto.ReEnrollResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid re-enrollment payload")
	}
	result, err := s.reEnroll(ctx, req)
	if err != nil {
		s.metrics.RecordWithdrawal(withdrawalKindReEnroll, withdrawalResultFailed)
		return nil, err
	}
	s.metrics.RecordWithdrawal(withdrawalKindReEnroll, withdrawalResultSuccess)
	return result, nil
}

func (s *WithdrawalService) withdraw(ctx context.Context, in withdrawInput) (*dto.WithdrawChildResult, error) {
	student, err := s.loadStudent(ctx, in.studentID)
	if err != nil {
		return nil, err
	}
	if !student.IsActive() {
		return nil, appErrors.Clone(appErrors.ErrAlreadyWithdrawn, "")
	}
	key := models.FamilyKeyFor(student)

	if !in.batch && in.directive.RetainsBilling() {
		active, err := s.family.ActiveCount(ctx, key)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active children")
		}
		if active <= 1 {
			return nil, appErrors.Clone(appErrors.ErrLastActiveChild, "")
		}
	}

	before, err := s.family.Subscription(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve family subscription")
	}
	if !in.batch && before != nil && in.directive.TouchesProvider() && !s.reconciler.ProviderConfigured() {
		return nil, appErrors.Clone(appErrors.ErrProviderNotConfigured, "")
	}

	reasonText := models.WithdrawalReasonText(in.reason, in.note)
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.cascadeWithdrawal(ctx, student.ID, reasonText)
	})
	if err != nil {
		if appErrors.IsDomain(err) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw student")
	}
	s.invalidatePreviews(ctx, key)

	s.logger.Info("student withdrawn",
		zap.String("student_id", student.ID),
		zap.String("family", key.String()),
		zap.String("reason", string(in.reason)),
		zap.Bool("batch", in.batch),
	)

	remaining, err := s.family.ActiveCount(ctx, key)
	if err != nil {
		s.logger.Warn("failed to count remaining children", zap.String("family", key.String()), zap.Error(err))
	}
	result := &dto.WithdrawChildResult{
		StudentID:       student.ID,
		Withdrawn:       true,
		Status:          models.StudentStatusWithdrawn,
		FamilyID:        student.FamilyID,
		ActiveRemaining: remaining,
	}

	sub := before
	if !in.batch && in.directive.TouchesProvider() {
		sub = s.resolveAfterCommit(ctx, key, before)
	}
	result.Billing = s.reconciler.Apply(ctx, ApplyInput{Key: key, Subscription: sub, Directive: in.directive})
	s.logBillingOutcome(key, result.Billing)
	return result, nil
}

// cascadeWithdrawal applies the four withdrawal writes; it must run inside a
// transaction.
func (s *WithdrawalService) cascadeWithdrawal(ctx context.Context, studentID, reasonText string) error {
	locked, err := s.students.FindByIDForUpdate(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStudentNotFound, "")
		}
		return err
	}
	if !models.CanTransition(locked.Status, models.StudentStatusWithdrawn) {
		return appErrors.Clone(appErrors.ErrAlreadyWithdrawn, "")
	}
	if err := s.students.UpdateStatus(ctx, studentID, models.StudentStatusWithdrawn); err != nil {
		return err
	}
	if _, err := s.enrollments.CloseOpen(ctx, studentID, models.StudentStatusWithdrawn, reasonText, s.now()); err != nil {
		return err
	}
	if _, err := s.assignments.DeactivateStudentAssignments(ctx, studentID); err != nil {
		return err
	}
	if _, err := s.roster.DeactivateByStudent(ctx, studentID); err != nil {
		return err
	}
	return nil
}

// resolveAfterCommit re-reads the subscription after the cascade. Deactivating
// the last assignments hides the subscription from the locator, so a miss
// falls back to the snapshot taken before the transaction.
func (s *WithdrawalService) resolveAfterCommit(ctx context.Context, key models.FamilyKey, before *models.Subscription) *models.Subscription {
	after, err := s.family.Subscription(ctx, key)
	if err != nil {
		s.logger.Warn("failed to re-resolve subscription, using pre-transaction snapshot", zap.String("family", key.String()), zap.Error(err))
		return before
	}
	if after == nil && before != nil {
		s.logger.Warn("subscription not found after withdrawal, using pre-transaction snapshot",
			zap.String("family", key.String()),
			zap.String("subscription_id", before.ID),
		)
		return before
	}
	return after
}

func (s *WithdrawalService) withdrawBatch(ctx context.Context, key models.FamilyKey, reason models.WithdrawReason, note string, directive models.BillingDirective) (*dto.WithdrawFamilyResult, error) {
	family, err := s.family.Members(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load family")
	}
	members := s.inProgramMembers(family.Members)
	if len(members) == 0 {
		if key.IsSolo() {
			return nil, appErrors.Clone(appErrors.ErrStudentNotFound, "")
		}
		return nil, appErrors.Clone(appErrors.ErrFamilyNotFound, "")
	}
	family.Members = members
	active := family.ActiveMembers()
	if len(active) == 0 {
		return nil, appErrors.Clone(appErrors.ErrAlreadyWithdrawn, "all family members are already withdrawn")
	}

	sub, err := s.family.Subscription(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve family subscription")
	}
	if sub != nil && directive.TouchesProvider() && !s.reconciler.ProviderConfigured() {
		return nil, appErrors.Clone(appErrors.ErrProviderNotConfigured, "")
	}

	result := &dto.WithdrawFamilyResult{
		FamilyID:           key.FamilyID,
		WithdrawnIDs:       make([]string, 0, len(active)),
		RequestedDirective: directive.Kind,
	}
	for _, member := range active {
		_, err := s.withdraw(ctx, withdrawInput{
			studentID: member.ID,
			reason:    reason,
			note:      note,
			directive: models.KeepCurrent(),
			batch:     true,
		})
		if err != nil {
			result.Failures = append(result.Failures, s.memberFailure(key, member.ID, err))
			continue
		}
		result.WithdrawnIDs = append(result.WithdrawnIDs, member.ID)
	}
	result.WithdrawnCount = len(result.WithdrawnIDs)
	result.FailedCount = len(result.Failures)

	applied, downgraded := BatchDirectivePolicy(directive, result.FailedCount)
	if downgraded {
		s.logger.Warn("family withdrawal partially failed, recalculating billing instead of cancelling",
			zap.String("family", key.String()),
			zap.Int("withdrawn", result.WithdrawnCount),
			zap.Int("failed", result.FailedCount),
		)
	}
	result.AppliedDirective = applied.Kind
	result.Downgraded = downgraded
	result.Billing = s.reconciler.Apply(ctx, ApplyInput{Key: key, Subscription: sub, Directive: applied})
	s.logBillingOutcome(key, result.Billing)

	switch {
	case result.FailedCount == 0:
		s.metrics.RecordWithdrawal(withdrawalKindFamily, withdrawalResultSuccess)
	case result.WithdrawnCount > 0:
		s.metrics.RecordWithdrawal(withdrawalKindFamily, withdrawalResultPartial)
	default:
		s.metrics.RecordWithdrawal(withdrawalKindFamily, withdrawalResultFailed)
	}
	return result, nil
}

func (s *WithdrawalService) memberFailure(key models.FamilyKey, studentID string, err error) dto.MemberFailure {
	appErr := appErrors.FromError(err)
	expected := appErrors.IsDomain(err)
	fields := []zap.Field{
		zap.String("family", key.String()),
		zap.String("student_id", studentID),
		zap.String("code", appErr.Code),
		zap.Error(err),
	}
	if expected {
		s.logger.Warn("family member could not be withdrawn", fields...)
	} else {
		s.logger.Error("unexpected failure withdrawing family member", fields...)
	}
	return dto.MemberFailure{StudentID: studentID, Code: appErr.Code, Error: err.Error(), Expected: expected}
}

func (s *WithdrawalService) reEnroll(ctx context.Context, req dto.ReEnrollRequest) (*dto.ReEnrollResult, error) {
	student, err := s.loadStudent(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}
	if student.Status != models.StudentStatusWithdrawn {
		return nil, appErrors.Clone(appErrors.ErrNotWithdrawn, "")
	}
	key := models.FamilyKeyFor(student)

	sub, err := s.family.Subscription(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve family subscription")
	}
	if sub != nil && !s.reconciler.ProviderConfigured() {
		return nil, appErrors.Clone(appErrors.ErrProviderNotConfigured, "")
	}

	result := &dto.ReEnrollResult{StudentID: student.ID}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		locked, err := s.students.FindByIDForUpdate(ctx, student.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrStudentNotFound, "")
			}
			return err
		}
		if locked.Status != models.StudentStatusWithdrawn {
			return appErrors.Clone(appErrors.ErrNotWithdrawn, "")
		}

		siblings, err := s.family.ActiveCount(ctx, key)
		if err != nil {
			return err
		}
		amount := CalculateRate(siblings + 1)

		if err := s.students.UpdateStatus(ctx, student.ID, models.StudentStatusEnrolled); err != nil {
			return err
		}
		enrollment := &models.Enrollment{StudentID: student.ID, Status: models.StudentStatusEnrolled, StartedAt: s.now()}
		if err := s.enrollments.Create(ctx, enrollment); err != nil {
			return err
		}
		result.EnrollmentID = enrollment.ID

		if req.ClassID != "" {
			if _, err := s.roster.Activate(ctx, student.ID, req.ClassID); err != nil {
				return err
			}
		}

		if sub == nil {
			return nil
		}
		if amount <= 0 {
			return appErrors.Clone(appErrors.ErrValidation, "re-enrollment cannot produce a zero billing amount")
		}
		assignment := &models.BillingAssignment{
			StudentID:      student.ID,
			SubscriptionID: sub.ID,
			Amount:         amount,
			IsActive:       true,
		}
		if err := s.assignments.CreateAssignment(ctx, assignment); err != nil {
			return err
		}
		result.AssignmentID = assignment.ID
		result.AssignmentAmount = int64Ptr(amount)
		return nil
	})
	if err != nil {
		if appErrors.IsDomain(err) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to re-enroll student")
	}
	s.invalidatePreviews(ctx, key)

	result.ReEnrolled = true
	result.Status = models.StudentStatusEnrolled
	s.logger.Info("student re-enrolled", zap.String("student_id", student.ID), zap.String("family", key.String()))

	if sub == nil {
		result.Billing = dto.BillingOutcome{Action: dto.BillingActionNoAccount, Error: "no active subscription"}
		return result, nil
	}
	result.Billing = s.reconciler.Apply(ctx, ApplyInput{Key: key, Subscription: sub, Directive: models.AutoRecalculate()})
	s.logBillingOutcome(key, result.Billing)
	return result, nil
}

func (s *WithdrawalService) validateRequest(req interface{}, directive models.BillingDirective) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid withdrawal payload")
	}
	if err := directive.Validate(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	return nil
}

func (s *WithdrawalService) loadStudent(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStudentNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !inProgram(s.program, student) {
		return nil, appErrors.Clone(appErrors.ErrStudentNotFound, "")
	}
	return student, nil
}

func (s *WithdrawalService) inProgramMembers(members []models.Student) []models.Student {
	return lo.Filter(members, func(m models.Student, _ int) bool {
		return inProgram(s.program, &m)
	})
}

func (s *WithdrawalService) invalidatePreviews(ctx context.Context, key models.FamilyKey) {
	s.cache.InvalidateFamily(ctx, key)
}

func (s *WithdrawalService) logBillingOutcome(key models.FamilyKey, outcome dto.BillingOutcome) {
	if outcome.BillingUpdated {
		return
	}
	fields := []zap.Field{
		zap.String("family", key.String()),
		zap.String("subscription_id", outcome.SubscriptionID),
		zap.String("error", outcome.Error),
	}
	if outcome.Diverged {
		// The sync protocol already raised the CRITICAL record.
		s.logger.Error("billing diverged after enrollment change", fields...)
		return
	}
	s.logger.Warn("billing not updated after enrollment change", fields...)
}

func inProgram(program string, student *models.Student) bool {
	return program == "" || strings.EqualFold(student.Program, program)
}
