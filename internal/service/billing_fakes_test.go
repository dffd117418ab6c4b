package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/pkg/payment"
)

const testProgram = "ISLAMIC_STUDIES"

var fakeEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTxKey struct{}

// fakeStore is an in-memory local store. WithTx snapshots every table and
// restores the snapshot when the callback fails, so partial cascades are
// observable as bugs.
type fakeStore struct {
	mu sync.Mutex

	students      map[string]models.Student
	enrollments   []models.Enrollment
	roster        []models.RosterAssignment
	subscriptions map[string]models.Subscription
	assignments   []models.BillingAssignment
	divergences   map[string]models.BillingDivergence

	// fail injects an error into the named method.
	fail      map[string]error
	seq       int
	commits   int
	rollbacks int
}

type fakeSnapshot struct {
	students      map[string]models.Student
	enrollments   []models.Enrollment
	roster        []models.RosterAssignment
	subscriptions map[string]models.Subscription
	assignments   []models.BillingAssignment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students:      map[string]models.Student{},
		subscriptions: map[string]models.Subscription{},
		divergences:   map[string]models.BillingDivergence{},
		fail:          map[string]error{},
	}
}

func (s *fakeStore) next(prefix string) (string, time.Time) {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq), fakeEpoch.Add(time.Duration(s.seq) * time.Minute)
}

func (s *fakeStore) failure(method string) error {
	return s.fail[method]
}

func (s *fakeStore) snapshot() fakeSnapshot {
	snap := fakeSnapshot{
		students:      make(map[string]models.Student, len(s.students)),
		enrollments:   append([]models.Enrollment(nil), s.enrollments...),
		roster:        append([]models.RosterAssignment(nil), s.roster...),
		subscriptions: make(map[string]models.Subscription, len(s.subscriptions)),
		assignments:   append([]models.BillingAssignment(nil), s.assignments...),
	}
	for k, v := range s.students {
		snap.students[k] = v
	}
	for k, v := range s.subscriptions {
		snap.subscriptions[k] = v
	}
	return snap
}

func (s *fakeStore) restore(snap fakeSnapshot) {
	s.students = snap.students
	s.enrollments = snap.enrollments
	s.roster = snap.roster
	s.subscriptions = snap.subscriptions
	s.assignments = snap.assignments
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.rollbacks++
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

// seeding helpers

func (s *fakeStore) addStudent(id, family string, status models.StudentStatus) {
	_, created := s.next("seed")
	student := models.Student{ID: id, Program: testProgram, FirstName: "Child", LastName: id, Status: status, CreatedAt: created}
	if family != "" {
		f := family
		student.FamilyID = &f
	}
	s.students[id] = student
	if status.IsActive() {
		s.enrollments = append(s.enrollments, models.Enrollment{ID: "enr-" + id, StudentID: id, Status: status, StartedAt: created})
		s.roster = append(s.roster, models.RosterAssignment{ID: "roster-" + id, StudentID: id, ClassID: "class-1", IsActive: true})
	}
}

func (s *fakeStore) addSubscription(id, externalID string, status models.SubscriptionStatus, amount int64) {
	s.subscriptions[id] = models.Subscription{ID: id, ExternalID: externalID, Status: status, Amount: amount, Currency: "usd"}
}

func (s *fakeStore) assign(studentID, subscriptionID string, amount int64) {
	id, created := s.next("ba")
	s.assignments = append(s.assignments, models.BillingAssignment{
		ID: id, StudentID: studentID, SubscriptionID: subscriptionID, Amount: amount, IsActive: true, CreatedAt: created,
	})
}

func (s *fakeStore) activeAssignmentsOf(studentID string) []models.BillingAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BillingAssignment
	for _, a := range s.assignments {
		if a.StudentID == studentID && a.IsActive {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeStore) student(id string) models.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.students[id]
}

func (s *fakeStore) subscription(id string) models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[id]
}

// fakeStudents implements the student store interfaces.
type fakeStudents struct{ *fakeStore }

func (f fakeStudents) FindByID(ctx context.Context, id string) (*models.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("FindByID"); err != nil {
		return nil, err
	}
	student, ok := f.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &student, nil
}

func (f fakeStudents) FindByIDForUpdate(ctx context.Context, id string) (*models.Student, error) {
	return f.FindByID(ctx, id)
}

func (f fakeStudents) ListByFamily(ctx context.Context, familyID string) ([]models.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Student
	for _, student := range f.students {
		if student.FamilyID != nil && *student.FamilyID == familyID {
			out = append(out, student)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f fakeStudents) CountActiveByFamily(ctx context.Context, familyID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, student := range f.students {
		if student.FamilyID != nil && *student.FamilyID == familyID && student.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

func (f fakeStudents) UpdateStatus(ctx context.Context, id string, status models.StudentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("UpdateStatus:" + id); err != nil {
		return err
	}
	student, ok := f.students[id]
	if !ok {
		return fmt.Errorf("student %s not found", id)
	}
	student.Status = status
	f.students[id] = student
	return nil
}

type fakeEnrollments struct{ *fakeStore }

func (f fakeEnrollments) CloseOpen(ctx context.Context, studentID string, status models.StudentStatus, reason string, endedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var closed int64
	for i, e := range f.enrollments {
		if e.StudentID == studentID && e.IsOpen() {
			at, r := endedAt, reason
			f.enrollments[i].Status = status
			f.enrollments[i].EndedAt = &at
			f.enrollments[i].EndReason = &r
			closed++
		}
	}
	return closed, nil
}

func (f fakeEnrollments) Create(ctx context.Context, enrollment *models.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enrollment.ID == "" {
		enrollment.ID, _ = f.next("enr")
	}
	f.enrollments = append(f.enrollments, *enrollment)
	return nil
}

type fakeRoster struct{ *fakeStore }

func (f fakeRoster) DeactivateByStudent(ctx context.Context, studentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("DeactivateRoster"); err != nil {
		return 0, err
	}
	var n int64
	for i, r := range f.roster {
		if r.StudentID == studentID && r.IsActive {
			f.roster[i].IsActive = false
			n++
		}
	}
	return n, nil
}

func (f fakeRoster) Activate(ctx context.Context, studentID, classID string) (*models.RosterAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.roster {
		if r.StudentID == studentID && r.ClassID == classID {
			f.roster[i].IsActive = true
			row := f.roster[i]
			return &row, nil
		}
	}
	id, _ := f.next("roster")
	row := models.RosterAssignment{ID: id, StudentID: studentID, ClassID: classID, IsActive: true}
	f.roster = append(f.roster, row)
	return &row, nil
}

type fakeBilling struct{ *fakeStore }

func (f fakeBilling) findLatest(match func(a models.BillingAssignment) bool) *models.Subscription {
	var best *models.BillingAssignment
	for i := range f.assignments {
		a := f.assignments[i]
		if !a.IsActive || !match(a) {
			continue
		}
		sub, ok := f.subscriptions[a.SubscriptionID]
		if !ok || !sub.IsAuthoritative() {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = &f.assignments[i]
		}
	}
	if best == nil {
		return nil
	}
	sub := f.subscriptions[best.SubscriptionID]
	return &sub
}

func (f fakeBilling) FindActiveFamilySubscription(ctx context.Context, familyID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findLatest(func(a models.BillingAssignment) bool {
		student := f.students[a.StudentID]
		return student.FamilyID != nil && *student.FamilyID == familyID
	}), nil
}

func (f fakeBilling) FindActiveStudentSubscription(ctx context.Context, studentID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findLatest(func(a models.BillingAssignment) bool { return a.StudentID == studentID }), nil
}

func (f fakeBilling) FindSubscriptionByID(ctx context.Context, id string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (f fakeBilling) ListActiveAssignments(ctx context.Context, subscriptionID string) ([]models.BillingAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BillingAssignment
	for _, a := range f.assignments {
		if a.SubscriptionID == subscriptionID && a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f fakeBilling) UpdateAssignmentAmount(ctx context.Context, id string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.assignments {
		if f.assignments[i].ID == id {
			f.assignments[i].Amount = amount
		}
	}
	return nil
}

func (f fakeBilling) DeactivateStudentAssignments(ctx context.Context, studentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i := range f.assignments {
		if f.assignments[i].StudentID == studentID && f.assignments[i].IsActive {
			f.assignments[i].IsActive = false
			n++
		}
	}
	return n, nil
}

func (f fakeBilling) DeactivateSubscriptionAssignments(ctx context.Context, subscriptionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i := range f.assignments {
		if f.assignments[i].SubscriptionID == subscriptionID && f.assignments[i].IsActive {
			f.assignments[i].IsActive = false
			n++
		}
	}
	return n, nil
}

func (f fakeBilling) CreateAssignment(ctx context.Context, assignment *models.BillingAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, created := f.next("ba")
	if assignment.ID == "" {
		assignment.ID = id
	}
	assignment.CreatedAt = created
	f.assignments = append(f.assignments, *assignment)
	return nil
}

func (f fakeBilling) UpdateSubscriptionStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("UpdateSubscriptionStatus"); err != nil {
		return err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	sub.Status = status
	f.subscriptions[id] = sub
	return nil
}

func (f fakeBilling) UpdateSubscriptionAmount(ctx context.Context, id string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("UpdateSubscriptionAmount"); err != nil {
		return err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	sub.Amount = amount
	f.subscriptions[id] = sub
	return nil
}

type fakeDivergences struct{ *fakeStore }

func (f fakeDivergences) Create(ctx context.Context, divergence *models.BillingDivergence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("CreateDivergence"); err != nil {
		return err
	}
	if divergence.ID == "" {
		divergence.ID, divergence.CreatedAt = f.next("div")
	}
	f.divergences[divergence.ID] = *divergence
	return nil
}

func (f fakeDivergences) List(ctx context.Context, filter models.DivergenceFilter) ([]models.BillingDivergence, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BillingDivergence
	for _, d := range f.divergences {
		switch {
		case filter.State == "open" && d.ResolvedAt != nil:
			continue
		case filter.State == "resolved" && d.ResolvedAt == nil:
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (f fakeDivergences) FindByID(ctx context.Context, id string) (*models.BillingDivergence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.divergences[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f fakeDivergences) RecordCheck(ctx context.Context, id string, check models.DivergenceCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.divergences[id]
	status, amount, still, at := check.ExternalStatus, check.ExternalAmount, check.StillDiverged, check.CheckedAt
	d.LastExternalStatus, d.LastExternalAmount, d.StillDiverged, d.LastCheckedAt = &status, &amount, &still, &at
	f.divergences[id] = d
	return nil
}

func (f fakeDivergences) Resolve(ctx context.Context, id, note string, resolvedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.divergences[id]
	if !ok || d.ResolvedAt != nil {
		return false, nil
	}
	d.ResolvedAt, d.ResolutionNote = &resolvedAt, &note
	f.divergences[id] = d
	return true, nil
}

// fakeProvider records every call made to the payment provider.
type fakeProvider struct {
	mu         sync.Mutex
	configured bool
	subs       map[string]*payment.Subscription
	calls      []string
	updateErr  error
	cancelErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{configured: true, subs: map[string]*payment.Subscription{}}
}

func (p *fakeProvider) Configured() bool { return p.configured }

func (p *fakeProvider) sub(id string) *payment.Subscription {
	if s, ok := p.subs[id]; ok {
		return s
	}
	s := &payment.Subscription{ID: id, Status: "active", Currency: "usd"}
	p.subs[id] = s
	return s
}

func (p *fakeProvider) Retrieve(ctx context.Context, id string) (*payment.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "retrieve:"+id)
	copied := *p.sub(id)
	return &copied, nil
}

func (p *fakeProvider) Update(ctx context.Context, id string, params payment.UpdateParams) (*payment.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case params.Amount != nil:
		p.calls = append(p.calls, fmt.Sprintf("update:%s:%d", id, *params.Amount))
	case params.PauseCollection != nil && *params.PauseCollection:
		p.calls = append(p.calls, "pause:"+id)
	default:
		p.calls = append(p.calls, "resume:"+id)
	}
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	s := p.sub(id)
	if params.Amount != nil {
		s.Amount = *params.Amount
	}
	if params.PauseCollection != nil {
		s.Paused = *params.PauseCollection
	}
	copied := *s
	return &copied, nil
}

func (p *fakeProvider) Cancel(ctx context.Context, id string) (*payment.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "cancel:"+id)
	if p.cancelErr != nil {
		return nil, p.cancelErr
	}
	s := p.sub(id)
	s.Status = "canceled"
	copied := *s
	return &copied, nil
}

func (p *fakeProvider) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// billingHarness wires the services over the fakes.
type billingHarness struct {
	store       *fakeStore
	provider    *fakeProvider
	logs        *observer.ObservedLogs
	metrics     *MetricsService
	family      *FamilyResolver
	reconciler  *ReconciliationService
	withdrawals *WithdrawalService
	previews    *PreviewService
	control     *BillingControlService
	divergences *DivergenceService
}

func newBillingHarness(t *testing.T) *billingHarness {
	t.Helper()
	store := newFakeStore()
	provider := newFakeProvider()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	metrics := NewMetricsService()
	validate := validator.New()

	family := NewFamilyResolver(fakeStudents{store}, fakeBilling{store})
	sync := NewBillingSync(fakeDivergences{store}, nil, metrics, logger)
	reconciler := NewReconciliationService(store, fakeBilling{store}, family, provider, sync, logger)
	return &billingHarness{
		store:      store,
		provider:   provider,
		logs:       logs,
		metrics:    metrics,
		family:     family,
		reconciler: reconciler,
		withdrawals: NewWithdrawalService(store, fakeStudents{store}, fakeEnrollments{store}, fakeRoster{store}, fakeBilling{store},
			family, reconciler, nil, metrics, testProgram, validate, logger),
		previews:    NewPreviewService(fakeStudents{store}, family, nil, time.Minute, testProgram, logger),
		control:     NewBillingControlService(family, reconciler, nil, logger),
		divergences: NewDivergenceService(fakeDivergences{store}, fakeBilling{store}, provider, metrics, validate, logger),
	}
}

// seedFamily creates n enrolled children in family with one subscription
// split evenly across them.
func (h *billingHarness) seedFamily(family, subID, externalID string, n int) []string {
	amount := CalculateRate(n)
	h.store.addSubscription(subID, externalID, models.SubscriptionStatusActive, amount)
	shares := models.SplitAmount(amount, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s-child-%d", family, i+1)
		h.store.addStudent(ids[i], family, models.StudentStatusEnrolled)
		h.store.assign(ids[i], subID, shares[i])
	}
	return ids
}

func (h *billingHarness) criticalLogs() []observer.LoggedEntry {
	return h.logs.FilterField(zap.String("severity", "CRITICAL")).All()
}

var errLocalWrite = errors.New("deadlock detected")
