package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/noah-isme/madrasah-billing-api/internal/models"
)

type familyStudentStore interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ListByFamily(ctx context.Context, familyID string) ([]models.Student, error)
	CountActiveByFamily(ctx context.Context, familyID string) (int, error)
}

type subscriptionLocator interface {
	FindActiveFamilySubscription(ctx context.Context, familyID string) (*models.Subscription, error)
	FindActiveStudentSubscription(ctx context.Context, studentID string) (*models.Subscription, error)
}

// FamilyResolver answers every family-level question the withdrawal, billing
// and preview flows ask, so they all read the same projection. Nothing is
// cached: each call reads through the current transaction if one is open.
type FamilyResolver struct {
	students      familyStudentStore
	subscriptions subscriptionLocator
}

// NewFamilyResolver constructs a FamilyResolver.
func NewFamilyResolver(students familyStudentStore, subscriptions subscriptionLocator) *FamilyResolver {
	return &FamilyResolver{students: students, subscriptions: subscriptions}
}

// FindFamilySubscription returns the single authoritative subscription of a
// family, or nil for a nil family or a family without one.
func (r *FamilyResolver) FindFamilySubscription(ctx context.Context, familyID *string) (*models.Subscription, error) {
	if familyID == nil || *familyID == "" {
		return nil, nil
	}
	sub, err := r.subscriptions.FindActiveFamilySubscription(ctx, *familyID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscription resolves the subscription billing the key. Solo students are
// billed through their own most recent active assignment.
func (r *FamilyResolver) Subscription(ctx context.Context, key models.FamilyKey) (*models.Subscription, error) {
	if key.IsSolo() {
		return r.subscriptions.FindActiveStudentSubscription(ctx, key.SoloStudentID)
	}
	return r.FindFamilySubscription(ctx, key.FamilyRef())
}

// ActiveCount counts registered or enrolled members of the key.
func (r *FamilyResolver) ActiveCount(ctx context.Context, key models.FamilyKey) (int, error) {
	if !key.IsSolo() {
		return r.students.CountActiveByFamily(ctx, key.FamilyID)
	}
	student, err := r.students.FindByID(ctx, key.SoloStudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count solo student: %w", err)
	}
	if student.IsActive() {
		return 1, nil
	}
	return 0, nil
}

// Members loads a snapshot of the family. An unknown key yields an empty family.
func (r *FamilyResolver) Members(ctx context.Context, key models.FamilyKey) (*models.Family, error) {
	family := &models.Family{Key: key}
	if !key.IsSolo() {
		members, err := r.students.ListByFamily(ctx, key.FamilyID)
		if err != nil {
			return nil, err
		}
		family.Members = members
		return family, nil
	}
	student, err := r.students.FindByID(ctx, key.SoloStudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return family, nil
		}
		return nil, fmt.Errorf("load solo student: %w", err)
	}
	family.Members = []models.Student{*student}
	return family, nil
}
