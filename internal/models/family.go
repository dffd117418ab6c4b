package models

// FamilyKey identifies the billing group of a student: the shared family
// reference, or the student alone when no family reference is set.
type FamilyKey struct {
	FamilyID      string
	SoloStudentID string
}

// FamilyKeyFor derives the key for a student.
func FamilyKeyFor(s *Student) FamilyKey {
	if s.FamilyID != nil && *s.FamilyID != "" {
		return FamilyKey{FamilyID: *s.FamilyID}
	}
	return FamilyKey{SoloStudentID: s.ID}
}

// FamilyKeyOf builds the key for a family reference id.
func FamilyKeyOf(familyID string) FamilyKey {
	return FamilyKey{FamilyID: familyID}
}

// IsSolo reports whether the key refers to a student without a family.
func (k FamilyKey) IsSolo() bool {
	return k.FamilyID == ""
}

// FamilyRef returns the family reference, nil for solo students.
func (k FamilyKey) FamilyRef() *string {
	if k.IsSolo() {
		return nil
	}
	id := k.FamilyID
	return &id
}

// String renders the key for logs and cache keys.
func (k FamilyKey) String() string {
	if k.IsSolo() {
		return "solo:" + k.SoloStudentID
	}
	return "family:" + k.FamilyID
}

// Family is a snapshot of the members sharing a FamilyKey. Billing decisions
// re-count active members from the store instead of trusting a snapshot.
type Family struct {
	Key     FamilyKey
	Members []Student
}

// ActiveMembers returns registered or enrolled members in roster order.
func (f *Family) ActiveMembers() []Student {
	active := make([]Student, 0, len(f.Members))
	for _, m := range f.Members {
		if m.Status.IsActive() {
			active = append(active, m)
		}
	}
	return active
}

// ActiveCount counts registered or enrolled members in the snapshot.
func (f *Family) ActiveCount() int {
	return len(f.ActiveMembers())
}
