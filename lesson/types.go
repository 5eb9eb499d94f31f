/*
Package lesson models lessons and the confirmation workflow.

PURPOSE:
  A lesson is the unit of service: a teacher logs it (pending), an admin
  confirms or declines it. Confirmation is the only path that consumes
  credit - it resolves the SNC allowance, plans an allocation, and commits
  it atomically through the ledger executor.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lesson: the entity, with its pending -> confirmed/declined lifecycle
  - Store: lesson persistence plus the free-SNC count the allowance
    policy needs
  - TierProvider: external tier/pricing configuration supplying the
    student's current tier for restriction matching

SEE ALSO:
  - workflow.go: Confirm / Decline / Edit state machine
  - snc.go:      Complimentary-SNC allowance policy
*/
package lesson

import (
	"context"
	"time"

	"github.com/tutorly/credit-engine/ledger"
)

// =============================================================================
// LESSON - Unit of service
// =============================================================================

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateDeclined  State = "declined"
)

type Lesson struct {
	ID        ledger.LessonID
	StudentID ledger.StudentID
	TeacherID string

	OccurredAt  ledger.Date
	DurationMin int
	Delivery    ledger.Delivery
	LengthCat   int

	// IsSNC marks a short-notice cancellation. IsFreeSNC is resolved at
	// confirmation time (allowance policy) and is meaningless before.
	IsSNC     bool
	IsFreeSNC bool

	State         State
	Notes         string
	DeclineReason string

	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (l *Lesson) Validate() error {
	if l.StudentID == "" {
		return &ledger.ValidationError{Field: "student_id", Message: "required"}
	}
	if l.TeacherID == "" {
		return &ledger.ValidationError{Field: "teacher_id", Message: "required"}
	}
	if l.OccurredAt.IsZero() {
		return &ledger.ValidationError{Field: "occurred_at", Message: "required"}
	}
	if l.DurationMin <= 0 {
		return &ledger.ValidationError{Field: "duration_min", Message: "must be > 0"}
	}
	if !l.Delivery.Valid() {
		return &ledger.ValidationError{Field: "delivery", Message: "must be online or f2f"}
	}
	if !ledger.ValidLengthCat(l.LengthCat) {
		return &ledger.ValidationError{Field: "length_cat", Message: "must be 60, 90 or 120"}
	}
	return nil
}

// ChargeableMinutes is the demand a confirmed lesson puts on the ledger:
// zero for a free SNC, the full duration otherwise.
func (l *Lesson) ChargeableMinutes(freeSNC bool) int {
	if freeSNC {
		return 0
	}
	return l.DurationMin
}

// =============================================================================
// PERSISTENCE
// =============================================================================

type Store interface {
	CreateLesson(ctx context.Context, l *Lesson) error

	// GetLesson returns a lesson, or a NotFoundError.
	GetLesson(ctx context.Context, id ledger.LessonID) (*Lesson, error)

	UpdateLesson(ctx context.Context, l *Lesson) error

	LessonsByStudent(ctx context.Context, studentID ledger.StudentID) ([]*Lesson, error)

	// CountFreeSNC counts a student's confirmed free SNCs with
	// occurred_at in [from, to]. Consumed by the allowance policy.
	CountFreeSNC(ctx context.Context, studentID ledger.StudentID, from, to ledger.Date) (int, error)
}

// TierProvider supplies the student's current tier. Tier/pricing
// configuration lives outside this engine.
type TierProvider interface {
	CurrentTier(ctx context.Context, studentID ledger.StudentID) (string, error)
}
