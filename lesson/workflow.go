/*
workflow.go - Lesson confirmation state machine

PURPOSE:
  Drives the pending -> confirmed / pending -> declined transitions. Both
  terminal. Confirmation resolves the SNC allowance, computes chargeable
  minutes, and invokes the ledger (plan + commit) before advancing the
  lesson; any planner or executor error aborts the transition and the
  lesson stays pending.

RULES:
  Confirm: supports adminOverride (bypasses the mandatory-expiry exclusion
           only) with an optional reason, logged alongside the override.
  Decline: records a reason; a prior allocation (re-decline after edit) is
           reversed first; declining a confirmed lesson is rejected.
  Edit:    permitted only while pending - changing delivery/lengthCat/
           duration after confirmation would invalidate the committed
           allocation (NotEditable).

SEE ALSO:
  - ledger/executor.go: Lock scope and atomic commit
  - snc.go:             Free-SNC resolution
*/
package lesson

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorly/credit-engine/ledger"
)

// Workflow orchestrates the lesson lifecycle against the ledger.
type Workflow struct {
	Lessons   Store
	Exec      *ledger.Executor
	Allowance AllowancePolicy
	Tiers     TierProvider

	// AllowOverdraft mirrors the [overdraft] config: when false,
	// confirmations with insufficient credit fail instead of creating an
	// overdraft lot.
	AllowOverdraft bool

	Log *zap.Logger
	Now func() time.Time
}

func NewWorkflow(lessons Store, exec *ledger.Executor, allowance AllowancePolicy,
	tiers TierProvider, allowOverdraft bool, log *zap.Logger) *Workflow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workflow{
		Lessons:        lessons,
		Exec:           exec,
		Allowance:      allowance,
		Tiers:          tiers,
		AllowOverdraft: allowOverdraft,
		Log:            log,
		Now:            time.Now,
	}
}

// =============================================================================
// LOGGING A LESSON
// =============================================================================

// LogLesson records a new lesson in the pending state.
func (w *Workflow) LogLesson(ctx context.Context, l *Lesson) (*Lesson, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if l.ID == "" {
		l.ID = ledger.LessonID(uuid.NewString())
	}
	now := w.Now().UTC()
	l.State = StatePending
	l.IsFreeSNC = false
	l.CreatedAt = now
	l.UpdatedAt = now
	if err := w.Lessons.CreateLesson(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// =============================================================================
// CONFIRM
// =============================================================================

type ConfirmResult struct {
	Lesson            *Lesson
	Commit            *ledger.CommitResult
	ChargeableMinutes int
	FreeSNC           bool
}

// Confirm transitions a pending lesson to confirmed, consuming credit.
func (w *Workflow) Confirm(ctx context.Context, id ledger.LessonID, adminOverride bool, reason string) (*ConfirmResult, error) {
	l, err := w.Lessons.GetLesson(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State != StatePending {
		return nil, &ledger.StateConflictError{Op: "confirm", Current: string(l.State),
			Message: "only pending lessons can be confirmed"}
	}

	demand, freeSNC, err := w.demandFor(ctx, l)
	if err != nil {
		return nil, err
	}

	if adminOverride {
		w.Log.Info("admin override on lesson confirmation",
			zap.String("lesson_id", string(l.ID)),
			zap.String("student_id", string(l.StudentID)),
			zap.String("reason", reason))
	}

	commit, err := w.Exec.Allocate(ctx, demand, ledger.PlanOptions{
		AdminOverride:  adminOverride,
		AllowOverdraft: w.AllowOverdraft,
	})
	if err != nil {
		// Lesson remains pending; nothing was partially confirmed.
		return nil, err
	}

	now := w.Now().UTC()
	l.State = StateConfirmed
	l.IsFreeSNC = freeSNC
	l.ConfirmedAt = &now
	l.UpdatedAt = now
	if err := w.Lessons.UpdateLesson(ctx, l); err != nil {
		return nil, err
	}

	return &ConfirmResult{
		Lesson:            l,
		Commit:            commit,
		ChargeableMinutes: demand.Minutes,
		FreeSNC:           freeSNC,
	}, nil
}

// Preview runs the planner without committing: what would this
// confirmation consume? Lock-free and side-effect free.
func (w *Workflow) Preview(ctx context.Context, id ledger.LessonID, adminOverride bool) (*ledger.Plan, error) {
	l, err := w.Lessons.GetLesson(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State != StatePending {
		return nil, &ledger.StateConflictError{Op: "preview", Current: string(l.State),
			Message: "only pending lessons can be previewed"}
	}
	demand, _, err := w.demandFor(ctx, l)
	if err != nil {
		return nil, err
	}
	return w.Exec.Preview(ctx, demand, ledger.PlanOptions{
		AdminOverride:  adminOverride,
		AllowOverdraft: w.AllowOverdraft,
	})
}

func (w *Workflow) demandFor(ctx context.Context, l *Lesson) (ledger.Demand, bool, error) {
	freeSNC := false
	if l.IsSNC {
		var err error
		freeSNC, err = w.Allowance.IsFreeSNC(ctx, l.StudentID, l.OccurredAt)
		if err != nil {
			return ledger.Demand{}, false, err
		}
	}

	tier, err := w.Tiers.CurrentTier(ctx, l.StudentID)
	if err != nil {
		return ledger.Demand{}, false, err
	}

	return ledger.Demand{
		LessonID:    l.ID,
		StudentID:   l.StudentID,
		Minutes:     l.ChargeableMinutes(freeSNC),
		Delivery:    l.Delivery,
		LengthCat:   l.LengthCat,
		StudentTier: tier,
		OccurredAt:  l.OccurredAt,
	}, freeSNC, nil
}

// =============================================================================
// DECLINE
// =============================================================================

// Decline transitions a pending lesson to declined. If a prior allocation
// exists (re-decline after an edit cycle) it is reversed first. Declining
// a confirmed lesson is rejected: confirmed is terminal.
func (w *Workflow) Decline(ctx context.Context, id ledger.LessonID, reason string) (*Lesson, error) {
	l, err := w.Lessons.GetLesson(ctx, id)
	if err != nil {
		return nil, err
	}
	switch l.State {
	case StateConfirmed:
		return nil, &ledger.StateConflictError{Op: "decline", Current: string(l.State),
			Message: "confirmed lessons cannot be declined"}
	case StateDeclined:
		return nil, &ledger.StateConflictError{Op: "decline", Current: string(l.State),
			Message: "lesson is already declined"}
	}

	reversed, err := w.Exec.Reverse(ctx, l.StudentID, l.ID)
	if err != nil {
		return nil, err
	}
	if reversed > 0 {
		w.Log.Info("reversed stale allocation on decline",
			zap.String("lesson_id", string(l.ID)),
			zap.Int("minutes", reversed))
	}

	l.State = StateDeclined
	l.DeclineReason = reason
	l.UpdatedAt = w.Now().UTC()
	if err := w.Lessons.UpdateLesson(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// =============================================================================
// EDIT
// =============================================================================

// EditRequest carries the fields that may change while pending. Nil means
// "leave unchanged".
type EditRequest struct {
	OccurredAt  *ledger.Date
	DurationMin *int
	Delivery    *ledger.Delivery
	LengthCat   *int
	IsSNC       *bool
	Notes       *string
}

// Edit updates a pending lesson. Editing after confirmation is rejected
// because it would invalidate the committed allocation.
func (w *Workflow) Edit(ctx context.Context, id ledger.LessonID, req EditRequest) (*Lesson, error) {
	l, err := w.Lessons.GetLesson(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State != StatePending {
		return nil, &ledger.StateConflictError{Op: "edit", Current: string(l.State),
			Message: "not editable after confirmation or decline"}
	}

	if req.OccurredAt != nil {
		l.OccurredAt = *req.OccurredAt
	}
	if req.DurationMin != nil {
		l.DurationMin = *req.DurationMin
	}
	if req.Delivery != nil {
		l.Delivery = *req.Delivery
	}
	if req.LengthCat != nil {
		l.LengthCat = *req.LengthCat
	}
	if req.IsSNC != nil {
		l.IsSNC = *req.IsSNC
	}
	if req.Notes != nil {
		l.Notes = *req.Notes
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}

	l.UpdatedAt = w.Now().UTC()
	if err := w.Lessons.UpdateLesson(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}
