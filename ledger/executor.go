/*
executor.go - Transactional application of allocation plans

PURPOSE:
  The executor is the only component that mutates lot balances. It applies
  a plan atomically: every allocation row is written and every lot's
  MinutesAllocated incremented, or nothing is.

INVARIANTS:
  - One-time allocation: re-committing a lesson that already has
    allocations is rejected (AlreadyAllocated). Correcting an allocation
    requires explicit reversal before re-planning.
  - No over-draw: a positive lot's balance is never taken below zero; any
    shortfall lives on the overdraft lot.
  - Singleton overdraft: at most one open overdraft lot per student,
    created on demand under the student's lock.

CONCURRENCY:
  Allocate spans read-candidate-lots -> plan -> write inside the student's
  exclusive lock, so concurrent confirmations for one student serialize.
  Preview is lock-free and may observe slightly stale data; it never
  mutates state. Once a commit begins it runs to completion or rolls back
  atomically - there is no partial/cancel-in-place state.

SEE ALSO:
  - planner.go: Pure plan computation
  - locks.go:   Per-student mutual exclusion
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Executor applies allocation plans against the store.
type Executor struct {
	Store TxStore
	Locks *StudentLocks

	// Now is injectable for tests.
	Now func() time.Time
}

func NewExecutor(store TxStore, locks *StudentLocks) *Executor {
	return &Executor{Store: store, Locks: locks, Now: time.Now}
}

// CommitResult reports what a commit wrote.
type CommitResult struct {
	Plan        *Plan
	Allocations []Allocation

	// OverdraftLot is set when the plan routed a shortfall; Created is
	// true when the lot was created by this commit.
	OverdraftLot     *CreditLot
	CreatedOverdraft bool
}

// Preview computes a plan without holding the student lock and without
// mutating anything. Admin preview endpoints use this.
func (e *Executor) Preview(ctx context.Context, demand Demand, opts PlanOptions) (*Plan, error) {
	lots, err := e.Store.OpenLots(ctx, demand.StudentID)
	if err != nil {
		return nil, err
	}
	return BuildPlan(demand, lots, opts)
}

// Allocate plans and commits in one critical section: the student lock
// spans reading candidate lots, planning, and writing, so two concurrent
// confirmations cannot double-spend the same lot minutes.
func (e *Executor) Allocate(ctx context.Context, demand Demand, opts PlanOptions) (*CommitResult, error) {
	release, err := e.Locks.Acquire(ctx, demand.StudentID)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *CommitResult
	err = e.Store.WithTx(ctx, func(st Store) error {
		lots, err := st.OpenLots(ctx, demand.StudentID)
		if err != nil {
			return err
		}
		plan, err := BuildPlan(demand, lots, opts)
		if err != nil {
			return err
		}
		result, err = e.apply(ctx, st, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Commit applies a precomputed plan under the student lock. If lot
// balances moved since planning the commit fails rather than over-draw;
// callers should re-plan (or use Allocate, which cannot go stale).
func (e *Executor) Commit(ctx context.Context, plan *Plan) (*CommitResult, error) {
	release, err := e.Locks.Acquire(ctx, plan.StudentID)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *CommitResult
	err = e.Store.WithTx(ctx, func(st Store) error {
		var err error
		result, err = e.apply(ctx, st, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reverse deletes a lesson's allocations and decrements the lots they
// drew from. Required before declining a lesson that was allocated after
// an edit, and part of lesson deletion. Returns the minutes reversed.
func (e *Executor) Reverse(ctx context.Context, studentID StudentID, lessonID LessonID) (int, error) {
	release, err := e.Locks.Acquire(ctx, studentID)
	if err != nil {
		return 0, err
	}
	defer release()

	total := 0
	err = e.Store.WithTx(ctx, func(st Store) error {
		allocs, err := st.AllocationsForLesson(ctx, lessonID)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			if err := st.AddAllocated(ctx, a.LotID, -a.Minutes); err != nil {
				return err
			}
			total += a.Minutes
		}
		return st.DeleteAllocationsForLesson(ctx, lessonID)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// apply writes a plan inside an open transaction.
func (e *Executor) apply(ctx context.Context, st Store, plan *Plan) (*CommitResult, error) {
	existing, err := st.AllocationsForLesson(ctx, plan.LessonID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, &AlreadyAllocatedError{LessonID: plan.LessonID}
	}

	now := e.Now().UTC()
	result := &CommitResult{Plan: plan}

	for _, entry := range plan.Entries {
		lot, err := st.GetLot(ctx, entry.LotID)
		if err != nil {
			return nil, err
		}
		if lot.State != LotOpen {
			return nil, &StateConflictError{Op: "commit", Current: string(lot.State),
				Message: "planned lot is no longer open"}
		}
		if !lot.IsOverdraft() && lot.MinutesRemaining() < entry.Minutes {
			return nil, &StateConflictError{Op: "commit", Current: string(lot.State),
				Message: "lot balance changed since planning"}
		}
		if err := e.writeAllocation(ctx, st, result, plan.LessonID, entry.LotID, entry.Minutes, now); err != nil {
			return nil, err
		}
	}

	if plan.OverdraftMinutes > 0 {
		od, created, err := e.ensureOverdraft(ctx, st, plan.StudentID, plan.OverdraftLotID, now)
		if err != nil {
			return nil, err
		}
		if err := e.writeAllocation(ctx, st, result, plan.LessonID, od.ID, plan.OverdraftMinutes, now); err != nil {
			return nil, err
		}
		od.MinutesAllocated += plan.OverdraftMinutes
		result.OverdraftLot = od
		result.CreatedOverdraft = created
	}

	return result, nil
}

func (e *Executor) writeAllocation(ctx context.Context, st Store, result *CommitResult,
	lessonID LessonID, lotID LotID, minutes int, now time.Time) error {

	alloc := Allocation{
		ID:        AllocationID(uuid.NewString()),
		LessonID:  lessonID,
		LotID:     lotID,
		Minutes:   minutes,
		CreatedAt: now,
	}
	if err := st.InsertAllocation(ctx, alloc); err != nil {
		return err
	}
	if err := st.AddAllocated(ctx, lotID, minutes); err != nil {
		return err
	}
	result.Allocations = append(result.Allocations, alloc)
	return nil
}

// ensureOverdraft returns the student's open overdraft lot, creating the
// lazily-created singleton if none exists. Runs under the student lock.
func (e *Executor) ensureOverdraft(ctx context.Context, st Store, studentID StudentID,
	planned LotID, now time.Time) (*CreditLot, bool, error) {

	if planned != "" {
		lot, err := st.GetLot(ctx, planned)
		if err != nil {
			return nil, false, err
		}
		return lot, false, nil
	}

	// Re-check inside the transaction: the plan may predate a concurrent
	// settlement that opened one.
	lots, err := st.OpenLots(ctx, studentID)
	if err != nil {
		return nil, false, err
	}
	if od := openOverdraft(lots); od != nil {
		return od, false, nil
	}

	od := &CreditLot{
		ID:           LotID(uuid.NewString()),
		StudentID:    studentID,
		Source:       SourceOverdraft,
		StartDate:    DateOf(now),
		ExpiryPolicy: ExpiryNone,
		State:        LotOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.CreateLot(ctx, od); err != nil {
		return nil, false, err
	}
	return od, true, nil
}
