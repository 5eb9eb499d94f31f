/*
errors.go - Centralized error taxonomy for the credit engine

PURPOSE:
  All error categories in one place. Every failure surfaced by this engine
  belongs to exactly one category so the request layer can translate it to
  a distinct status/message.

ERROR CATEGORIES:
  1. Validation   - malformed input; never retried
  2. NotFound     - referenced lesson/lot/student does not exist
  3. StateConflict - operation invalid for current state
  4. AllocationInfeasible - no eligible lots and overdraft disabled
  5. ConcurrencyConflict  - per-student lock contention; safe to retry
  6. Persistence  - storage failure; surfaced as fatal to the caller

USAGE:
  Callers classify with errors.Is:

    if errors.Is(err, ledger.ErrStateConflict) { ... }

  or with the helpers IsRetryable / IsClientError / IsNotFound.

SEE ALSO:
  - executor.go: Produces StateConflict / ConcurrencyConflict
  - planner.go:  Produces AllocationInfeasible
  - api:         Maps categories to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (missing required
	// field, wrong enum value, non-positive minutes).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced lesson/lot/student does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when an operation is invalid for the
	// current state (editing a confirmed lesson, re-allocating an
	// already-allocated lesson, declining a confirmed lesson).
	ErrStateConflict = errors.New("state conflict")

	// ErrAllocationInfeasible is returned when no eligible lots exist and
	// overdraft creation is disabled for the operation.
	ErrAllocationInfeasible = errors.New("allocation infeasible")

	// ErrConcurrencyConflict is returned on per-student lock contention
	// timeout. Safe to retry with backoff.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPersistence wraps underlying storage failures. Not retried by
	// this engine.
	ErrPersistence = errors.New("persistence failure")

	// ErrStoreRequired is returned when an operation needs an extended
	// store interface the configured store does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string // "lesson", "lot", "student"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateConflictError reports an operation rejected for the current state.
type StateConflictError struct {
	Op      string
	Current string
	Message string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: %s (current state: %s)", e.Op, e.Message, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// AlreadyAllocatedError is the re-allocation guard: allocation is a
// one-time event per lesson.
type AlreadyAllocatedError struct {
	LessonID LessonID
}

func (e *AlreadyAllocatedError) Error() string {
	return fmt.Sprintf("lesson %s already has allocations; reverse before re-planning", e.LessonID)
}

func (e *AlreadyAllocatedError) Unwrap() error { return ErrStateConflict }

// InfeasibleError reports the unmet shortfall when overdrafts are disabled.
type InfeasibleError struct {
	StudentID StudentID
	Shortfall int
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("no eligible credit for student %s: %d minutes unmet and overdraft disabled",
		e.StudentID, e.Shortfall)
}

func (e *InfeasibleError) Unwrap() error { return ErrAllocationInfeasible }

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Unwrap reports the category; the wrapped driver error is in Err.
func (e *PersistenceError) Unwrap() error { return ErrPersistence }

// LockTimeoutError reports per-student lock contention.
type LockTimeoutError struct {
	StudentID StudentID
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for in-flight operation on student %s", e.StudentID)
}

func (e *LockTimeoutError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or an invalid operation for the current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrAllocationInfeasible)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
