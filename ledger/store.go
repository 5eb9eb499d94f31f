/*
store.go - Persistence interfaces for lots and allocations

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:       Lot and allocation persistence
  TxStore:     Transactional scope (atomic multi-table writes)
  EntryWriter: Append-only settlement/write-off entries

MUTATION RULES:
  - Lots are created, balance-adjusted, and state-transitioned; never
    deleted. Closed/expired lots are retained for audit.
  - Allocations are inserted and (only for decline reversal / lesson
    deletion) deleted per lesson. Never updated.
  - Settlements and write-offs are append-only.

ATOMICITY:
  WithTx ensures all-or-nothing semantics: committing a plan writes every
  allocation row and every balance update, or none of them.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - ledger/store: In-memory for testing

SEE ALSO:
  - executor.go: Applies plans via WithTx
*/
package ledger

import "context"

// Store handles persistence of credit lots and allocations.
type Store interface {
	// CreateLot persists a new lot.
	CreateLot(ctx context.Context, lot *CreditLot) error

	// GetLot returns a lot, or a NotFoundError.
	GetLot(ctx context.Context, id LotID) (*CreditLot, error)

	// OpenLots returns a student's open lots.
	OpenLots(ctx context.Context, studentID StudentID) ([]*CreditLot, error)

	// LotsByStudent returns all of a student's lots, any state.
	LotsByStudent(ctx context.Context, studentID StudentID) ([]*CreditLot, error)

	// SetLotState transitions a lot's state.
	SetLotState(ctx context.Context, id LotID, state LotState) error

	// AddAllocated adjusts a lot's MinutesAllocated by delta (negative for
	// reversals and settlement transfers).
	AddAllocated(ctx context.Context, id LotID, delta int) error

	// InsertAllocation appends an allocation row.
	InsertAllocation(ctx context.Context, a Allocation) error

	// AllocationsForLesson returns a lesson's allocations.
	AllocationsForLesson(ctx context.Context, lessonID LessonID) ([]Allocation, error)

	// DeleteAllocationsForLesson removes a lesson's allocations. Only used
	// by reversal; balances are decremented by the caller first.
	DeleteAllocationsForLesson(ctx context.Context, lessonID LessonID) error

	// TotalRemaining sums MinutesRemaining across a student's open lots.
	// The student-status collaborator refuses a `past` transition while
	// this is non-zero.
	TotalRemaining(ctx context.Context, studentID StudentID) (int, error)
}

// TxStore wraps Store with transaction support. The Store passed to fn may
// implement extended interfaces (EntryWriter); callers that need them
// type-assert and fail with ErrStoreRequired otherwise.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// EntryWriter appends settlement and write-off ledger entries. Implemented
// by stores that persist the resolution history.
type EntryWriter interface {
	AppendSettlement(ctx context.Context, s Settlement) error
	AppendWriteOff(ctx context.Context, w WriteOff) error
}
