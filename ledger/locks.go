/*
locks.go - Per-student mutual exclusion

PURPOSE:
  Guarantees at most one in-flight mutating operation per student. Two
  simultaneous confirmations for the same student serialize rather than
  interleave on the same lot's remaining balance; operations on different
  students proceed independently - there is no global lock.

MECHANISM:
  A keyed lock table: one single-slot channel per student id. Acquire
  blocks until the slot is free, the context is cancelled, or the
  configured timeout elapses (ConcurrencyConflict - safe to retry).

  Reads (preview, hazard scan, balances) never take the lock.
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a confirm/settle/write-off waits for
// another in-flight operation on the same student.
const DefaultLockTimeout = 5 * time.Second

type StudentLocks struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[StudentID]chan struct{}
}

func NewStudentLocks(timeout time.Duration) *StudentLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &StudentLocks{
		timeout: timeout,
		slots:   make(map[StudentID]chan struct{}),
	}
}

// Acquire takes the student's exclusive lock. The returned release func
// must be called exactly once. On contention timeout it returns a
// LockTimeoutError (ConcurrencyConflict).
func (l *StudentLocks) Acquire(ctx context.Context, id StudentID) (func(), error) {
	slot := l.slot(id)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &LockTimeoutError{StudentID: id}
	}
}

func (l *StudentLocks) slot(id StudentID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[id] = slot
	}
	return slot
}
