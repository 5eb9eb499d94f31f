// Package store provides Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/tutorly/credit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	lots        map[ledger.LotID]*ledger.CreditLot
	allocations map[ledger.LessonID][]ledger.Allocation
	settlements []ledger.Settlement
	writeOffs   []ledger.WriteOff
}

func NewMemory() *Memory {
	return &Memory{
		lots:        make(map[ledger.LotID]*ledger.CreditLot),
		allocations: make(map[ledger.LessonID][]ledger.Allocation),
	}
}

func (m *Memory) CreateLot(_ context.Context, lot *ledger.CreditLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLotLocked(lot)
}

func (m *Memory) createLotLocked(lot *ledger.CreditLot) error {
	cp := *lot
	m.lots[lot.ID] = &cp
	return nil
}

func (m *Memory) GetLot(_ context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLotLocked(id)
}

func (m *Memory) getLotLocked(id ledger.LotID) (*ledger.CreditLot, error) {
	lot, ok := m.lots[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "lot", ID: string(id)}
	}
	cp := *lot
	return &cp, nil
}

func (m *Memory) OpenLots(_ context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotsLocked(studentID, true), nil
}

func (m *Memory) LotsByStudent(_ context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotsLocked(studentID, false), nil
}

func (m *Memory) lotsLocked(studentID ledger.StudentID, openOnly bool) []*ledger.CreditLot {
	var result []*ledger.CreditLot
	for _, lot := range m.lots {
		if lot.StudentID != studentID {
			continue
		}
		if openOnly && lot.State != ledger.LotOpen {
			continue
		}
		cp := *lot
		result = append(result, &cp)
	}
	return result
}

func (m *Memory) SetLotState(_ context.Context, id ledger.LotID, state ledger.LotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLotStateLocked(id, state)
}

func (m *Memory) setLotStateLocked(id ledger.LotID, state ledger.LotState) error {
	lot, ok := m.lots[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "lot", ID: string(id)}
	}
	lot.State = state
	return nil
}

func (m *Memory) AddAllocated(_ context.Context, id ledger.LotID, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addAllocatedLocked(id, delta)
}

func (m *Memory) addAllocatedLocked(id ledger.LotID, delta int) error {
	lot, ok := m.lots[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "lot", ID: string(id)}
	}
	lot.MinutesAllocated += delta
	return nil
}

func (m *Memory) InsertAllocation(_ context.Context, a ledger.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[a.LessonID] = append(m.allocations[a.LessonID], a)
	return nil
}

func (m *Memory) AllocationsForLesson(_ context.Context, lessonID ledger.LessonID) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Allocation, len(m.allocations[lessonID]))
	copy(result, m.allocations[lessonID])
	return result, nil
}

func (m *Memory) DeleteAllocationsForLesson(_ context.Context, lessonID ledger.LessonID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocations, lessonID)
	return nil
}

func (m *Memory) TotalRemaining(_ context.Context, studentID ledger.StudentID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, lot := range m.lots {
		if lot.StudentID == studentID && lot.State == ledger.LotOpen {
			total += lot.MinutesRemaining()
		}
	}
	return total, nil
}

// =============================================================================
// ENTRY WRITER (ledger.EntryWriter interface)
// =============================================================================

func (m *Memory) AppendSettlement(_ context.Context, s ledger.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = append(m.settlements, s)
	return nil
}

func (m *Memory) AppendWriteOff(_ context.Context, w ledger.WriteOff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeOffs = append(m.writeOffs, w)
	return nil
}

// Settlements returns the recorded settlement entries (tests).
func (m *Memory) Settlements() []ledger.Settlement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Settlement, len(m.settlements))
	copy(result, m.settlements)
	return result
}

// WriteOffs returns the recorded write-off entries (tests).
func (m *Memory) WriteOffs() []ledger.WriteOff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.WriteOff, len(m.writeOffs))
	copy(result, m.writeOffs)
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a simulated transaction: snapshot the state,
// restore it if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()

	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lots        map[ledger.LotID]*ledger.CreditLot
	allocations map[ledger.LessonID][]ledger.Allocation
	settlements []ledger.Settlement
	writeOffs   []ledger.WriteOff
}

func (m *Memory) snapshot() memorySnapshot {
	lotsCopy := make(map[ledger.LotID]*ledger.CreditLot, len(m.lots))
	for id, lot := range m.lots {
		cp := *lot
		lotsCopy[id] = &cp
	}
	allocCopy := make(map[ledger.LessonID][]ledger.Allocation, len(m.allocations))
	for id, allocs := range m.allocations {
		allocCopy[id] = append([]ledger.Allocation{}, allocs...)
	}
	return memorySnapshot{
		lots:        lotsCopy,
		allocations: allocCopy,
		settlements: append([]ledger.Settlement{}, m.settlements...),
		writeOffs:   append([]ledger.WriteOff{}, m.writeOffs...),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.lots = s.lots
	m.allocations = s.allocations
	m.settlements = s.settlements
	m.writeOffs = s.writeOffs
}

// txView accesses the parent's state without re-locking; the parent holds
// the write lock for the duration of WithTx.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateLot(_ context.Context, lot *ledger.CreditLot) error {
	return tv.parent.createLotLocked(lot)
}

func (tv *txView) GetLot(_ context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	return tv.parent.getLotLocked(id)
}

func (tv *txView) OpenLots(_ context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	return tv.parent.lotsLocked(studentID, true), nil
}

func (tv *txView) LotsByStudent(_ context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	return tv.parent.lotsLocked(studentID, false), nil
}

func (tv *txView) SetLotState(_ context.Context, id ledger.LotID, state ledger.LotState) error {
	return tv.parent.setLotStateLocked(id, state)
}

func (tv *txView) AddAllocated(_ context.Context, id ledger.LotID, delta int) error {
	return tv.parent.addAllocatedLocked(id, delta)
}

func (tv *txView) InsertAllocation(_ context.Context, a ledger.Allocation) error {
	tv.parent.allocations[a.LessonID] = append(tv.parent.allocations[a.LessonID], a)
	return nil
}

func (tv *txView) AllocationsForLesson(_ context.Context, lessonID ledger.LessonID) ([]ledger.Allocation, error) {
	return append([]ledger.Allocation{}, tv.parent.allocations[lessonID]...), nil
}

func (tv *txView) DeleteAllocationsForLesson(_ context.Context, lessonID ledger.LessonID) error {
	delete(tv.parent.allocations, lessonID)
	return nil
}

func (tv *txView) TotalRemaining(_ context.Context, studentID ledger.StudentID) (int, error) {
	total := 0
	for _, lot := range tv.parent.lots {
		if lot.StudentID == studentID && lot.State == ledger.LotOpen {
			total += lot.MinutesRemaining()
		}
	}
	return total, nil
}

func (tv *txView) AppendSettlement(_ context.Context, s ledger.Settlement) error {
	tv.parent.settlements = append(tv.parent.settlements, s)
	return nil
}

func (tv *txView) AppendWriteOff(_ context.Context, w ledger.WriteOff) error {
	tv.parent.writeOffs = append(tv.parent.writeOffs, w)
	return nil
}
