package overdraft_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/credit-engine/ledger"
	"github.com/tutorly/credit-engine/ledger/store"
	"github.com/tutorly/credit-engine/overdraft"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService() (*overdraft.Service, *store.Memory) {
	mem := store.NewMemory()
	svc := overdraft.NewService(mem, ledger.NewStudentLocks(ledger.DefaultLockTimeout), nil)
	return svc, mem
}

func seedLot(t *testing.T, mem *store.Memory, l *ledger.CreditLot) {
	t.Helper()
	require.NoError(t, mem.CreateLot(context.Background(), l))
}

func overdraftLot(debt int) *ledger.CreditLot {
	return &ledger.CreditLot{
		ID:               "od-1",
		StudentID:        "stu-1",
		Source:           ledger.SourceOverdraft,
		MinutesAllocated: debt,
		StartDate:        ledger.NewDate(2025, time.January, 1),
		ExpiryPolicy:     ledger.ExpiryNone,
		State:            ledger.LotOpen,
	}
}

func invoiceLot(id string, granted, allocated int) *ledger.CreditLot {
	return &ledger.CreditLot{
		ID:               ledger.LotID(id),
		StudentID:        "stu-1",
		Source:           ledger.SourceInvoice,
		MinutesGranted:   granted,
		MinutesAllocated: allocated,
		StartDate:        ledger.NewDate(2025, time.January, 1),
		ExpiryPolicy:     ledger.ExpiryNone,
		State:            ledger.LotOpen,
	}
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestSettle_TransfersDebtToNewLot(t *testing.T) {
	// GIVEN: 45 minutes of overdraft debt
	// WHEN: Settling by invoice
	// THEN: A new invoice lot of exactly 45 granted-and-consumed minutes
	//       absorbs the debt; the overdraft lot returns to zero and stays
	//       open

	svc, mem := newTestService()
	ctx := context.Background()
	seedLot(t, mem, overdraftLot(45))

	result, err := svc.Settle(ctx, "stu-1", ledger.SettleByInvoice, "INV-2025-014", "june invoice")
	require.NoError(t, err)

	assert.Equal(t, 45, result.MinutesSettled)
	require.NotNil(t, result.SettledLot)
	assert.Equal(t, ledger.SourceInvoice, result.SettledLot.Source)
	assert.Equal(t, "INV-2025-014", result.SettledLot.ExternalRef)
	assert.Equal(t, 45, result.SettledLot.MinutesGranted)
	assert.Equal(t, 0, result.SettledLot.MinutesRemaining())

	od, err := mem.GetLot(ctx, "od-1")
	require.NoError(t, err)
	assert.Equal(t, 0, od.MinutesAllocated)
	assert.Equal(t, ledger.LotOpen, od.State, "overdraft lot stays open for future shortfalls")

	entries := mem.Settlements()
	require.Len(t, entries, 1)
	assert.Equal(t, 45, entries[0].Minutes)
	assert.Equal(t, ledger.LotID("od-1"), entries[0].OverdraftLotID)
	assert.Equal(t, result.SettledLot.ID, entries[0].SettledLotID)
}

func TestSettle_ByAward_GoodwillLot(t *testing.T) {
	svc, mem := newTestService()
	seedLot(t, mem, overdraftLot(30))

	result, err := svc.Settle(context.Background(), "stu-1", ledger.SettleByAward, "", "hardship")
	require.NoError(t, err)

	assert.Equal(t, ledger.SourceAward, result.SettledLot.Source)
	assert.Equal(t, ledger.AwardGoodwill, result.SettledLot.AwardReason)
}

func TestSettle_ZeroBalance_Idempotent(t *testing.T) {
	// GIVEN: An overdraft lot with no debt
	// WHEN: Settling (twice)
	// THEN: MinutesSettled = 0, no new lot, no entry

	svc, mem := newTestService()
	ctx := context.Background()
	seedLot(t, mem, overdraftLot(0))

	for i := 0; i < 2; i++ {
		result, err := svc.Settle(ctx, "stu-1", ledger.SettleByAward, "", "")
		require.NoError(t, err)
		assert.Equal(t, 0, result.MinutesSettled)
		assert.Nil(t, result.SettledLot)
	}

	lots, err := mem.LotsByStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Len(t, lots, 1, "no settlement lot created")
	assert.Empty(t, mem.Settlements())
}

func TestSettle_NoOverdraftLot_NoOp(t *testing.T) {
	svc, _ := newTestService()

	result, err := svc.Settle(context.Background(), "stu-1", ledger.SettleByAward, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.MinutesSettled)
}

func TestSettle_InvoiceMode_RequiresRef(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Settle(context.Background(), "stu-1", ledger.SettleByInvoice, "", "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// WRITE-OFF
// =============================================================================

func TestWriteOff_Negative_ForgivesDebt(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()
	seedLot(t, mem, overdraftLot(80))

	result, err := svc.WriteOff(ctx, "stu-1", "uncollectable", "2025-Q2", ledger.WriteOffNegative, "")
	require.NoError(t, err)

	assert.Equal(t, 80, result.Minutes)

	od, err := mem.GetLot(ctx, "od-1")
	require.NoError(t, err)
	assert.Equal(t, 0, od.MinutesAllocated)

	entries := mem.WriteOffs()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.WriteOffNegative, entries[0].Direction)
	assert.Equal(t, "uncollectable", entries[0].ReasonCode)
	assert.Equal(t, "2025-Q2", entries[0].AccountingPeriod)
}

func TestWriteOff_Positive_ClosesUnusedCredit(t *testing.T) {
	// GIVEN: Two open lots with 70 unused minutes between them
	// WHEN: Writing off positive credit (account closure)
	// THEN: Both lots close; the write-off records the 70 voided minutes

	svc, mem := newTestService()
	ctx := context.Background()
	seedLot(t, mem, invoiceLot("inv-1", 60, 20))
	seedLot(t, mem, invoiceLot("inv-2", 30, 0))

	result, err := svc.WriteOff(ctx, "stu-1", "account_closed", "2025-Q2", ledger.WriteOffPositive, "")
	require.NoError(t, err)

	assert.Equal(t, 70, result.Minutes)

	for _, id := range []ledger.LotID{"inv-1", "inv-2"} {
		l, err := mem.GetLot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.LotClosed, l.State)
	}

	total, err := mem.TotalRemaining(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestWriteOff_NothingToWriteOff_NoEntry(t *testing.T) {
	svc, mem := newTestService()

	result, err := svc.WriteOff(context.Background(), "stu-1", "cleanup", "", ledger.WriteOffNegative, "")
	require.NoError(t, err)

	assert.Equal(t, 0, result.Minutes)
	assert.Empty(t, mem.WriteOffs())
}

func TestWriteOff_MissingReasonCode_Rejected(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.WriteOff(context.Background(), "stu-1", "", "", ledger.WriteOffNegative, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// BALANCE GUARD
// =============================================================================

func TestCheckZeroBalance_GuardsPastTransition(t *testing.T) {
	// GIVEN: A student with outstanding debt
	// WHEN: Checking the archival precondition
	// THEN: StateConflict until the balance is settled or written off

	svc, mem := newTestService()
	ctx := context.Background()
	seedLot(t, mem, overdraftLot(25))

	err := svc.CheckZeroBalance(ctx, "stu-1")
	assert.ErrorIs(t, err, ledger.ErrStateConflict)

	_, err = svc.WriteOff(ctx, "stu-1", "uncollectable", "", ledger.WriteOffNegative, "")
	require.NoError(t, err)

	assert.NoError(t, svc.CheckZeroBalance(ctx, "stu-1"))
}

func TestTotalRemaining_NetOfDebt(t *testing.T) {
	svc, mem := newTestService()
	seedLot(t, mem, invoiceLot("inv-1", 60, 0))
	seedLot(t, mem, overdraftLot(20))

	total, err := svc.TotalRemaining(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 40, total)
}
