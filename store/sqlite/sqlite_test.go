package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/credit-engine/hazard"
	"github.com/tutorly/credit-engine/ledger"
	"github.com/tutorly/credit-engine/lesson"
	"github.com/tutorly/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleLot(id string) *ledger.CreditLot {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	return &ledger.CreditLot{
		ID:               ledger.LotID(id),
		StudentID:        "stu-1",
		Source:           ledger.SourceInvoice,
		ExternalRef:      "INV-001",
		MinutesGranted:   120,
		MinutesAllocated: 0,
		StartDate:        ledger.NewDate(2025, time.June, 1),
		ExpiryPolicy:     ledger.ExpiryNone,
		State:            ledger.LotOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func sampleLesson(id string) *lesson.Lesson {
	now := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	return &lesson.Lesson{
		ID:          ledger.LessonID(id),
		StudentID:   "stu-1",
		TeacherID:   "tea-1",
		OccurredAt:  ledger.NewDate(2025, time.June, 10),
		DurationMin: 60,
		Delivery:    ledger.DeliveryOnline,
		LengthCat:   ledger.Length60,
		State:       lesson.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// =============================================================================
// LOT STORE
// =============================================================================

func TestLot_RoundTrip(t *testing.T) {
	// GIVEN: A lot with an expiry date and restrictions
	// WHEN: Creating and reading it back
	// THEN: Every field survives the round trip

	store := newTestStore(t)
	ctx := context.Background()

	l := sampleLot("lot-1")
	expiry := ledger.NewDate(2025, time.December, 31)
	l.ExpiryDate = &expiry
	l.ExpiryPolicy = ledger.ExpiryMandatory
	l.DeliveryRestriction = ledger.DeliveryF2F
	l.LengthRestriction = ledger.Length90
	l.TierRestriction = "premium"
	require.NoError(t, store.CreateLot(ctx, l))

	got, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)

	assert.Equal(t, l.StudentID, got.StudentID)
	assert.Equal(t, l.Source, got.Source)
	assert.Equal(t, l.ExternalRef, got.ExternalRef)
	assert.Equal(t, l.MinutesGranted, got.MinutesGranted)
	assert.True(t, got.StartDate.Equal(l.StartDate))
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, got.ExpiryDate.Equal(expiry))
	assert.Equal(t, ledger.ExpiryMandatory, got.ExpiryPolicy)
	assert.Equal(t, ledger.DeliveryF2F, got.DeliveryRestriction)
	assert.Equal(t, ledger.Length90, got.LengthRestriction)
	assert.Equal(t, "premium", got.TierRestriction)
	assert.Equal(t, ledger.LotOpen, got.State)
}

func TestLot_NilExpiryDate_Preserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateLot(ctx, sampleLot("lot-1")))

	got, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Nil(t, got.ExpiryDate)
}

func TestLot_Missing_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLot(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = store.SetLotState(context.Background(), "nope", ledger.LotClosed)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = store.AddAllocated(context.Background(), "nope", 10)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestOpenLots_FiltersByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	open := sampleLot("open")
	closed := sampleLot("closed")
	closed.State = ledger.LotClosed
	other := sampleLot("other-student")
	other.StudentID = "stu-2"
	require.NoError(t, store.CreateLot(ctx, open))
	require.NoError(t, store.CreateLot(ctx, closed))
	require.NoError(t, store.CreateLot(ctx, other))

	lots, err := store.OpenLots(ctx, "stu-1")
	require.NoError(t, err)

	require.Len(t, lots, 1)
	assert.Equal(t, ledger.LotID("open"), lots[0].ID)
}

func TestAddAllocated_And_TotalRemaining(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateLot(ctx, sampleLot("lot-1")))

	require.NoError(t, store.AddAllocated(ctx, "lot-1", 45))

	got, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, 45, got.MinutesAllocated)

	total, err := store.TotalRemaining(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 75, total)
}

func TestAllocations_InsertQueryDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := ledger.Allocation{ID: "alloc-1", LessonID: "les-1", LotID: "lot-1", Minutes: 60, CreatedAt: time.Now()}
	require.NoError(t, store.InsertAllocation(ctx, a))

	allocs, err := store.AllocationsForLesson(ctx, "les-1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, 60, allocs[0].Minutes)

	require.NoError(t, store.DeleteAllocationsForLesson(ctx, "les-1"))

	allocs, err = store.AllocationsForLesson(ctx, "les-1")
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_ErrorRollsBack(t *testing.T) {
	// GIVEN: A transaction that writes then fails
	// WHEN: WithTx returns the error
	// THEN: None of the writes are visible

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateLot(ctx, sampleLot("lot-1")))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.AddAllocated(ctx, "lot-1", 30); err != nil {
			return err
		}
		if err := tx.CreateLot(ctx, sampleLot("lot-2")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.MinutesAllocated, "rolled back")

	_, err = store.GetLot(ctx, "lot-2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestWithTx_CommitPersists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateLot(ctx, sampleLot("lot-1")); err != nil {
			return err
		}
		return tx.AddAllocated(ctx, "lot-1", 30)
	})
	require.NoError(t, err)

	got, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, 30, got.MinutesAllocated)
}

func TestWithTx_StoreImplementsEntryWriter(t *testing.T) {
	// Settlement and write-off entries are appended inside the same
	// transaction as the balance moves they describe.
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		writer, ok := tx.(ledger.EntryWriter)
		require.True(t, ok, "transaction store must append entries")
		return writer.AppendSettlement(ctx, ledger.Settlement{
			ID:             "set-1",
			StudentID:      "stu-1",
			OverdraftLotID: "od-1",
			SettledLotID:   "lot-1",
			Mode:           ledger.SettleByAward,
			Minutes:        30,
			CreatedAt:      time.Now(),
		})
	})
	require.NoError(t, err)

	entries, err := store.SettlementsByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 30, entries[0].Minutes)
}

// =============================================================================
// LESSON STORE
// =============================================================================

func TestLesson_RoundTripAndUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := sampleLesson("les-1")
	require.NoError(t, store.CreateLesson(ctx, l))

	got, err := store.GetLesson(ctx, "les-1")
	require.NoError(t, err)
	assert.Equal(t, lesson.StatePending, got.State)
	assert.Nil(t, got.ConfirmedAt)

	confirmedAt := time.Date(2025, time.June, 11, 8, 0, 0, 0, time.UTC)
	got.State = lesson.StateConfirmed
	got.ConfirmedAt = &confirmedAt
	got.Notes = "makeup lesson"
	require.NoError(t, store.UpdateLesson(ctx, got))

	got, err = store.GetLesson(ctx, "les-1")
	require.NoError(t, err)
	assert.Equal(t, lesson.StateConfirmed, got.State)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedAt.Equal(confirmedAt))
	assert.Equal(t, "makeup lesson", got.Notes)
}

func TestLesson_Missing_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLesson(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = store.UpdateLesson(context.Background(), sampleLesson("nope"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCountFreeSNC_WindowAndFlags(t *testing.T) {
	// GIVEN: Confirmed free SNCs inside and outside the window, plus a
	//        pending one and a charged one inside it
	// WHEN: Counting over the window
	// THEN: Only the confirmed free SNC inside the window counts

	store := newTestStore(t)
	ctx := context.Background()

	inWindow := sampleLesson("in-window")
	inWindow.IsSNC = true
	inWindow.IsFreeSNC = true
	inWindow.State = lesson.StateConfirmed

	outside := sampleLesson("outside")
	outside.OccurredAt = ledger.NewDate(2025, time.April, 1)
	outside.IsSNC = true
	outside.IsFreeSNC = true
	outside.State = lesson.StateConfirmed

	pending := sampleLesson("pending")
	pending.IsSNC = true
	pending.IsFreeSNC = true

	charged := sampleLesson("charged")
	charged.IsSNC = true
	charged.State = lesson.StateConfirmed

	for _, l := range []*lesson.Lesson{inWindow, outside, pending, charged} {
		require.NoError(t, store.CreateLesson(ctx, l))
	}

	count, err := store.CountFreeSNC(ctx, "stu-1",
		ledger.NewDate(2025, time.June, 1), ledger.NewDate(2025, time.June, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// =============================================================================
// STUDENT STORE
// =============================================================================

func TestStudent_RoundTripStatusAndTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	st := &lesson.Student{
		ID:        "stu-1",
		Name:      "Ada",
		Tier:      "premium",
		Status:    lesson.StudentActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateStudent(ctx, st))

	got, err := store.GetStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
	assert.Equal(t, lesson.StudentActive, got.Status)

	tier, err := store.CurrentTier(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "premium", tier)

	require.NoError(t, store.SetStudentStatus(ctx, "stu-1", lesson.StudentPast))

	got, err = store.GetStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, lesson.StudentPast, got.Status)
}

func TestStudent_Missing_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetStudent(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = store.CurrentTier(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = store.SetStudentStatus(context.Background(), "nope", lesson.StudentPast)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// HAZARD SOURCE
// =============================================================================

func TestConfirmedAllocations_JoinsOnlyConfirmedLessons(t *testing.T) {
	// GIVEN: An allocation on a confirmed lesson and one on a pending lesson
	// WHEN: Reading the confirmed-allocation join
	// THEN: Only the confirmed lesson's allocation appears, with its lot
	//       and lesson facts attached

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateLot(ctx, sampleLot("lot-1")))

	confirmed := sampleLesson("les-confirmed")
	confirmed.State = lesson.StateConfirmed
	pending := sampleLesson("les-pending")
	require.NoError(t, store.CreateLesson(ctx, confirmed))
	require.NoError(t, store.CreateLesson(ctx, pending))

	require.NoError(t, store.InsertAllocation(ctx,
		ledger.Allocation{ID: "alloc-1", LessonID: "les-confirmed", LotID: "lot-1", Minutes: 60, CreatedAt: time.Now()}))
	require.NoError(t, store.InsertAllocation(ctx,
		ledger.Allocation{ID: "alloc-2", LessonID: "les-pending", LotID: "lot-1", Minutes: 60, CreatedAt: time.Now()}))

	rows, err := store.ConfirmedAllocations(ctx)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, ledger.AllocationID("alloc-1"), rows[0].Allocation.ID)
	assert.Equal(t, ledger.StudentID("stu-1"), rows[0].StudentID)
	assert.Equal(t, ledger.DeliveryOnline, rows[0].Delivery)
	assert.Equal(t, ledger.Length60, rows[0].LengthCat)
	require.NotNil(t, rows[0].Lot)
	assert.Equal(t, ledger.LotID("lot-1"), rows[0].Lot.ID)

	scoped, err := store.ConfirmedAllocationsForLesson(ctx, "les-pending")
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestResolutions_AppendAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := hazard.Resolution{
		ID:        "res-1",
		Kind:      hazard.KindCounterDelivery,
		LotID:     "lot-1",
		Note:      "acknowledged",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveResolution(ctx, r))

	got, err := store.Resolutions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hazard.KindCounterDelivery, got[0].Kind)
	assert.Equal(t, ledger.LotID("lot-1"), got[0].LotID)
	assert.Equal(t, "acknowledged", got[0].Note)
}
