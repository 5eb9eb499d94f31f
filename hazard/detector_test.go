package hazard_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/credit-engine/hazard"
	"github.com/tutorly/credit-engine/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// stubSource feeds the detector fixed data.
type stubSource struct {
	allocations []hazard.ConfirmedAllocation
	lots        []*ledger.CreditLot
	resolutions []hazard.Resolution
}

func (s *stubSource) ConfirmedAllocations(context.Context) ([]hazard.ConfirmedAllocation, error) {
	return s.allocations, nil
}

func (s *stubSource) ConfirmedAllocationsForLesson(_ context.Context, lessonID ledger.LessonID) ([]hazard.ConfirmedAllocation, error) {
	var result []hazard.ConfirmedAllocation
	for _, a := range s.allocations {
		if a.Allocation.LessonID == lessonID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *stubSource) AllLots(context.Context) ([]*ledger.CreditLot, error) {
	return s.lots, nil
}

func (s *stubSource) Resolutions(context.Context) ([]hazard.Resolution, error) {
	return s.resolutions, nil
}

func (s *stubSource) SaveResolution(_ context.Context, r hazard.Resolution) error {
	s.resolutions = append(s.resolutions, r)
	return nil
}

func restrictedLot(id string, delivery ledger.Delivery, length int) *ledger.CreditLot {
	return &ledger.CreditLot{
		ID:                  ledger.LotID(id),
		StudentID:           "stu-1",
		Source:              ledger.SourceInvoice,
		MinutesGranted:      60,
		MinutesAllocated:    60,
		StartDate:           ledger.NewDate(2025, time.January, 1),
		ExpiryPolicy:        ledger.ExpiryNone,
		DeliveryRestriction: delivery,
		LengthRestriction:   length,
		State:               ledger.LotOpen,
	}
}

func confirmedAlloc(lot *ledger.CreditLot, delivery ledger.Delivery, lengthCat int) hazard.ConfirmedAllocation {
	return hazard.ConfirmedAllocation{
		Allocation: ledger.Allocation{ID: "alloc-1", LessonID: "les-1", LotID: lot.ID, Minutes: 60},
		Lot:        lot,
		StudentID:  "stu-1",
		Delivery:   delivery,
		LengthCat:  lengthCat,
	}
}

// =============================================================================
// RESTRICTION SCANS
// =============================================================================

func TestScan_CounterDelivery_Warning(t *testing.T) {
	// GIVEN: An f2f-restricted lot that paid for an online lesson
	// WHEN: Scanning
	// THEN: A counter_delivery warning pointing at the allocation

	lot := restrictedLot("lot-1", ledger.DeliveryF2F, ledger.LengthAny)
	src := &stubSource{
		allocations: []hazard.ConfirmedAllocation{confirmedAlloc(lot, ledger.DeliveryOnline, ledger.Length60)},
	}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, hazards, 1)
	assert.Equal(t, hazard.KindCounterDelivery, hazards[0].Kind)
	assert.Equal(t, hazard.SeverityWarning, hazards[0].Severity)
	assert.Equal(t, ledger.AllocationID("alloc-1"), hazards[0].AllocationID)
	assert.False(t, hazards[0].Resolved)
}

func TestScan_LengthViolation_Warning(t *testing.T) {
	lot := restrictedLot("lot-1", ledger.DeliveryAny, ledger.Length90)
	src := &stubSource{
		allocations: []hazard.ConfirmedAllocation{confirmedAlloc(lot, ledger.DeliveryOnline, ledger.Length60)},
	}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, hazards, 1)
	assert.Equal(t, hazard.KindLengthViolation, hazards[0].Kind)
}

func TestScan_MatchingRestrictions_Clean(t *testing.T) {
	lot := restrictedLot("lot-1", ledger.DeliveryOnline, ledger.Length60)
	src := &stubSource{
		allocations: []hazard.ConfirmedAllocation{confirmedAlloc(lot, ledger.DeliveryOnline, ledger.Length60)},
	}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hazards)
}

// =============================================================================
// BALANCE SCANS
// =============================================================================

func TestScan_OverdraftBeyondGrace_Critical(t *testing.T) {
	// GIVEN: 150 minutes of overdraft debt against a 120-minute grace
	// WHEN: Scanning
	// THEN: A critical negative_balance hazard

	src := &stubSource{lots: []*ledger.CreditLot{{
		ID:               "od-1",
		StudentID:        "stu-1",
		Source:           ledger.SourceOverdraft,
		MinutesAllocated: 150,
		State:            ledger.LotOpen,
	}}}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, hazards, 1)
	assert.Equal(t, hazard.KindNegativeBalance, hazards[0].Kind)
	assert.Equal(t, hazard.SeverityCritical, hazards[0].Severity)
	assert.Equal(t, 150, hazards[0].Minutes)
}

func TestScan_OverdraftWithinGrace_Clean(t *testing.T) {
	src := &stubSource{lots: []*ledger.CreditLot{{
		ID:               "od-1",
		StudentID:        "stu-1",
		Source:           ledger.SourceOverdraft,
		MinutesAllocated: 120, // Exactly at the grace: not a hazard
		State:            ledger.LotOpen,
	}}}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hazards)
}

func TestScan_OverdrawnPositiveLot_Critical(t *testing.T) {
	// A non-overdraft lot below zero cannot result from planning; it is
	// always reported regardless of grace.
	src := &stubSource{lots: []*ledger.CreditLot{{
		ID:               "inv-1",
		StudentID:        "stu-1",
		Source:           ledger.SourceInvoice,
		MinutesGranted:   60,
		MinutesAllocated: 75,
		State:            ledger.LotOpen,
	}}}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, hazards, 1)
	assert.Equal(t, hazard.SeverityCritical, hazards[0].Severity)
	assert.Equal(t, 15, hazards[0].Minutes)
}

func TestScan_ClosedLots_Skipped(t *testing.T) {
	src := &stubSource{lots: []*ledger.CreditLot{{
		ID:               "od-1",
		StudentID:        "stu-1",
		Source:           ledger.SourceOverdraft,
		MinutesAllocated: 500,
		State:            ledger.LotClosed,
	}}}
	det := hazard.NewDetector(src, 120)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hazards)
}

// =============================================================================
// RESOLUTIONS
// =============================================================================

func TestResolve_MarksMatchingHazard(t *testing.T) {
	// GIVEN: A counter-delivery finding
	// WHEN: Recording an acknowledgment for the allocation and rescanning
	// THEN: The finding is flagged resolved; the underlying data is
	//       untouched so it still appears

	lot := restrictedLot("lot-1", ledger.DeliveryF2F, ledger.LengthAny)
	src := &stubSource{
		allocations: []hazard.ConfirmedAllocation{confirmedAlloc(lot, ledger.DeliveryOnline, ledger.Length60)},
	}
	det := hazard.NewDetector(src, 120)

	res, err := det.Resolve(context.Background(), hazard.Resolution{
		Kind:         hazard.KindCounterDelivery,
		AllocationID: "alloc-1",
		Note:         "override approved by admin",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, hazards, 1)
	assert.True(t, hazards[0].Resolved)
}

func TestResolve_DifferentKind_DoesNotMatch(t *testing.T) {
	lot := restrictedLot("lot-1", ledger.DeliveryF2F, ledger.LengthAny)
	src := &stubSource{
		allocations: []hazard.ConfirmedAllocation{confirmedAlloc(lot, ledger.DeliveryOnline, ledger.Length60)},
	}
	det := hazard.NewDetector(src, 120)

	_, err := det.Resolve(context.Background(), hazard.Resolution{
		Kind:         hazard.KindLengthViolation,
		AllocationID: "alloc-1",
	})
	require.NoError(t, err)

	hazards, err := det.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, hazards, 1)
	assert.False(t, hazards[0].Resolved)
}

func TestResolve_RequiresTarget(t *testing.T) {
	det := hazard.NewDetector(&stubSource{}, 120)

	_, err := det.Resolve(context.Background(), hazard.Resolution{Kind: hazard.KindNegativeBalance})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = det.Resolve(context.Background(), hazard.Resolution{Kind: "bogus", LotID: "lot-1"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
