/*
Package hazard reports anomalies between confirmed allocations and the
restrictions of the lots they drew from.

PURPOSE:
  Hazards are derived, never stored: every scan recomputes them from the
  current allocations and lots, so a reversal or settlement makes the
  hazard disappear on the next scan without bookkeeping. Resolving a
  hazard records an append-only annotation that marks future occurrences
  of the same finding as acknowledged - it does not alter the underlying
  lot or allocation.

KINDS:
  counter_delivery: allocation's lot is delivery-restricted and the lesson
                    was delivered the other way. Can only arise from an
                    admin override or a data migration. Always a warning.
  length_violation: lot's length restriction doesn't match the lesson's
                    duration category. Warning.
  negative_balance: a positive lot drawn below zero (must not happen;
                    points at a bug or manual edit), or overdraft debt
                    beyond the configured grace threshold. Critical.

SEE ALSO:
  - ledger/planner.go: The restrictions these scans re-check
  - config/:           The overdraft grace threshold
*/
package hazard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutorly/credit-engine/ledger"
)

// =============================================================================
// HAZARD - A derived finding
// =============================================================================

type Kind string

const (
	KindCounterDelivery Kind = "counter_delivery"
	KindLengthViolation Kind = "length_violation"
	KindNegativeBalance Kind = "negative_balance"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCounterDelivery, KindLengthViolation, KindNegativeBalance:
		return true
	}
	return false
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Hazard is one finding. LessonID/AllocationID are set for the
// allocation-level kinds; negative_balance carries only the lot.
type Hazard struct {
	Kind      Kind
	Severity  Severity
	StudentID ledger.StudentID

	LessonID     ledger.LessonID
	AllocationID ledger.AllocationID
	LotID        ledger.LotID

	// Minutes is the magnitude for negative_balance findings (debt or
	// over-draw); zero for restriction mismatches.
	Minutes int

	Message string

	// Resolved is true when an annotation acknowledges this finding.
	Resolved bool
}

// Resolution is an append-only acknowledgment of a finding. It never
// mutates the lot or allocation it points at.
type Resolution struct {
	ID           string
	Kind         Kind
	LessonID     ledger.LessonID
	AllocationID ledger.AllocationID
	LotID        ledger.LotID
	Note         string
	CreatedAt    time.Time
}

func (r Resolution) Validate() error {
	if !r.Kind.Valid() {
		return &ledger.ValidationError{Field: "hazard_type", Message: fmt.Sprintf("unknown hazard type %q", r.Kind)}
	}
	if r.AllocationID == "" && r.LessonID == "" && r.LotID == "" {
		return &ledger.ValidationError{Field: "target", Message: "lesson_id, allocation_id or lot_id required"}
	}
	return nil
}

// =============================================================================
// SOURCE - Read-side data the scans need
// =============================================================================

// ConfirmedAllocation is one allocation joined with its lot and the
// lesson facts the restriction checks compare against.
type ConfirmedAllocation struct {
	Allocation ledger.Allocation
	Lot        *ledger.CreditLot
	StudentID  ledger.StudentID
	Delivery   ledger.Delivery
	LengthCat  int
}

// Source supplies scan inputs and persists resolutions. Implemented by
// the SQLite store.
type Source interface {
	// ConfirmedAllocations returns every allocation of a confirmed lesson,
	// joined with its lot and lesson facts.
	ConfirmedAllocations(ctx context.Context) ([]ConfirmedAllocation, error)

	// ConfirmedAllocationsForLesson scopes the join to one lesson.
	ConfirmedAllocationsForLesson(ctx context.Context, lessonID ledger.LessonID) ([]ConfirmedAllocation, error)

	// AllLots returns every lot, any student, any state.
	AllLots(ctx context.Context) ([]*ledger.CreditLot, error)

	// Resolutions returns all recorded annotations.
	Resolutions(ctx context.Context) ([]Resolution, error)

	// SaveResolution appends an annotation.
	SaveResolution(ctx context.Context, r Resolution) error
}

// =============================================================================
// DETECTOR
// =============================================================================

// Detector runs the scans. Lock-free: scans read current state and may
// observe in-flight commits; they never mutate lots or allocations.
type Detector struct {
	Src Source

	// GraceMinutes is the overdraft debt above which a negative_balance
	// hazard is reported for an overdraft lot. Debt at or below the grace
	// is considered a normal, settle-later state.
	GraceMinutes int

	Now func() time.Time
}

func NewDetector(src Source, graceMinutes int) *Detector {
	return &Detector{Src: src, GraceMinutes: graceMinutes, Now: time.Now}
}

// Scan recomputes every hazard across all students.
func (d *Detector) Scan(ctx context.Context) ([]Hazard, error) {
	rows, err := d.Src.ConfirmedAllocations(ctx)
	if err != nil {
		return nil, err
	}
	lots, err := d.Src.AllLots(ctx)
	if err != nil {
		return nil, err
	}
	resolutions, err := d.Src.Resolutions(ctx)
	if err != nil {
		return nil, err
	}

	hazards := d.scanAllocations(rows)
	hazards = append(hazards, d.scanBalances(lots)...)
	markResolved(hazards, resolutions)
	return hazards, nil
}

// ScanLesson recomputes the allocation-level hazards for one lesson.
func (d *Detector) ScanLesson(ctx context.Context, lessonID ledger.LessonID) ([]Hazard, error) {
	rows, err := d.Src.ConfirmedAllocationsForLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	resolutions, err := d.Src.Resolutions(ctx)
	if err != nil {
		return nil, err
	}

	hazards := d.scanAllocations(rows)
	markResolved(hazards, resolutions)
	return hazards, nil
}

// Resolve records an acknowledgment for a finding.
func (d *Detector) Resolve(ctx context.Context, r Resolution) (*Resolution, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = d.Now().UTC()
	if err := d.Src.SaveResolution(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// SCANS
// =============================================================================

func (d *Detector) scanAllocations(rows []ConfirmedAllocation) []Hazard {
	var hazards []Hazard
	for _, row := range rows {
		lot := row.Lot
		if lot == nil || lot.IsOverdraft() {
			continue
		}
		if lot.DeliveryRestriction != ledger.DeliveryAny && lot.DeliveryRestriction != row.Delivery {
			hazards = append(hazards, Hazard{
				Kind:         KindCounterDelivery,
				Severity:     SeverityWarning,
				StudentID:    row.StudentID,
				LessonID:     row.Allocation.LessonID,
				AllocationID: row.Allocation.ID,
				LotID:        lot.ID,
				Message: fmt.Sprintf("lot restricted to %s paid for a %s lesson",
					lot.DeliveryRestriction, row.Delivery),
			})
		}
		if lot.LengthRestriction != ledger.LengthAny && lot.LengthRestriction != row.LengthCat {
			hazards = append(hazards, Hazard{
				Kind:         KindLengthViolation,
				Severity:     SeverityWarning,
				StudentID:    row.StudentID,
				LessonID:     row.Allocation.LessonID,
				AllocationID: row.Allocation.ID,
				LotID:        lot.ID,
				Message: fmt.Sprintf("lot restricted to %d-minute lessons paid for a %d-minute lesson",
					lot.LengthRestriction, row.LengthCat),
			})
		}
	}
	return hazards
}

func (d *Detector) scanBalances(lots []*ledger.CreditLot) []Hazard {
	var hazards []Hazard
	for _, lot := range lots {
		if lot.State != ledger.LotOpen {
			continue
		}
		if lot.IsOverdraft() {
			if debt := lot.MinutesAllocated; debt > d.GraceMinutes {
				hazards = append(hazards, Hazard{
					Kind:      KindNegativeBalance,
					Severity:  SeverityCritical,
					StudentID: lot.StudentID,
					LotID:     lot.ID,
					Minutes:   debt,
					Message:   fmt.Sprintf("overdraft debt of %d minutes exceeds the %d-minute grace", debt, d.GraceMinutes),
				})
			}
			continue
		}
		// A positive lot below zero cannot result from normal planning.
		if remaining := lot.MinutesRemaining(); remaining < 0 {
			hazards = append(hazards, Hazard{
				Kind:      KindNegativeBalance,
				Severity:  SeverityCritical,
				StudentID: lot.StudentID,
				LotID:     lot.ID,
				Minutes:   -remaining,
				Message:   fmt.Sprintf("non-overdraft lot over-drawn by %d minutes", -remaining),
			})
		}
	}
	return hazards
}

// markResolved flags findings acknowledged by a matching annotation: same
// kind, and the annotation's most specific target matches (allocation,
// else lesson, else lot).
func markResolved(hazards []Hazard, resolutions []Resolution) {
	for i := range hazards {
		for _, r := range resolutions {
			if r.Kind != hazards[i].Kind {
				continue
			}
			if matches(hazards[i], r) {
				hazards[i].Resolved = true
				break
			}
		}
	}
}

func matches(h Hazard, r Resolution) bool {
	if r.AllocationID != "" {
		return r.AllocationID == h.AllocationID
	}
	if r.LessonID != "" {
		return r.LessonID == h.LessonID
	}
	if r.LotID != "" {
		return r.LotID == h.LotID
	}
	return false
}
