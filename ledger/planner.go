/*
planner.go - Allocation planning

PURPOSE:
  Given a lesson's chargeable demand and a student's open lots, decide
  exactly which lots pay for the lesson and in what order. Planning is a
  pure computation: it never mutates a lot. The executor applies the plan
  transactionally.

ALGORITHM:
  1. Filter candidates: delivery restriction (unrestricted or exact match),
     length restriction (unrestricted or exact match), tier restriction
     (unrestricted or matches the student's current tier), start date
     reached, and usable under the expiry policy for the lesson date.
     The overdraft lot is unrestricted by design and always eligible.
  2. Order by the priority tuple (sourceTypeRank, expiryDate asc with null
     as the maximum sentinel, startDate asc, lot id asc). The final id
     tie-break makes planning deterministic.
  3. Greedily consume: take min(remaining demand, lot remaining) from each
     lot until the demand is exhausted.
  4. Any unmet shortfall is routed to the student's single overdraft lot
     (created on demand by the executor if none is open).

EDGE CASES:
  - Zero chargeable minutes (free SNC) yields an empty plan, not an error.
  - adminOverride re-admits mandatory-expired lots only; restriction
    filters still apply.
  - When overdrafts are disallowed for the operation and a shortfall
    remains, planning fails with AllocationInfeasible.

SEE ALSO:
  - expiry.go:   Usability decision
  - executor.go: Transactional application of a plan
*/
package ledger

import "sort"

// =============================================================================
// DEMAND - What a lesson needs from the ledger
// =============================================================================

type Demand struct {
	LessonID    LessonID
	StudentID   StudentID
	Minutes     int // Chargeable minutes; 0 for a free SNC
	Delivery    Delivery
	LengthCat   int
	StudentTier string
	OccurredAt  Date
}

func (d Demand) Validate() error {
	if d.LessonID == "" {
		return &ValidationError{Field: "lesson_id", Message: "required"}
	}
	if d.StudentID == "" {
		return &ValidationError{Field: "student_id", Message: "required"}
	}
	if d.Minutes < 0 {
		return &ValidationError{Field: "minutes", Message: "must be >= 0"}
	}
	if d.Minutes > 0 && !d.Delivery.Valid() {
		return &ValidationError{Field: "delivery", Message: "must be online or f2f"}
	}
	if d.Minutes > 0 && !ValidLengthCat(d.LengthCat) {
		return &ValidationError{Field: "length_cat", Message: "must be 60, 90 or 120"}
	}
	return nil
}

// PlanOptions tune a single planning run.
type PlanOptions struct {
	// AdminOverride re-admits mandatory-expired lots (logged exception).
	AdminOverride bool

	// AllowOverdraft permits routing a shortfall to the overdraft lot.
	// Flows that forbid overdrafts fail with AllocationInfeasible instead.
	AllowOverdraft bool
}

// =============================================================================
// PLAN - Ordered (lot, minutes) pairs summing to the chargeable demand
// =============================================================================

type PlanEntry struct {
	LotID   LotID
	Minutes int
}

type PlanWarning struct {
	LotID   LotID
	Message string
}

type Plan struct {
	LessonID  LessonID
	StudentID StudentID

	Entries []PlanEntry

	// OverdraftMinutes is the shortfall routed to the overdraft lot.
	// OverdraftLotID is empty when no overdraft lot is open yet; the
	// executor creates one on demand under the student lock.
	OverdraftMinutes int
	OverdraftLotID   LotID

	Warnings []PlanWarning
}

// TotalMinutes is the plan's full coverage including the overdraft share.
func (p *Plan) TotalMinutes() int {
	total := p.OverdraftMinutes
	for _, e := range p.Entries {
		total += e.Minutes
	}
	return total
}

// =============================================================================
// PLANNER
// =============================================================================

// BuildPlan computes an allocation plan. Pure: candidate lots are read,
// never written. Candidates should be the student's open lots as of the
// lesson date.
func BuildPlan(demand Demand, candidates []*CreditLot, opts PlanOptions) (*Plan, error) {
	if err := demand.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{LessonID: demand.LessonID, StudentID: demand.StudentID}
	if demand.Minutes == 0 {
		return plan, nil
	}

	eligible := filterEligible(demand, candidates, opts.AdminOverride)
	orderByPriority(eligible)

	remaining := demand.Minutes
	for _, lot := range eligible {
		if remaining == 0 {
			break
		}
		available := lot.MinutesRemaining()
		if available <= 0 {
			continue
		}
		take := remaining
		if available < take {
			take = available
		}
		plan.Entries = append(plan.Entries, PlanEntry{LotID: lot.ID, Minutes: take})
		if msg := ExpiryWarning(lot, demand.OccurredAt); msg != "" {
			plan.Warnings = append(plan.Warnings, PlanWarning{LotID: lot.ID, Message: msg})
		}
		remaining -= take
	}

	if remaining > 0 {
		if !opts.AllowOverdraft {
			return nil, &InfeasibleError{StudentID: demand.StudentID, Shortfall: remaining}
		}
		plan.OverdraftMinutes = remaining
		if od := openOverdraft(candidates); od != nil {
			plan.OverdraftLotID = od.ID
		}
	}

	return plan, nil
}

// filterEligible applies the restriction filters and the expiry decision.
// Overdraft lots bypass all restrictions.
func filterEligible(demand Demand, candidates []*CreditLot, adminOverride bool) []*CreditLot {
	var eligible []*CreditLot
	for _, lot := range candidates {
		if lot.State != LotOpen {
			continue
		}
		if lot.IsOverdraft() {
			eligible = append(eligible, lot)
			continue
		}
		if demand.OccurredAt.Before(lot.StartDate) {
			continue
		}
		if lot.DeliveryRestriction != DeliveryAny && lot.DeliveryRestriction != demand.Delivery {
			continue
		}
		if lot.LengthRestriction != LengthAny && lot.LengthRestriction != demand.LengthCat {
			continue
		}
		if lot.TierRestriction != "" && lot.TierRestriction != demand.StudentTier {
			continue
		}
		if !Usable(lot, demand.OccurredAt, adminOverride) {
			continue
		}
		eligible = append(eligible, lot)
	}
	return eligible
}

// orderByPriority sorts lots by the total order (sourceTypeRank, expiry
// asc nulls-last, startDate asc, id asc). A comparator over an explicit
// tuple - no dynamic dispatch.
func orderByPriority(lots []*CreditLot) {
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if ra, rb := a.Source.Rank(), b.Source.Rank(); ra != rb {
			return ra < rb
		}
		if ea, eb := SortExpiry(a), SortExpiry(b); !ea.Equal(eb) {
			return ea.Before(eb)
		}
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.Before(b.StartDate)
		}
		return a.ID < b.ID
	})
}

func openOverdraft(lots []*CreditLot) *CreditLot {
	for _, lot := range lots {
		if lot.IsOverdraft() && lot.State == LotOpen {
			return lot
		}
	}
	return nil
}
