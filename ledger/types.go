/*
Package ledger provides the core credit ledger and allocation engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking
  lesson-minute credit: credit lots, allocations linking lessons to lots,
  the expiry evaluator, the allocation planner, and the transactional
  allocation executor.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditLot: A bounded grant of lesson-minutes with source, restrictions,
    and expiry policy
  - Allocation: An immutable record of minutes drawn from one lot for one
    lesson
  - Settlement / WriteOff: Append-only entries recording how an outstanding
    balance was resolved

DESIGN PRINCIPLES:
  1. Integer minutes: the unit is whole minutes, arithmetic is exact
  2. Immutability: allocations are never updated; corrections go through
     explicit reversal
  3. Auditability: lots are never destroyed - closed/expired lots are
     retained
  4. Overdraft isolation: shortfall is routed to a dedicated overdraft lot,
     never borrowed from a positive lot

SEE ALSO:
  - expiry.go:   Expiry policy evaluation
  - planner.go:  Eligibility filtering, priority ordering, greedy allocation
  - executor.go: Atomic plan application
  - store.go:    Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LotID string
type StudentID string
type LessonID string
type AllocationID string

// =============================================================================
// SOURCE TYPE - Where a lot's minutes came from
// =============================================================================

type SourceType string

const (
	SourceInvoice    SourceType = "invoice"    // Purchased credit
	SourceAward      SourceType = "award"      // Manually awarded credit
	SourceAdjustment SourceType = "adjustment" // Admin correction
	SourceOverdraft  SourceType = "overdraft"  // Negative-balance carrier
)

// Rank returns the consumption priority of a source type. Lower ranks are
// drained first: paid credit before awarded credit, before touching the
// overdraft, with manual adjustments last.
func (s SourceType) Rank() int {
	switch s {
	case SourceInvoice:
		return 0
	case SourceAward:
		return 1
	case SourceOverdraft:
		return 2
	case SourceAdjustment:
		return 3
	default:
		return 4
	}
}

func (s SourceType) Valid() bool {
	switch s {
	case SourceInvoice, SourceAward, SourceAdjustment, SourceOverdraft:
		return true
	}
	return false
}

// AwardReason is set only on award-sourced lots.
type AwardReason string

const (
	AwardFreeCancellation AwardReason = "free_cancellation"
	AwardGoodwill         AwardReason = "goodwill"
	AwardPromo            AwardReason = "promo"
	AwardTrial            AwardReason = "trial"
)

func (r AwardReason) Valid() bool {
	switch r {
	case AwardFreeCancellation, AwardGoodwill, AwardPromo, AwardTrial:
		return true
	}
	return false
}

// =============================================================================
// RESTRICTIONS
// =============================================================================

// Delivery is the lesson delivery mode. On a lot, the empty string means
// unrestricted.
type Delivery string

const (
	DeliveryOnline Delivery = "online"
	DeliveryF2F    Delivery = "f2f"
	DeliveryAny    Delivery = "" // Lot restriction only
)

func (d Delivery) Valid() bool { return d == DeliveryOnline || d == DeliveryF2F }

// Length restriction values. Zero means unrestricted; otherwise the lot may
// only pay for lessons of exactly this duration category.
const (
	LengthAny = 0
	Length60  = 60
	Length90  = 90
	Length120 = 120
)

func ValidLengthCat(n int) bool { return n == Length60 || n == Length90 || n == Length120 }

func ValidLengthRestriction(n int) bool { return n == LengthAny || ValidLengthCat(n) }

// =============================================================================
// EXPIRY POLICY
// =============================================================================

type ExpiryPolicy string

const (
	// ExpiryNone never blocks: the lot has no expiry semantics.
	ExpiryNone ExpiryPolicy = "none"

	// ExpiryAdvisory is usable past the expiry date; callers surface a
	// warning, never a block.
	ExpiryAdvisory ExpiryPolicy = "advisory"

	// ExpiryMandatory blocks use past the expiry date unless an explicit
	// admin override is supplied. This is the only policy that can reject
	// a lot.
	ExpiryMandatory ExpiryPolicy = "mandatory"
)

func (p ExpiryPolicy) Valid() bool {
	switch p {
	case ExpiryNone, ExpiryAdvisory, ExpiryMandatory:
		return true
	}
	return false
}

// =============================================================================
// LOT STATE
// =============================================================================

type LotState string

const (
	LotOpen      LotState = "open"
	LotClosed    LotState = "closed"
	LotExpired   LotState = "expired"
	LotCancelled LotState = "cancelled"
)

// =============================================================================
// CREDIT LOT - Fungible, ring-fenced grant of minutes
// =============================================================================

type CreditLot struct {
	ID        LotID
	StudentID StudentID

	Source      SourceType
	AwardReason AwardReason // Only when Source == SourceAward
	ExternalRef string      // Only when Source == SourceInvoice

	// MinutesGranted is 0 for overdraft lots; overdraft debt is tracked as
	// MinutesAllocated exceeding the (zero) grant.
	MinutesGranted   int
	MinutesAllocated int

	StartDate    Date
	ExpiryDate   *Date
	ExpiryPolicy ExpiryPolicy

	LengthRestriction   int      // 0 = any, else 60/90/120
	DeliveryRestriction Delivery // "" = any
	TierRestriction     string   // "" = any

	State     LotState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MinutesRemaining is derived. Negative only for overdraft lots.
func (l *CreditLot) MinutesRemaining() int {
	return l.MinutesGranted - l.MinutesAllocated
}

func (l *CreditLot) IsOverdraft() bool { return l.Source == SourceOverdraft }

// Validate checks creation-time invariants. Balance invariants (no
// over-draw on positive lots) are the executor's responsibility.
func (l *CreditLot) Validate() error {
	if l.StudentID == "" {
		return &ValidationError{Field: "student_id", Message: "required"}
	}
	if !l.Source.Valid() {
		return &ValidationError{Field: "source_type", Message: fmt.Sprintf("unknown source type %q", l.Source)}
	}
	if l.Source == SourceAward && !l.AwardReason.Valid() {
		return &ValidationError{Field: "award_reason_code", Message: "required for award lots"}
	}
	if l.Source != SourceAward && l.AwardReason != "" {
		return &ValidationError{Field: "award_reason_code", Message: "only valid for award lots"}
	}
	if l.Source != SourceInvoice && l.ExternalRef != "" {
		return &ValidationError{Field: "external_ref", Message: "only valid for invoice lots"}
	}
	if l.MinutesGranted < 0 {
		return &ValidationError{Field: "minutes_granted", Message: "must be >= 0"}
	}
	if l.Source == SourceOverdraft && l.MinutesGranted != 0 {
		return &ValidationError{Field: "minutes_granted", Message: "overdraft lots carry no grant"}
	}
	if !l.ExpiryPolicy.Valid() {
		return &ValidationError{Field: "expiry_policy", Message: fmt.Sprintf("unknown expiry policy %q", l.ExpiryPolicy)}
	}
	if !ValidLengthRestriction(l.LengthRestriction) {
		return &ValidationError{Field: "length_restriction", Message: "must be 0, 60, 90 or 120"}
	}
	if l.DeliveryRestriction != DeliveryAny && !l.DeliveryRestriction.Valid() {
		return &ValidationError{Field: "delivery_restriction", Message: fmt.Sprintf("unknown delivery %q", l.DeliveryRestriction)}
	}
	return nil
}

// =============================================================================
// ALLOCATION - Immutable link from one lesson to one lot
// =============================================================================

type Allocation struct {
	ID        AllocationID
	LessonID  LessonID
	LotID     LotID
	Minutes   int // Always > 0
	CreatedAt time.Time
}

// =============================================================================
// SETTLEMENT / WRITE-OFF - Append-only resolution entries
// =============================================================================

type SettlementMode string

const (
	SettleByAward   SettlementMode = "award"
	SettleByInvoice SettlementMode = "invoice"
)

func (m SettlementMode) Valid() bool { return m == SettleByAward || m == SettleByInvoice }

// Settlement records the resolution of an overdraft lot: a new positive lot
// of exactly the overdraft magnitude absorbs the debt.
type Settlement struct {
	ID             string
	StudentID      StudentID
	OverdraftLotID LotID
	SettledLotID   LotID
	Mode           SettlementMode
	Ref            string
	Minutes        int
	Note           string
	CreatedAt      time.Time
}

type WriteOffDirection string

const (
	// WriteOffPositive forgives unused credit on positive lots.
	WriteOffPositive WriteOffDirection = "positive"
	// WriteOffNegative forgives overdraft debt.
	WriteOffNegative WriteOffDirection = "negative"
)

func (d WriteOffDirection) Valid() bool {
	return d == WriteOffPositive || d == WriteOffNegative
}

// WriteOff records a balance zeroed without an offsetting lot.
type WriteOff struct {
	ID               string
	StudentID        StudentID
	ReasonCode       string
	AccountingPeriod string
	Direction        WriteOffDirection
	Minutes          int
	Note             string
	CreatedAt        time.Time
}
