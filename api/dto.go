/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Structural validation (required fields, enums) lives in the domain
  types; handlers only parse and translate. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/tutorly/credit-engine/hazard"
	"github.com/tutorly/credit-engine/ledger"
	"github.com/tutorly/credit-engine/lesson"
)

// =============================================================================
// STUDENT TYPES
// =============================================================================

type StudentDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Tier      string `json:"tier,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreateStudentRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Tier string `json:"tier,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type BalanceDTO struct {
	StudentID        string `json:"student_id"`
	RemainingMinutes int    `json:"remaining_minutes"`
}

// =============================================================================
// LOT TYPES
// =============================================================================

type LotDTO struct {
	ID                  string `json:"id"`
	StudentID           string `json:"student_id"`
	SourceType          string `json:"source_type"`
	AwardReasonCode     string `json:"award_reason_code,omitempty"`
	ExternalRef         string `json:"external_ref,omitempty"`
	MinutesGranted      int    `json:"minutes_granted"`
	MinutesAllocated    int    `json:"minutes_allocated"`
	MinutesRemaining    int    `json:"minutes_remaining"`
	StartDate           string `json:"start_date"`
	ExpiryDate          string `json:"expiry_date,omitempty"`
	ExpiryPolicy        string `json:"expiry_policy"`
	LengthRestriction   int    `json:"length_restriction,omitempty"`
	DeliveryRestriction string `json:"delivery_restriction,omitempty"`
	TierRestriction     string `json:"tier_restriction,omitempty"`
	State               string `json:"state"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// CreateLotRequest covers invoice imports and manual adjustment lots.
// Award lots go through the award-minutes endpoint.
type CreateLotRequest struct {
	SourceType          string `json:"source_type"`
	ExternalRef         string `json:"external_ref,omitempty"`
	MinutesGranted      int    `json:"minutes_granted"`
	StartDate           string `json:"start_date"`
	ExpiryDate          string `json:"expiry_date,omitempty"`
	ExpiryPolicy        string `json:"expiry_policy,omitempty"`
	LengthRestriction   int    `json:"length_restriction,omitempty"`
	DeliveryRestriction string `json:"delivery_restriction,omitempty"`
	TierRestriction     string `json:"tier_restriction,omitempty"`
}

type AwardMinutesRequest struct {
	MinutesGranted      int    `json:"minutes_granted"`
	AwardReasonCode     string `json:"award_reason_code"`
	StartDate           string `json:"start_date"`
	ExpiryDate          string `json:"expiry_date,omitempty"`
	ExpiryPolicy        string `json:"expiry_policy,omitempty"`
	LengthRestriction   int    `json:"length_restriction,omitempty"`
	DeliveryRestriction string `json:"delivery_restriction,omitempty"`
	TierRestriction     string `json:"tier_restriction,omitempty"`
}

// =============================================================================
// LESSON TYPES
// =============================================================================

type LessonDTO struct {
	ID            string `json:"id"`
	StudentID     string `json:"student_id"`
	TeacherID     string `json:"teacher_id"`
	OccurredAt    string `json:"occurred_at"`
	DurationMin   int    `json:"duration_min"`
	Delivery      string `json:"delivery"`
	LengthCat     int    `json:"length_cat"`
	IsSNC         bool   `json:"is_snc"`
	IsFreeSNC     bool   `json:"is_free_snc"`
	State         string `json:"state"`
	Notes         string `json:"notes,omitempty"`
	DeclineReason string `json:"decline_reason,omitempty"`
	ConfirmedAt   string `json:"confirmed_at,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type CreateLessonRequest struct {
	StudentID   string `json:"student_id"`
	TeacherID   string `json:"teacher_id"`
	OccurredAt  string `json:"occurred_at"`
	DurationMin int    `json:"duration_min"`
	Delivery    string `json:"delivery"`
	LengthCat   int    `json:"length_cat"`
	IsSNC       bool   `json:"is_snc"`
	Notes       string `json:"notes,omitempty"`
}

// EditLessonRequest uses pointers: nil means "leave unchanged".
type EditLessonRequest struct {
	OccurredAt  *string `json:"occurred_at,omitempty"`
	DurationMin *int    `json:"duration_min,omitempty"`
	Delivery    *string `json:"delivery,omitempty"`
	LengthCat   *int    `json:"length_cat,omitempty"`
	IsSNC       *bool   `json:"is_snc,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

type ConfirmRequest struct {
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type DeclineRequest struct {
	Reason string `json:"reason"`
}

type ConfirmResponse struct {
	Lesson            LessonDTO       `json:"lesson"`
	ChargeableMinutes int             `json:"chargeable_minutes"`
	FreeSNC           bool            `json:"free_snc"`
	Allocations       []AllocationDTO `json:"allocations"`
	OverdraftMinutes  int             `json:"overdraft_minutes,omitempty"`
	CreatedOverdraft  bool            `json:"created_overdraft,omitempty"`
	Warnings          []WarningDTO    `json:"warnings,omitempty"`
}

// =============================================================================
// PLAN / ALLOCATION TYPES
// =============================================================================

type AllocationDTO struct {
	ID      string `json:"id,omitempty"`
	LotID   string `json:"lot_id"`
	Minutes int    `json:"minutes"`
}

type WarningDTO struct {
	LotID   string `json:"lot_id"`
	Message string `json:"message"`
}

type PlanDTO struct {
	LessonID         string          `json:"lesson_id"`
	StudentID        string          `json:"student_id"`
	Entries          []AllocationDTO `json:"entries"`
	OverdraftMinutes int             `json:"overdraft_minutes"`
	TotalMinutes     int             `json:"total_minutes"`
	Warnings         []WarningDTO    `json:"warnings,omitempty"`
}

// =============================================================================
// OVERDRAFT TYPES
// =============================================================================

type SettleRequest struct {
	Mode string `json:"mode"` // "award" or "invoice"
	Ref  string `json:"ref,omitempty"`
	Note string `json:"note,omitempty"`
}

type SettleResponse struct {
	MinutesSettled int     `json:"minutes_settled"`
	SettledLot     *LotDTO `json:"settled_lot,omitempty"`
}

type WriteOffRequest struct {
	ReasonCode       string `json:"reason_code"`
	AccountingPeriod string `json:"accounting_period,omitempty"`
	Direction        string `json:"direction"` // "positive" or "negative"
	Note             string `json:"note,omitempty"`
}

type WriteOffResponse struct {
	Minutes int `json:"minutes"`
}

// =============================================================================
// HAZARD TYPES
// =============================================================================

type HazardDTO struct {
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	StudentID    string `json:"student_id"`
	LessonID     string `json:"lesson_id,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`
	LotID        string `json:"lot_id,omitempty"`
	Minutes      int    `json:"minutes,omitempty"`
	Message      string `json:"message"`
	Resolved     bool   `json:"resolved"`
}

type ResolveHazardRequest struct {
	HazardType   string `json:"hazard_type"`
	LessonID     string `json:"lesson_id,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`
	LotID        string `json:"lot_id,omitempty"`
	Note         string `json:"note,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toLotDTO(lot *ledger.CreditLot) LotDTO {
	dto := LotDTO{
		ID:                  string(lot.ID),
		StudentID:           string(lot.StudentID),
		SourceType:          string(lot.Source),
		AwardReasonCode:     string(lot.AwardReason),
		ExternalRef:         lot.ExternalRef,
		MinutesGranted:      lot.MinutesGranted,
		MinutesAllocated:    lot.MinutesAllocated,
		MinutesRemaining:    lot.MinutesRemaining(),
		StartDate:           lot.StartDate.String(),
		ExpiryPolicy:        string(lot.ExpiryPolicy),
		LengthRestriction:   lot.LengthRestriction,
		DeliveryRestriction: string(lot.DeliveryRestriction),
		TierRestriction:     lot.TierRestriction,
		State:               string(lot.State),
		CreatedAt:           lot.CreatedAt.Format(time.RFC3339),
	}
	if lot.ExpiryDate != nil {
		dto.ExpiryDate = lot.ExpiryDate.String()
	}
	return dto
}

func toLotDTOs(lots []*ledger.CreditLot) []LotDTO {
	dtos := make([]LotDTO, len(lots))
	for i, lot := range lots {
		dtos[i] = toLotDTO(lot)
	}
	return dtos
}

func toLessonDTO(l *lesson.Lesson) LessonDTO {
	dto := LessonDTO{
		ID:            string(l.ID),
		StudentID:     string(l.StudentID),
		TeacherID:     l.TeacherID,
		OccurredAt:    l.OccurredAt.String(),
		DurationMin:   l.DurationMin,
		Delivery:      string(l.Delivery),
		LengthCat:     l.LengthCat,
		IsSNC:         l.IsSNC,
		IsFreeSNC:     l.IsFreeSNC,
		State:         string(l.State),
		Notes:         l.Notes,
		DeclineReason: l.DeclineReason,
		CreatedAt:     l.CreatedAt.Format(time.RFC3339),
	}
	if l.ConfirmedAt != nil {
		dto.ConfirmedAt = l.ConfirmedAt.Format(time.RFC3339)
	}
	return dto
}

func toPlanDTO(p *ledger.Plan) PlanDTO {
	dto := PlanDTO{
		LessonID:         string(p.LessonID),
		StudentID:        string(p.StudentID),
		Entries:          []AllocationDTO{},
		OverdraftMinutes: p.OverdraftMinutes,
		TotalMinutes:     p.TotalMinutes(),
	}
	for _, e := range p.Entries {
		dto.Entries = append(dto.Entries, AllocationDTO{LotID: string(e.LotID), Minutes: e.Minutes})
	}
	for _, w := range p.Warnings {
		dto.Warnings = append(dto.Warnings, WarningDTO{LotID: string(w.LotID), Message: w.Message})
	}
	return dto
}

func toHazardDTO(h hazard.Hazard) HazardDTO {
	return HazardDTO{
		Type:         string(h.Kind),
		Severity:     string(h.Severity),
		StudentID:    string(h.StudentID),
		LessonID:     string(h.LessonID),
		AllocationID: string(h.AllocationID),
		LotID:        string(h.LotID),
		Minutes:      h.Minutes,
		Message:      h.Message,
		Resolved:     h.Resolved,
	}
}

func toHazardDTOs(hs []hazard.Hazard) []HazardDTO {
	dtos := make([]HazardDTO, len(hs))
	for i, h := range hs {
		dtos[i] = toHazardDTO(h)
	}
	return dtos
}
