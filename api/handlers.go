/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Students:
    POST   /api/students                        Create student
    GET    /api/students/{id}                   Get student
    GET    /api/students/{id}/lots              All lots, any state
    GET    /api/students/{id}/balance           Total remaining minutes
    GET    /api/students/{id}/lessons           Lesson history
    POST   /api/students/{id}/lots              Invoice import / adjustment lot
    POST   /api/students/{id}/award-minutes     Award lot
    POST   /api/students/{id}/settle-overdraft  Settle overdraft debt
    POST   /api/students/{id}/write-off         Write off a balance
    POST   /api/students/{id}/status            Guarded status transition

  Lessons:
    POST   /api/lessons                Log a lesson (pending)
    GET    /api/lessons/{id}           Get lesson
    PUT    /api/lessons/{id}           Edit (pending only)
    POST   /api/lessons/{id}/preview   Plan without committing
    POST   /api/lessons/{id}/confirm   Confirm and allocate
    POST   /api/lessons/{id}/decline   Decline with reason
    GET    /api/lessons/{id}/hazards   Per-lesson hazard scan

  Hazards:
    GET    /api/hazards          Global scan
    POST   /api/hazards/resolve  Record an acknowledgment

ERROR HANDLING:
  Domain errors map to distinct statuses by category:
  - 400: validation
  - 404: not found
  - 409: state conflict
  - 422: allocation infeasible
  - 503: concurrency conflict (retryable)
  - 500: persistence / unknown

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tutorly/credit-engine/hazard"
	"github.com/tutorly/credit-engine/ledger"
	"github.com/tutorly/credit-engine/lesson"
	"github.com/tutorly/credit-engine/overdraft"
	"github.com/tutorly/credit-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Workflow  *lesson.Workflow
	Overdraft *overdraft.Service
	Detector  *hazard.Detector

	Now func() time.Time
}

func NewHandler(store *sqlite.Store, wf *lesson.Workflow, od *overdraft.Service, det *hazard.Detector) *Handler {
	return &Handler{
		Store:     store,
		Workflow:  wf,
		Overdraft: od,
		Detector:  det,
		Now:       time.Now,
	}
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// CreateStudent creates a new student.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	now := h.Now().UTC()
	st := &lesson.Student{
		ID:        ledger.StudentID(req.ID),
		Name:      req.Name,
		Tier:      req.Tier,
		Status:    lesson.StudentActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if st.ID == "" {
		st.ID = ledger.StudentID(uuid.NewString())
	}
	if err := st.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.CreateStudent(r.Context(), st); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toStudentDTO(st))
}

// GetStudent returns a single student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Store.GetStudent(r.Context(), ledger.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

// SetStudentStatus transitions a student's status. The past transition is
// refused while any balance remains.
func (h *Handler) SetStudentStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.StudentID(chi.URLParam(r, "id"))

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status := lesson.StudentStatus(req.Status)
	if !status.Valid() {
		writeDomainError(w, &ledger.ValidationError{Field: "status", Message: "must be active or past"})
		return
	}

	if _, err := h.Store.GetStudent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if status == lesson.StudentPast {
		if err := h.Overdraft.CheckZeroBalance(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if err := h.Store.SetStudentStatus(r.Context(), id, status); err != nil {
		writeDomainError(w, err)
		return
	}

	st, err := h.Store.GetStudent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

// GetStudentLots returns all of a student's lots, any state.
func (h *Handler) GetStudentLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Store.LotsByStudent(r.Context(), ledger.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// GetStudentBalance returns the total remaining minutes across open lots.
func (h *Handler) GetStudentBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.StudentID(chi.URLParam(r, "id"))
	total, err := h.Overdraft.TotalRemaining(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{StudentID: string(id), RemainingMinutes: total})
}

// GetStudentLessons returns a student's lesson history.
func (h *Handler) GetStudentLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.Store.LessonsByStudent(r.Context(), ledger.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LessonDTO, len(lessons))
	for i, l := range lessons {
		dtos[i] = toLessonDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// CreateLot creates an invoice-import or adjustment lot.
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	studentID := ledger.StudentID(chi.URLParam(r, "id"))

	var req CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	source := ledger.SourceType(req.SourceType)
	if source != ledger.SourceInvoice && source != ledger.SourceAdjustment {
		writeDomainError(w, &ledger.ValidationError{Field: "source_type",
			Message: "must be invoice or adjustment (use award-minutes for awards)"})
		return
	}

	lot, err := h.buildLot(studentID, source, req.MinutesGranted, req.StartDate,
		req.ExpiryDate, req.ExpiryPolicy, req.LengthRestriction,
		req.DeliveryRestriction, req.TierRestriction)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lot.ExternalRef = req.ExternalRef

	if err := h.createLot(w, r, lot); err != nil {
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTO(lot))
}

// AwardMinutes creates an award lot with a reason code.
func (h *Handler) AwardMinutes(w http.ResponseWriter, r *http.Request) {
	studentID := ledger.StudentID(chi.URLParam(r, "id"))

	var req AwardMinutesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lot, err := h.buildLot(studentID, ledger.SourceAward, req.MinutesGranted,
		req.StartDate, req.ExpiryDate, req.ExpiryPolicy, req.LengthRestriction,
		req.DeliveryRestriction, req.TierRestriction)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lot.AwardReason = ledger.AwardReason(req.AwardReasonCode)

	if err := h.createLot(w, r, lot); err != nil {
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTO(lot))
}

func (h *Handler) buildLot(studentID ledger.StudentID, source ledger.SourceType,
	granted int, startDate, expiryDate, expiryPolicy string,
	lengthRestriction int, deliveryRestriction, tierRestriction string) (*ledger.CreditLot, error) {

	if granted <= 0 {
		return nil, &ledger.ValidationError{Field: "minutes_granted", Message: "must be > 0"}
	}

	start, err := ledger.ParseDate(startDate)
	if err != nil {
		return nil, &ledger.ValidationError{Field: "start_date", Message: err.Error()}
	}

	now := h.Now().UTC()
	lot := &ledger.CreditLot{
		ID:                  ledger.LotID(uuid.NewString()),
		StudentID:           studentID,
		Source:              source,
		MinutesGranted:      granted,
		StartDate:           start,
		ExpiryPolicy:        ledger.ExpiryPolicy(expiryPolicy),
		LengthRestriction:   lengthRestriction,
		DeliveryRestriction: ledger.Delivery(deliveryRestriction),
		TierRestriction:     tierRestriction,
		State:               ledger.LotOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if expiryDate != "" {
		d, err := ledger.ParseDate(expiryDate)
		if err != nil {
			return nil, &ledger.ValidationError{Field: "expiry_date", Message: err.Error()}
		}
		lot.ExpiryDate = &d
	}
	// Default policy: mandatory when an expiry date is given, none otherwise.
	if lot.ExpiryPolicy == "" {
		if lot.ExpiryDate != nil {
			lot.ExpiryPolicy = ledger.ExpiryMandatory
		} else {
			lot.ExpiryPolicy = ledger.ExpiryNone
		}
	}

	return lot, nil
}

// createLot verifies the student exists and persists the lot. On failure
// it writes the error response and returns it so callers just return.
func (h *Handler) createLot(w http.ResponseWriter, r *http.Request, lot *ledger.CreditLot) error {
	if err := lot.Validate(); err != nil {
		writeDomainError(w, err)
		return err
	}
	if _, err := h.Store.GetStudent(r.Context(), lot.StudentID); err != nil {
		writeDomainError(w, err)
		return err
	}
	if err := h.Store.CreateLot(r.Context(), lot); err != nil {
		writeDomainError(w, err)
		return err
	}
	return nil
}

// =============================================================================
// LESSON HANDLERS
// =============================================================================

// CreateLesson logs a lesson in the pending state.
func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req CreateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	occurred, err := ledger.ParseDate(req.OccurredAt)
	if err != nil {
		writeDomainError(w, &ledger.ValidationError{Field: "occurred_at", Message: err.Error()})
		return
	}

	if _, err := h.Store.GetStudent(r.Context(), ledger.StudentID(req.StudentID)); err != nil {
		writeDomainError(w, err)
		return
	}

	l, err := h.Workflow.LogLesson(r.Context(), &lesson.Lesson{
		StudentID:   ledger.StudentID(req.StudentID),
		TeacherID:   req.TeacherID,
		OccurredAt:  occurred,
		DurationMin: req.DurationMin,
		Delivery:    ledger.Delivery(req.Delivery),
		LengthCat:   req.LengthCat,
		IsSNC:       req.IsSNC,
		Notes:       req.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toLessonDTO(l))
}

// GetLesson returns a single lesson.
func (h *Handler) GetLesson(w http.ResponseWriter, r *http.Request) {
	l, err := h.Store.GetLesson(r.Context(), ledger.LessonID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonDTO(l))
}

// EditLesson updates a pending lesson.
func (h *Handler) EditLesson(w http.ResponseWriter, r *http.Request) {
	var req EditLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	edit := lesson.EditRequest{
		DurationMin: req.DurationMin,
		LengthCat:   req.LengthCat,
		IsSNC:       req.IsSNC,
		Notes:       req.Notes,
	}
	if req.OccurredAt != nil {
		d, err := ledger.ParseDate(*req.OccurredAt)
		if err != nil {
			writeDomainError(w, &ledger.ValidationError{Field: "occurred_at", Message: err.Error()})
			return
		}
		edit.OccurredAt = &d
	}
	if req.Delivery != nil {
		d := ledger.Delivery(*req.Delivery)
		edit.Delivery = &d
	}

	l, err := h.Workflow.Edit(r.Context(), ledger.LessonID(chi.URLParam(r, "id")), edit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonDTO(l))
}

// PreviewLesson runs the planner without committing.
func (h *Handler) PreviewLesson(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	plan, err := h.Workflow.Preview(r.Context(), ledger.LessonID(chi.URLParam(r, "id")), req.Override)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// ConfirmLesson confirms a pending lesson, committing its allocation.
func (h *Handler) ConfirmLesson(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	result, err := h.Workflow.Confirm(r.Context(), ledger.LessonID(chi.URLParam(r, "id")), req.Override, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	confirmationsTotal.Inc()
	if result.Commit.CreatedOverdraft {
		overdraftsCreatedTotal.Inc()
	}

	resp := ConfirmResponse{
		Lesson:            toLessonDTO(result.Lesson),
		ChargeableMinutes: result.ChargeableMinutes,
		FreeSNC:           result.FreeSNC,
		Allocations:       []AllocationDTO{},
		CreatedOverdraft:  result.Commit.CreatedOverdraft,
	}
	for _, a := range result.Commit.Allocations {
		resp.Allocations = append(resp.Allocations, AllocationDTO{
			ID: string(a.ID), LotID: string(a.LotID), Minutes: a.Minutes,
		})
	}
	if plan := result.Commit.Plan; plan != nil {
		resp.OverdraftMinutes = plan.OverdraftMinutes
		for _, warn := range plan.Warnings {
			resp.Warnings = append(resp.Warnings, WarningDTO{LotID: string(warn.LotID), Message: warn.Message})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeclineLesson declines a pending lesson.
func (h *Handler) DeclineLesson(w http.ResponseWriter, r *http.Request) {
	var req DeclineRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	l, err := h.Workflow.Decline(r.Context(), ledger.LessonID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	declinesTotal.Inc()
	writeJSON(w, http.StatusOK, toLessonDTO(l))
}

// GetLessonHazards scans one lesson's confirmed allocations.
func (h *Handler) GetLessonHazards(w http.ResponseWriter, r *http.Request) {
	id := ledger.LessonID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetLesson(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	hazards, err := h.Detector.ScanLesson(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHazardDTOs(hazards))
}

// =============================================================================
// OVERDRAFT HANDLERS
// =============================================================================

// SettleOverdraft settles a student's overdraft debt.
func (h *Handler) SettleOverdraft(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := ledger.StudentID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetStudent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.Overdraft.Settle(r.Context(), id, ledger.SettlementMode(req.Mode), req.Ref, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := SettleResponse{MinutesSettled: result.MinutesSettled}
	if result.SettledLot != nil {
		settlementsTotal.Inc()
		dto := toLotDTO(result.SettledLot)
		resp.SettledLot = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// WriteOffBalance writes off a student's balance in either direction.
func (h *Handler) WriteOffBalance(w http.ResponseWriter, r *http.Request) {
	var req WriteOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := ledger.StudentID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetStudent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.Overdraft.WriteOff(r.Context(), id, req.ReasonCode,
		req.AccountingPeriod, ledger.WriteOffDirection(req.Direction), req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if result.Minutes > 0 {
		writeOffsTotal.Inc()
	}
	writeJSON(w, http.StatusOK, WriteOffResponse{Minutes: result.Minutes})
}

// =============================================================================
// HAZARD HANDLERS
// =============================================================================

// ListHazards runs the global scan.
func (h *Handler) ListHazards(w http.ResponseWriter, r *http.Request) {
	hazards, err := h.Detector.Scan(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	counts := make(map[string]int)
	for _, hz := range hazards {
		if !hz.Resolved {
			counts[string(hz.Kind)]++
		}
	}
	recordHazardScan(counts)

	writeJSON(w, http.StatusOK, toHazardDTOs(hazards))
}

// ResolveHazard records an acknowledgment annotation.
func (h *Handler) ResolveHazard(w http.ResponseWriter, r *http.Request) {
	var req ResolveHazardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Detector.Resolve(r.Context(), hazard.Resolution{
		Kind:         hazard.Kind(req.HazardType),
		LessonID:     ledger.LessonID(req.LessonID),
		AllocationID: ledger.AllocationID(req.AllocationID),
		LotID:        ledger.LotID(req.LotID),
		Note:         req.Note,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": res.ID})
}

// Health is a liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func toStudentDTO(st *lesson.Student) StudentDTO {
	return StudentDTO{
		ID:        string(st.ID),
		Name:      st.Name,
		Tier:      st.Tier,
		Status:    string(st.Status),
		CreatedAt: st.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var status int
	switch {
	case errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
		resp.Code = "validation"
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
		resp.Code = "not_found"
	case errors.Is(err, ledger.ErrStateConflict):
		status = http.StatusConflict
		resp.Code = "state_conflict"
	case errors.Is(err, ledger.ErrAllocationInfeasible):
		status = http.StatusUnprocessableEntity
		resp.Code = "allocation_infeasible"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		status = http.StatusServiceUnavailable
		resp.Code = "concurrency_conflict"
		resp.Retryable = true
	default:
		status = http.StatusInternalServerError
		resp.Code = "internal"
	}

	writeJSON(w, status, resp)
}
