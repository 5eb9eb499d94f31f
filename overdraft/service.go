/*
Package overdraft resolves negative balances.

PURPOSE:
  An overdraft lot carries a student's debt (MinutesAllocated above a zero
  grant). This package closes that debt out in one of two ways:

  - Settlement: a new positive lot of exactly the debt magnitude is
    created (an award or an invoice-backed purchase) and the debt is
    transferred onto it, leaving both lots net-zero for the balance while
    preserving every historical allocation row.
  - Write-off: the balance is zeroed without an offsetting lot, recorded
    as an append-only accounting entry. Write-offs run in either
    direction: forgiving debt, or voiding unused credit on account
    closure.

  Settlement never edits allocations - they stay pointing at the
  overdraft lot for audit. The overdraft lot itself stays open at zero so
  it can absorb future shortfalls (one open overdraft lot per student).

SEE ALSO:
  - ledger/executor.go: How overdraft lots come to exist
  - hazard/:            Negative-balance hazard reporting
*/
package overdraft

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorly/credit-engine/ledger"
)

// Service settles and writes off student balances.
type Service struct {
	Lots  ledger.TxStore
	Locks *ledger.StudentLocks
	Log   *zap.Logger

	Now func() time.Time
}

func NewService(lots ledger.TxStore, locks *ledger.StudentLocks, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Lots: lots, Locks: locks, Log: log, Now: time.Now}
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettleResult reports a settlement.
type SettleResult struct {
	// MinutesSettled is 0 when there was no debt to settle (no-op).
	MinutesSettled int
	OverdraftLot   *ledger.CreditLot
	SettledLot     *ledger.CreditLot
	Entry          *ledger.Settlement
}

// Settle transfers the student's overdraft debt onto a new positive lot.
// mode selects the lot source: an award (goodwill) or an invoice-backed
// purchase, in which case ref carries the invoice reference. Settling a
// zero balance is a no-op, not an error.
func (s *Service) Settle(ctx context.Context, studentID ledger.StudentID,
	mode ledger.SettlementMode, ref, note string) (*SettleResult, error) {

	if !mode.Valid() {
		return nil, &ledger.ValidationError{Field: "mode", Message: "must be award or invoice"}
	}
	if mode == ledger.SettleByInvoice && ref == "" {
		return nil, &ledger.ValidationError{Field: "ref", Message: "required for invoice settlement"}
	}

	release, err := s.Locks.Acquire(ctx, studentID)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SettleResult{}
	err = s.Lots.WithTx(ctx, func(st ledger.Store) error {
		od, err := s.openOverdraft(ctx, st, studentID)
		if err != nil {
			return err
		}
		if od == nil || od.MinutesAllocated <= 0 {
			result.OverdraftLot = od
			return nil // Nothing owed
		}

		debt := od.MinutesAllocated
		now := s.Now().UTC()

		settled := &ledger.CreditLot{
			ID:             ledger.LotID(uuid.NewString()),
			StudentID:      studentID,
			MinutesGranted: debt,
			// The transferred debt fully consumes the new lot.
			MinutesAllocated: debt,
			StartDate:        ledger.DateOf(now),
			ExpiryPolicy:     ledger.ExpiryNone,
			State:            ledger.LotOpen,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		switch mode {
		case ledger.SettleByAward:
			settled.Source = ledger.SourceAward
			settled.AwardReason = ledger.AwardGoodwill
		case ledger.SettleByInvoice:
			settled.Source = ledger.SourceInvoice
			settled.ExternalRef = ref
		}
		if err := st.CreateLot(ctx, settled); err != nil {
			return err
		}

		// Transfer the debt: the overdraft lot returns to zero and stays
		// open for future shortfalls.
		if err := st.AddAllocated(ctx, od.ID, -debt); err != nil {
			return err
		}

		entries, ok := st.(ledger.EntryWriter)
		if !ok {
			return ledger.ErrStoreRequired
		}
		entry := ledger.Settlement{
			ID:             uuid.NewString(),
			StudentID:      studentID,
			OverdraftLotID: od.ID,
			SettledLotID:   settled.ID,
			Mode:           mode,
			Ref:            ref,
			Minutes:        debt,
			Note:           note,
			CreatedAt:      now,
		}
		if err := entries.AppendSettlement(ctx, entry); err != nil {
			return err
		}

		od.MinutesAllocated = 0
		result.MinutesSettled = debt
		result.OverdraftLot = od
		result.SettledLot = settled
		result.Entry = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.MinutesSettled > 0 {
		s.Log.Info("overdraft settled",
			zap.String("student_id", string(studentID)),
			zap.String("mode", string(mode)),
			zap.Int("minutes", result.MinutesSettled))
	}
	return result, nil
}

// =============================================================================
// WRITE-OFF
// =============================================================================

// WriteOffResult reports a write-off.
type WriteOffResult struct {
	// Minutes is the magnitude written off; 0 when there was nothing to
	// write off (no-op).
	Minutes int
	Entry   *ledger.WriteOff
}

// WriteOff zeroes a balance without an offsetting lot. Direction negative
// forgives overdraft debt; direction positive voids unused credit by
// closing the student's open positive lots (account closure). The entry
// records the reason code and accounting period for reporting.
func (s *Service) WriteOff(ctx context.Context, studentID ledger.StudentID,
	reasonCode, accountingPeriod string, direction ledger.WriteOffDirection, note string) (*WriteOffResult, error) {

	if !direction.Valid() {
		return nil, &ledger.ValidationError{Field: "direction", Message: "must be positive or negative"}
	}
	if reasonCode == "" {
		return nil, &ledger.ValidationError{Field: "reason_code", Message: "required"}
	}

	release, err := s.Locks.Acquire(ctx, studentID)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &WriteOffResult{}
	err = s.Lots.WithTx(ctx, func(st ledger.Store) error {
		minutes, err := s.applyWriteOff(ctx, st, studentID, direction)
		if err != nil {
			return err
		}
		if minutes == 0 {
			return nil // Nothing to write off
		}

		entries, ok := st.(ledger.EntryWriter)
		if !ok {
			return ledger.ErrStoreRequired
		}
		entry := ledger.WriteOff{
			ID:               uuid.NewString(),
			StudentID:        studentID,
			ReasonCode:       reasonCode,
			AccountingPeriod: accountingPeriod,
			Direction:        direction,
			Minutes:          minutes,
			Note:             note,
			CreatedAt:        s.Now().UTC(),
		}
		if err := entries.AppendWriteOff(ctx, entry); err != nil {
			return err
		}

		result.Minutes = minutes
		result.Entry = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Minutes > 0 {
		s.Log.Info("balance written off",
			zap.String("student_id", string(studentID)),
			zap.String("direction", string(direction)),
			zap.String("reason_code", reasonCode),
			zap.Int("minutes", result.Minutes))
	}
	return result, nil
}

func (s *Service) applyWriteOff(ctx context.Context, st ledger.Store,
	studentID ledger.StudentID, direction ledger.WriteOffDirection) (int, error) {

	switch direction {
	case ledger.WriteOffNegative:
		od, err := s.openOverdraft(ctx, st, studentID)
		if err != nil {
			return 0, err
		}
		if od == nil || od.MinutesAllocated <= 0 {
			return 0, nil
		}
		debt := od.MinutesAllocated
		if err := st.AddAllocated(ctx, od.ID, -debt); err != nil {
			return 0, err
		}
		return debt, nil

	case ledger.WriteOffPositive:
		lots, err := st.OpenLots(ctx, studentID)
		if err != nil {
			return 0, err
		}
		total := 0
		for _, lot := range lots {
			if lot.IsOverdraft() {
				continue
			}
			remaining := lot.MinutesRemaining()
			if remaining <= 0 {
				continue
			}
			if err := st.SetLotState(ctx, lot.ID, ledger.LotClosed); err != nil {
				return 0, err
			}
			total += remaining
		}
		return total, nil
	}
	return 0, nil
}

func (s *Service) openOverdraft(ctx context.Context, st ledger.Store,
	studentID ledger.StudentID) (*ledger.CreditLot, error) {

	lots, err := st.OpenLots(ctx, studentID)
	if err != nil {
		return nil, err
	}
	for _, lot := range lots {
		if lot.IsOverdraft() {
			return lot, nil
		}
	}
	return nil, nil
}

// =============================================================================
// BALANCE QUERIES
// =============================================================================

// TotalRemaining is the student's net balance across open lots; negative
// when overdraft debt exceeds positive credit.
func (s *Service) TotalRemaining(ctx context.Context, studentID ledger.StudentID) (int, error) {
	return s.Lots.TotalRemaining(ctx, studentID)
}

// CheckZeroBalance guards the student past/archival transition: a student
// cannot be marked past while any balance, positive or negative, remains.
func (s *Service) CheckZeroBalance(ctx context.Context, studentID ledger.StudentID) error {
	total, err := s.Lots.TotalRemaining(ctx, studentID)
	if err != nil {
		return err
	}
	if total != 0 {
		return &ledger.StateConflictError{Op: "mark_past", Current: "active",
			Message: "student balance must be settled or written off first"}
	}
	return nil
}
