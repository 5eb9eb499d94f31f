/*
snc.go - Complimentary SNC allowance

PURPOSE:
  Decides whether a short-notice cancellation deducts minutes. A student
  gets a configured number of free SNCs per window; beyond that, an SNC is
  charged like a normal lesson.

  The window is injectable configuration, not a hard-coded value: the
  source material does not pin down lifetime vs rolling-period semantics,
  so both are supported and chosen in config.
*/
package lesson

import (
	"context"
	"time"

	"github.com/tutorly/credit-engine/config"
	"github.com/tutorly/credit-engine/ledger"
)

// AllowancePolicy resolves whether an SNC on a given date is free of
// charge for the student.
type AllowancePolicy interface {
	IsFreeSNC(ctx context.Context, studentID ledger.StudentID, at ledger.Date) (bool, error)
}

// ConfigAllowance implements AllowancePolicy from the [snc] configuration
// section, counting previously confirmed free SNCs in the window.
type ConfigAllowance struct {
	Lessons Store
	SNC     config.SNCConfig
}

func NewConfigAllowance(lessons Store, snc config.SNCConfig) *ConfigAllowance {
	return &ConfigAllowance{Lessons: lessons, SNC: snc}
}

func (a *ConfigAllowance) IsFreeSNC(ctx context.Context, studentID ledger.StudentID, at ledger.Date) (bool, error) {
	if a.SNC.FreeAllowance == 0 {
		return false, nil
	}

	from := ledger.NewDate(1, time.January, 1) // Lifetime window
	if a.SNC.Window == config.WindowRolling {
		from = at.AddDays(-a.SNC.PeriodDays)
	}

	used, err := a.Lessons.CountFreeSNC(ctx, studentID, from, at)
	if err != nil {
		return false, err
	}
	return used < a.SNC.FreeAllowance, nil
}
