/*
expiry.go - Expiry policy evaluation

PURPOSE:
  Pure decision function: is a lot usable on a given date under its expiry
  policy? This is deliberately tiny and side-effect free so the planner can
  call it per candidate lot and tests can enumerate the truth table.

POLICIES:
  none:      always usable
  advisory:  usable even past the expiry date; the planner surfaces a
             warning, never a block
  mandatory: usable while asOf <= expiryDate, OR with an explicit admin
             override (the override is logged by the caller)

  A lot with no expiry date is always usable regardless of policy - there
  is no date to compare.

SEE ALSO:
  - planner.go: Applies Usable during candidate filtering
*/
package ledger

// Usable reports whether the lot's expiry policy permits use on asOf.
// adminOverride bypasses the mandatory-expiry block only; it is not a
// general eligibility bypass.
func Usable(lot *CreditLot, asOf Date, adminOverride bool) bool {
	if lot.ExpiryDate == nil {
		return true
	}
	switch lot.ExpiryPolicy {
	case ExpiryNone, ExpiryAdvisory:
		return true
	case ExpiryMandatory:
		if asOf.BeforeOrEqual(*lot.ExpiryDate) {
			return true
		}
		return adminOverride
	default:
		return false
	}
}

// ExpiryWarning returns a human-readable advisory for lots used past their
// expiry date, or "" when no warning applies.
func ExpiryWarning(lot *CreditLot, asOf Date) string {
	if lot.ExpiryDate == nil || asOf.BeforeOrEqual(*lot.ExpiryDate) {
		return ""
	}
	switch lot.ExpiryPolicy {
	case ExpiryAdvisory:
		return "lot is past its advisory expiry date"
	case ExpiryMandatory:
		return "lot is past its mandatory expiry date (admin override)"
	default:
		return ""
	}
}

// SortExpiry returns the lot's expiry date for priority ordering, with a
// null expiry treated as the maximum sentinel date.
func SortExpiry(lot *CreditLot) Date {
	if lot.ExpiryDate == nil {
		return MaxDate()
	}
	return *lot.ExpiryDate
}
