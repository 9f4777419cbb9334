package billing

import "time"

// paidStatuses lists the provider statuses treated as settled. Matching is exact.
var paidStatuses = map[string]struct{}{
	"RECEIVED":         {},
	"CONFIRMED":        {},
	"RECEIVED_IN_CASH": {},
}

// IsPaidStatus reports whether the raw provider status counts as settled.
func IsPaidStatus(raw string) bool {
	_, ok := paidStatuses[raw]
	return ok
}

// Classify derives the user-facing status of a charge.
//
// A settled raw status wins regardless of due date. Otherwise the charge is overdue
// only when its due day ended before now: a charge due today stays pending until
// 23:59:59.999 of that day. Days are compared in the due date's location.
//
// Cancelled or refunded charges are not special-cased; a past-due REFUNDED charge is
// reported as overdue.
func Classify(rawStatus string, dueDate, now time.Time) DerivedStatus {
	if IsPaidStatus(rawStatus) {
		return StatusPaid
	}
	if endOfDay(dueDate).Before(now) {
		return StatusOverdue
	}
	return StatusPending
}

// ClassifyCharge attaches the derived status to a charge.
func ClassifyCharge(c Charge, now time.Time) ClassifiedCharge {
	return ClassifiedCharge{Charge: c, Status: Classify(c.RawStatus, c.DueDate, now)}
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), t.Location())
}
