package billing

import (
	"fmt"
	"time"
)

// DuePolicy fixes the days of month on which charges fall due.
type DuePolicy struct {
	// FirstDueDay is the day of month of the first charge.
	FirstDueDay int
	// RecurringDueDay is the day of month of every following charge.
	RecurringDueDay int
	// LeadMonths pushes the first charge that many months past the current one.
	LeadMonths int
}

// DefaultDuePolicy bills on the 10th, starting in the current cycle.
func DefaultDuePolicy() DuePolicy {
	return DuePolicy{FirstDueDay: 10, RecurringDueDay: 10}
}

// Validate checks that the configured days are usable.
func (p DuePolicy) Validate() error {
	if p.FirstDueDay < 1 || p.FirstDueDay > 31 {
		return fmt.Errorf("billing: first due day %d out of range", p.FirstDueDay)
	}
	if p.RecurringDueDay < 1 || p.RecurringDueDay > 31 {
		return fmt.Errorf("billing: recurring due day %d out of range", p.RecurringDueDay)
	}
	if p.LeadMonths < 0 {
		return fmt.Errorf("billing: lead months %d must not be negative", p.LeadMonths)
	}
	return nil
}

// FirstDueDate computes the due date of the first charge of a subscription created at
// now. When now is already on or past FirstDueDay the charge moves one month ahead.
func (p DuePolicy) FirstDueDate(now time.Time) time.Time {
	offset := p.LeadMonths
	if now.Day() >= p.FirstDueDay {
		offset++
	}
	return dayInMonth(now.Year(), now.Month()+time.Month(offset), p.FirstDueDay, now.Location())
}

// NextDueDate returns the first recurring due date strictly after after.
func (p DuePolicy) NextDueDate(after time.Time) time.Time {
	candidate := dayInMonth(after.Year(), after.Month(), p.RecurringDueDay, after.Location())
	if !candidate.After(truncateDay(after)) {
		candidate = dayInMonth(after.Year(), after.Month()+1, p.RecurringDueDay, after.Location())
	}
	return candidate
}

// Schedule lists count due dates starting at the first charge.
func (p DuePolicy) Schedule(now time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}
	out := make([]time.Time, 0, count)
	due := p.FirstDueDate(now)
	out = append(out, due)
	for len(out) < count {
		due = p.NextDueDate(due)
		out = append(out, due)
	}
	return out
}

// MonthWindow returns the first and last calendar day of month/year.
func MonthWindow(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1)
	return first, last
}

// dayInMonth builds a date clamping day to the length of the month, so the 31st
// becomes the 28th/29th in February. month may overflow; time.Date normalizes it.
func dayInMonth(year int, month time.Month, day int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, loc)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
