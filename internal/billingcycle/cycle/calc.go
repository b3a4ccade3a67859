// Package cycle implements payment-cycle window arithmetic. All functions are
// pure: calendar-day granularity, inputs normalized to UTC midnight, inclusive
// end dates.
package cycle

import (
	"time"

	subdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
)

const (
	daysMonthly   = 30
	daysQuarterly = 90
	daysYearly    = 365

	// RenewalWindowDays is how many days before the next cycle start a
	// renewal cycle may be proposed.
	RenewalWindowDays = 10
)

// Window is one billable period with an inclusive end date.
type Window struct {
	Start time.Time
	End   time.Time
}

// DaysForFrequency returns the flat day count for a billing frequency.
// Months are never calendar-length; usage-based plans default to monthly.
func DaysForFrequency(freq subdomain.BillingFrequency) int {
	switch freq {
	case subdomain.FrequencyQuarterly:
		return daysQuarterly
	case subdomain.FrequencyYearly:
		return daysYearly
	case subdomain.FrequencyMonthly, subdomain.FrequencyUsageBased:
		return daysMonthly
	default:
		return daysMonthly
	}
}

// Midnight normalizes a timestamp to UTC midnight of its calendar day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CycleEnd returns the inclusive end date of a cycle starting at start.
func CycleEnd(start time.Time, freq subdomain.BillingFrequency) time.Time {
	return Midnight(start).AddDate(0, 0, DaysForFrequency(freq)-1)
}

// NextCycleStart returns the day after the previous cycle's inclusive end.
func NextCycleStart(prevEnd time.Time) time.Time {
	return Midnight(prevEnd).AddDate(0, 0, 1)
}

// FirstCycle derives the initial window from the subscription start date.
func FirstCycle(subscriptionStart time.Time, freq subdomain.BillingFrequency) Window {
	start := Midnight(subscriptionStart)
	return Window{Start: start, End: CycleEnd(start, freq)}
}

// NextCycle derives the window following a cycle with the given end date.
func NextCycle(prevEnd time.Time, freq subdomain.BillingFrequency) Window {
	start := NextCycleStart(prevEnd)
	return Window{Start: start, End: CycleEnd(start, freq)}
}

// ShouldCreateNextCycle reports whether today falls inside the renewal
// window: at most RenewalWindowDays before the next cycle start and never
// after it. The window does not fire retroactively.
func ShouldCreateNextCycle(lastEnd time.Time, freq subdomain.BillingFrequency, today time.Time) bool {
	until := daysBetween(today, NextCycleStart(lastEnd))
	return until >= 0 && until <= RenewalWindowDays
}

// DaysUntilBilling returns the signed day count from today to the cycle end.
// Both dates are normalized to midnight so time-of-day never affects billing
// comparisons.
func DaysUntilBilling(cycleEnd, today time.Time) int {
	return daysBetween(today, cycleEnd)
}

func daysBetween(from, to time.Time) int {
	return int(Midnight(to).Sub(Midnight(from)).Hours() / 24)
}
