// Package warranty computes coverage windows for sold serial numbers.
package warranty

import "time"

// DaysPerMonth is the fixed month length used for warranty terms.
const DaysPerMonth = 30

type Window struct {
	End           time.Time
	RemainingDays int
	Active        bool
}

// Compute measures the window from the sale date. Remaining days are whole
// days between UTC midnights, never negative.
func Compute(saleDate time.Time, months int, now time.Time) Window {
	if months < 0 {
		months = 0
	}
	end := saleDate.UTC().AddDate(0, 0, months*DaysPerMonth)

	remaining := int(midnight(end).Sub(midnight(now)).Hours() / 24)
	if remaining < 0 {
		remaining = 0
	}
	return Window{End: end, RemainingDays: remaining, Active: remaining > 0}
}

func midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
