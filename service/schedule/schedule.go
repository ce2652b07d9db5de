// Package schedule computes the earliest time a payout may execute. Two
// constraints must hold independently: an aging period after the payment
// settled, and a complaint window after the purchased service ended. The
// later one wins.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidInput = errors.New("invalid schedule input")

// EligibleAt returns max(confirmedAt+aging, serviceWindowEnd+complaint).
// Pure: same inputs always give the same output, so callers may recompute
// freely when a confirmation arrives late.
func EligibleAt(paymentConfirmedAt, serviceWindowEnd time.Time, aging, complaint time.Duration) (time.Time, error) {
	if paymentConfirmedAt.IsZero() || serviceWindowEnd.IsZero() {
		return time.Time{}, fmt.Errorf("%w: zero timestamp", ErrInvalidInput)
	}
	if aging <= 0 || complaint <= 0 {
		return time.Time{}, fmt.Errorf("%w: non-positive duration", ErrInvalidInput)
	}

	byAging := paymentConfirmedAt.Add(aging)
	byComplaint := serviceWindowEnd.Add(complaint)
	if byAging.After(byComplaint) {
		return byAging, nil
	}
	return byComplaint, nil
}

// AgingPeriod converts the confirmation payload's day count. Rejects NaN,
// infinities and non-positive values so a corrupt payload can never produce
// a non-time schedule.
func AgingPeriod(days float64) (time.Duration, error) {
	return toDuration(days, 24*time.Hour)
}

// ComplaintWindow converts the payload's hour count.
func ComplaintWindow(hours float64) (time.Duration, error) {
	return toDuration(hours, time.Hour)
}

func toDuration(n float64, unit time.Duration) (time.Duration, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: not a finite number", ErrInvalidInput)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: non-positive duration %v", ErrInvalidInput, n)
	}
	return time.Duration(n * float64(unit)), nil
}
