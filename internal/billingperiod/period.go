// Package billingperiod computes the active billing window for a user from
// their subscription anchor date.
package billingperiod

import (
	"time"
)

// Clock supplies the current time. Injected so tests can pin "now".
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the period.
func (p Period) Contains(ts time.Time) bool {
	return !ts.Before(p.Start) && ts.Before(p.End)
}

// Current returns the billing period covering now for a subscription
// anchored at anchor. Periods are consecutive one-month windows starting at
// the anchor; AddDate handles month-end clamping (an anchor on Jan 31 yields
// a period starting Feb 28/29 the next month, per time.AddDate semantics).
func Current(anchor, now time.Time) Period {
	if now.Before(anchor) {
		// Subscription not started yet; the first period still applies.
		return Period{Start: anchor, End: anchor.AddDate(0, 1, 0)}
	}

	// AddDate normalization can overshoot more than once for month-end
	// anchors (Jan 31 + 1 month is Mar 3), so walk back until the start is
	// at or before now. Terminates at months == 0 since anchor <= now here.
	months := monthsBetween(anchor, now)
	start := anchor.AddDate(0, months, 0)
	for start.After(now) {
		months--
		start = anchor.AddDate(0, months, 0)
	}
	end := anchor.AddDate(0, months+1, 0)
	return Period{Start: start, End: end}
}

// monthsBetween estimates whole months from anchor to now; Current corrects
// for clamping-induced overshoot.
func monthsBetween(anchor, now time.Time) int {
	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	if months < 0 {
		return 0
	}
	return months
}
