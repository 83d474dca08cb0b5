package timeutil

import "time"

// Budget tracks a bounded slice of work that started at a fixed instant.
// Callers do one unit of work, then check Exceeded before doing the next.
type Budget struct {
	clock Clock
	start time.Time
	limit time.Duration
}

// NewBudget starts a budget of d on clock. A nil clock uses RealClock.
func NewBudget(clock Clock, d time.Duration) Budget {
	if clock == nil {
		clock = RealClock{}
	}
	return Budget{clock: clock, start: clock.Now(), limit: d}
}

// Exceeded reports whether the budget has been used up. A budget with a
// non-positive limit is always exceeded.
func (b Budget) Exceeded() bool {
	if b.limit <= 0 {
		return true
	}
	return b.clock.Since(b.start) >= b.limit
}

// Elapsed returns the time spent since the budget started.
func (b Budget) Elapsed() time.Duration {
	return b.clock.Since(b.start)
}

// Start returns the instant the budget started.
func (b Budget) Start() time.Time {
	return b.start
}
