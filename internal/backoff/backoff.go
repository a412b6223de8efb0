// Package backoff provides retry delay policies for channel reconnection.
package backoff

import "time"

// Policy yields the delay before a retry attempt. Attempts are 1-based.
// A false ok means the budget is spent and no further attempt should run.
type Policy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// Fixed retries with a constant delay up to MaxAttempts times.
// A MaxAttempts of zero or less means unlimited attempts.
type Fixed struct {
	Delay       time.Duration
	MaxAttempts int
}

// Next implements Policy.
func (f Fixed) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if f.MaxAttempts > 0 && attempt > f.MaxAttempts {
		return 0, false
	}
	delay := f.Delay
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
