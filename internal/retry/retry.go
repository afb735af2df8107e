// Package retry provides the bounded-attempt/backoff policy shared by job
// requeueing and account error recovery, replacing per-path ad hoc counters.
package retry

import "time"

// Policy bounds retries and spaces them with exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// Exhausted reports whether attempt (0-based count of failures so far) has
// used up the policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the backoff before retry number attempt (0-based). The first
// retry waits BaseDelay; each further one multiplies by Factor, capped at
// MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
