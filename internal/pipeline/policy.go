package pipeline

import "time"

// DefaultMaxRetries is the retry budget of a queue entry when none is requested.
const DefaultMaxRetries = 3

// RetryPolicy is linear backoff: attempt n waits n units.
type RetryPolicy struct {
	Unit time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	unit := p.Unit
	if unit <= 0 {
		unit = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * unit
}

// Exhausted reports whether attempt number next has no budget left. max_retries counts
// attempts, not re-runs: with maxRetries=3 the first two transient failures are retried and
// the third is terminal, and with maxRetries=1 the first transient failure is terminal.
func (p RetryPolicy) Exhausted(next, maxRetries int) bool {
	return next >= maxRetries
}
