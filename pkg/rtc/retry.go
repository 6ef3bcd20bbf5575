package rtc

import (
	"math"
	"time"
)

// RetryState tracks reconnection progress. Reset on every successful
// connection.
type RetryState struct {
	Attempt   int
	NextDelay time.Duration
}

// NextDelay computes the backoff delay for a given attempt:
// base * multiplier^attempt.
func NextDelay(attempt int, base time.Duration, multiplier float64) time.Duration {
	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
}

// retryPolicy decides whether another reconnection attempt is allowed and
// with what delay. It holds no mutable state of its own.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	multiplier float64
}

// next advances the retry state after a failure. The second return is false
// once the budget is exhausted; the returned state is then unchanged.
func (p retryPolicy) next(s RetryState) (RetryState, bool) {
	if s.Attempt >= p.maxRetries {
		return s, false
	}
	delay := NextDelay(s.Attempt, p.baseDelay, p.multiplier)
	return RetryState{Attempt: s.Attempt + 1, NextDelay: delay}, true
}

// reset returns the initial retry state.
func (p retryPolicy) reset() RetryState {
	return RetryState{Attempt: 0, NextDelay: p.baseDelay}
}
