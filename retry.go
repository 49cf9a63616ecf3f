package outbox

import (
	"math"
	"time"
)

const (
	// DefaultMaxRetries is the number of attempts after which a failing message is abandoned.
	DefaultMaxRetries = 10

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 6
)

// DelayFunc is a function that returns the delay after a given attempt.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that returns a fixed delay for all attempts.
func Fixed(delay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles delay on every attempt up to maxDelay.
//
// For example, with delay of 1 second and maxDelay of 64 seconds:
//
// Delay after attempt 0: 1s
// Delay after attempt 1: 2s
// Delay after attempt 4: 16s
// Delay after attempt 6: 1m4s
// Delay after attempt 8: 1m4s
// ...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay >= 62 {
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)

		return min(delay<<n, maxDelay)
	}
}

// RetryPolicy decides what happens after a failed dispatch attempt.
// It is a pure value and safe for concurrent use.
type RetryPolicy struct {
	// Delay maps an attempt number to the backoff before the next attempt.
	Delay DelayFunc

	// MaxRetries is the attempt count at which a message becomes terminal.
	MaxRetries int32
}

// NewRetryPolicy returns the default policy: 2^min(n, 6) seconds between
// attempts, giving up once maxRetries attempts were made.
// A non-positive maxRetries falls back to DefaultMaxRetries.
func NewRetryPolicy(maxRetries int32) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return RetryPolicy{
		Delay:      Exponential(defaultBackoffBase, defaultBackoffBase<<defaultBackoffCap),
		MaxRetries: maxRetries,
	}
}

// NextDelay returns the backoff to apply after the given attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.Delay == nil {
		return NewRetryPolicy(p.MaxRetries).Delay(attempt)
	}
	return p.Delay(attempt)
}

// Terminal reports whether no further attempt should be made once attempt
// attempts have been recorded.
func (p RetryPolicy) Terminal(attempt int) bool {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return attempt >= int(maxRetries)
}

// Decide combines NextDelay and Terminal for the attempt that just failed.
func (p RetryPolicy) Decide(attempt int) (delay time.Duration, terminal bool) {
	return p.NextDelay(attempt), p.Terminal(attempt)
}
