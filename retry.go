package oplog

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls how invocation failures are retried. The policy in
// force is the default until a ChangeRetryPolicyEntry overrides it.
type RetryConfig struct {
	// MaxAttempts is the number of consecutive failed attempts after
	// which the failure becomes fatal.
	MaxAttempts uint32 `json:"max_attempts"`

	// MinDelay is the delay before the first retry.
	MinDelay time.Duration `json:"min_delay"`

	// MaxDelay caps the exponentially growing delay.
	MaxDelay time.Duration `json:"max_delay"`

	// Multiplier is the exponential growth factor between retries.
	Multiplier float64 `json:"multiplier"`

	// MaxJitterFactor, when non-nil, scales the delay by a random factor
	// in [1, 1+MaxJitterFactor], still capped at MaxDelay.
	MaxJitterFactor *float64 `json:"max_jitter_factor,omitempty"`
}

// DefaultRetryConfig mirrors the executor's default worker retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	}
}

// Delay returns the backoff before the given 1-based retry attempt.
func (c RetryConfig) Delay(attempt uint64) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := float64(c.MinDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxJitterFactor != nil {
		d *= 1 + rand.Float64()**c.MaxJitterFactor
	}
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Decision is the outcome of a failed invocation attempt.
type Decision struct {
	// Retry reports whether another attempt should be made. False means
	// the failure is fatal and the worker fails permanently.
	Retry bool

	// Delay is the backoff before the next attempt. Only meaningful when
	// Retry is true.
	Delay time.Duration
}

// Decide evaluates the policy after the given number of consecutive
// failed attempts, the most recent one included.
func (c RetryConfig) Decide(attempts uint64) Decision {
	if attempts >= uint64(c.MaxAttempts) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: c.Delay(attempts)}
}
