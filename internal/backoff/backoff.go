// Package backoff implements retry delay arithmetic: exponential, linear and
// fixed strategies with an optional jitter, plus the shared retry policy value
// attached to task classes and webhooks.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Strategy names a delay growth curve.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// ErrUnknownStrategy is returned when a policy names a strategy that is not
// one of exponential, linear or fixed. Never silently defaulted.
var ErrUnknownStrategy = errors.New("unknown retry strategy")

// Policy is an immutable retry policy.
type Policy struct {
	MaxRetries         int           `json:"max_retries"`
	InitialDelay       time.Duration `json:"initial_delay_ms"`
	MaxDelay           time.Duration `json:"max_delay_ms"`
	Strategy           Strategy      `json:"strategy"`
	Multiplier         float64       `json:"backoff_multiplier,omitempty"`
	RetryableErrors    []string      `json:"retryable_errors,omitempty"`
	NonRetryableErrors []string      `json:"non_retryable_errors,omitempty"`
}

// Validate checks that the policy names a known strategy.
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyExponential, StrategyLinear, StrategyFixed:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownStrategy, p.Strategy)
}

// multiplier returns the configured growth factor, defaulting to 2.
func (p Policy) multiplier() float64 {
	if p.Multiplier >= 1 {
		return p.Multiplier
	}
	return 2
}

// Exponential returns min(base * 2^attempt, max). Attempt is the zero-based
// retry index, so attempt 0 yields the base delay.
func Exponential(attempt int, base, max time.Duration) time.Duration {
	return exponential(attempt, base, max, 2)
}

func exponential(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	d := float64(base) * math.Pow(multiplier, float64(attempt))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Linear returns min(base * (attempt+1), max).
func Linear(attempt int, base, max time.Duration) time.Duration {
	d := base * time.Duration(attempt+1)
	if d > max || d < 0 {
		return max
	}
	return d
}

// Fixed returns min(base, max) regardless of attempt.
func Fixed(base, max time.Duration) time.Duration {
	if base > max {
		return max
	}
	return base
}

// ApplyJitter perturbs delay by up to ±factor of its value. A factor of 0
// returns the delay unchanged. The result is never negative.
func ApplyJitter(delay time.Duration, factor float64) time.Duration {
	if factor == 0 {
		return delay
	}
	variance := float64(delay) * factor * (rand.Float64()*2 - 1)
	jittered := float64(delay) + variance
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// Next is the result of a retry-delay calculation.
type Next struct {
	// Attempt is the number of the attempt being scheduled (currentAttempt+1).
	Attempt int
	// Delay is the raw strategy delay before jitter.
	Delay time.Duration
	// JitteredDelay is Delay with ±10% jitter applied.
	JitteredDelay time.Duration
	// RetryAt is the wall-clock time of the scheduled attempt.
	RetryAt time.Time
}

// NextRetry computes the delay and wall-clock time for the retry following
// currentAttempt under the given policy. Fails with ErrUnknownStrategy for a
// strategy outside the three known names.
func NextRetry(currentAttempt int, p Policy, now time.Time) (Next, error) {
	var delay time.Duration
	switch p.Strategy {
	case StrategyExponential:
		delay = exponential(currentAttempt, p.InitialDelay, p.MaxDelay, p.multiplier())
	case StrategyLinear:
		delay = Linear(currentAttempt, p.InitialDelay, p.MaxDelay)
	case StrategyFixed:
		delay = Fixed(p.InitialDelay, p.MaxDelay)
	default:
		return Next{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, p.Strategy)
	}

	jittered := ApplyJitter(delay, 0.1)
	return Next{
		Attempt:       currentAttempt + 1,
		Delay:         delay,
		JitteredDelay: jittered,
		RetryAt:       now.Add(jittered),
	}, nil
}

// CanRetry reports whether another attempt is allowed after currentAttempt.
func CanRetry(currentAttempt int, p Policy) bool {
	return currentAttempt < p.MaxRetries
}

// IsRetryableError classifies an error message against the policy's substring
// lists. Non-retryable matches win; with neither list set, all errors are
// retryable.
func IsRetryableError(msg string, p Policy) bool {
	for _, pattern := range p.NonRetryableErrors {
		if strings.Contains(msg, pattern) {
			return false
		}
	}
	if len(p.RetryableErrors) > 0 {
		for _, pattern := range p.RetryableErrors {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
		return false
	}
	return true
}
