// Package retry implements the shared exponential-backoff-with-jitter
// policy used by the rate governor and the transaction coordinator.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/classtrack/sync-server/internal/syncerr"
)

// Policy describes the retry schedule and which error kinds it applies
// to.
type Policy struct {
	// BaseDelay is the first retry delay and the jitter bound.
	BaseDelay time.Duration `yaml:"baseDelay"`

	// Multiplier grows the delay per attempt.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelay caps the pre-jitter delay.
	MaxDelay time.Duration `yaml:"maxDelay"`

	// MaxAttempts caps total attempts (first call included).
	MaxAttempts int `yaml:"maxAttempts"`

	// RetryableKinds restricts retries to these kinds. Empty means
	// "use each kind's default classification".
	RetryableKinds []syncerr.Kind `yaml:"retryableKinds,omitempty"`
}

// DefaultPolicy returns the policy applied when an operation does not
// configure its own.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the pre-jitter delay for the given zero-based attempt:
// min(maxDelay, baseDelay * multiplier^attempt).
func (p Policy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if delay > p.MaxDelay || delay < 0 {
		return p.MaxDelay
	}
	return delay
}

// Retryable reports whether an error is retryable under this policy.
func (p Policy) Retryable(err error) bool {
	if !syncerr.IsRetryable(err) {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return true
	}
	kind := syncerr.KindOf(err)
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// schedule adapts a Policy to the backoff.BackOff interface, adding
// uniform jitter in [0, baseDelay) on top of the capped exponential
// delay.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	delay := s.policy.Delay(s.attempt)
	s.attempt++
	if s.policy.BaseDelay > 0 {
		delay += time.Duration(rand.Int64N(int64(s.policy.BaseDelay)))
	}
	return delay
}

func (s *schedule) Reset() {
	s.attempt = 0
}

// Do runs fn under the policy. Non-retryable errors return
// immediately; retryable errors are retried until MaxAttempts, at
// which point the final error is marked exhausted (non-retryable) so
// callers route the record to the dead letter queue.
func Do[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		value, err := fn()
		if err != nil && !policy.Retryable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return value, err
	}

	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&schedule{policy: policy}),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	if err != nil {
		if attempts >= policy.MaxAttempts && syncerr.IsRetryable(err) {
			syncerr.AsError(err).Exhaust(attempts)
		}
		return value, err
	}
	return value, nil
}
