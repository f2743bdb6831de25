package procflow

import (
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct the RetryPolicy a job
// queue applies to failing service tasks and throw events.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts, counting the
// first execution. It starts from the default 1s doubling backoff.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the base delay.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(5).WithExponentialBackoff(500*time.Millisecond, 2.0, 30*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant backoff between retries.
//
// This is equivalent to an exponential backoff with multiplier 1.0 and
// no max cap.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate makes failed jobs eligible again on the next poll.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialBackoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// DefaultRetryPolicy returns 3 attempts with a 1s base, doubling, capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return api.DefaultRetryPolicy()
}
