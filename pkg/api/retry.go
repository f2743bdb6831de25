package api

import (
	"math"
	"time"
)

// RetryPolicy controls how failed jobs are retried.
//
// MaxAttempts includes the first attempt: MaxAttempts = 3 means the initial
// execution plus up to two retries. After the attempt that reaches
// MaxAttempts fails, the job is dead.
//
// The delay before the next attempt is
//
//	min(InitialBackoff * BackoffMultiplier^attempts, MaxBackoff)
//
// where attempts is the number of failed attempts so far.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy returns 3 attempts with a 1s base, doubling, capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        time.Minute,
	}
}

// Delay returns how long to wait before the next attempt after the given
// number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempts))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
