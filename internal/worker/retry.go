package worker

import (
	"math"
	"time"
)

// RetryPolicy defines exponential backoff for mirror tasks.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is used for every zero field of a configured policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    5,
	InitialDelay:  2 * time.Second,
	MaxDelay:      time.Minute,
	BackoffFactor: 2,
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if r.BackoffFactor <= 1 {
		r.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	return r
}

// Exhausted reports whether a task that failed attempt times must be given up.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// NextDelay returns the wait before retry number attempt (1-based), capped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if delay <= 0 || delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}
