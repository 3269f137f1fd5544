// Copyright 2025 James Ross

// Package retry decides whether a failed job attempt should be retried and,
// if so, after how long, per spec.md §4.4.
package retry

import "time"

// Strategy names the backoff shape a queue type is configured with.
type Strategy string

const (
	Fixed       Strategy = "fixed"
	Exponential Strategy = "exponential"
)

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	Retry bool
	// Delay is the duration to wait before the job becomes eligible for
	// redelivery. Zero when Retry is false.
	Delay time.Duration
}

// Evaluate decides whether attemptsSoFar (1-indexed, the attempt that just
// failed) should be retried given maxRetries, and if so computes the delay
// per strategy, capped at ceiling. A job exhausts retries once
// attemptsSoFar >= maxRetries+1, matching invariant "attempts <= max_retries+1".
func Evaluate(attemptsSoFar, maxRetries int, baseDelay time.Duration, strategy Strategy, ceiling time.Duration) Decision {
	if attemptsSoFar >= maxRetries+1 {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, Delay: backoff(attemptsSoFar, baseDelay, strategy, ceiling)}
}

// backoff computes the delay before the (attemptsSoFar+1)th attempt:
// 2^(n-1) * base for exponential, capped at ceiling; fixed strategy always
// waits baseDelay.
func backoff(attemptsSoFar int, base time.Duration, strategy Strategy, ceiling time.Duration) time.Duration {
	if strategy == Fixed {
		if base > ceiling {
			return ceiling
		}
		return base
	}

	if attemptsSoFar < 1 {
		attemptsSoFar = 1
	}
	shift := uint(attemptsSoFar - 1)
	if shift > 32 {
		return ceiling
	}
	d := time.Duration(1<<shift) * base
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}
