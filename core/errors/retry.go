package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first call; 0 disables
	// retrying.
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// Multiplier defaults to 2.
	Multiplier float64 `yaml:"multiplier"`
	// JitterPercent spreads each delay by ±JitterPercent of itself.
	JitterPercent float64 `yaml:"jitter_percent"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   2,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// Retry calls fn until it succeeds, fails with a non-transient error, the
// attempts run out or ctx is done. The last error from fn is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if !Retryable(lastErr) || attempt == policy.MaxAttempts {
			return lastErr
		}
		if err := waitBeforeRetry(ctx, Backoff(attempt, policy)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Backoff is the jittered exponential delay before retry attempt+1.
func Backoff(attempt int, policy RetryPolicy) time.Duration {
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := time.Duration(float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return addJitter(delay, policy.JitterPercent)
}

func addJitter(delay time.Duration, jitterPercent float64) time.Duration {
	if jitterPercent <= 0 || delay <= 0 {
		return delay
	}
	jitterRange := float64(delay) * jitterPercent
	offset := (rand.Float64()*2 - 1) * jitterRange
	return max(time.Duration(float64(delay)+offset), time.Millisecond)
}

func waitBeforeRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
