package topology

import (
	"math"
	"math/rand"
	"time"
)

// RetryStrategy is the per-service retry policy consumed by the delivery
// engine. It is a pure value object: the engine computes delays from it and
// never mutates it.
type RetryStrategy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// Delay computes the backoff before the given retry attempt:
// min(initial * multiplier^attempt, max), jittered by up to ±10% when
// enabled.
func (s RetryStrategy) Delay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(s.BackoffMultiplier, float64(attempt))
	if delay > float64(s.MaxDelay) {
		delay = float64(s.MaxDelay)
	}
	if s.Jitter {
		delay += (rand.Float64() - 0.5) * 0.2 * delay
	}
	return time.Duration(delay)
}

// Preset strategies, tuned per workload.
var (
	// TaskRetryStrategy governs recognition work: few attempts, generous
	// delays, since each attempt is an expensive external call.
	TaskRetryStrategy = RetryStrategy{
		MaxRetries:        3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		Jitter:            true,
	}

	// NotificationRetryStrategy allows more, faster attempts: notification
	// delivery is cheap and latency-sensitive.
	NotificationRetryStrategy = RetryStrategy{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}

	// StatusRetryStrategy covers the status sink, which only talks to local
	// persistence.
	StatusRetryStrategy = RetryStrategy{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}
)
