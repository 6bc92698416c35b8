package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the reconnect policy: a bounded number of attempts with
// exponentially increasing delay.
type Backoff struct {
	MaxAttempts int           // Reconnect attempts before giving up
	BaseDelay   time.Duration // Delay before the first attempt
	MaxDelay    time.Duration // Upper bound for a single delay
	Multiplier  float64       // Growth factor between attempts
	Jitter      bool          // Spread delays by up to ±10%
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(b.BaseDelay)
		}
	}

	return time.Duration(delay)
}
