package dripflow

import (
	"math"
	"time"
)

// retryDelay returns how long a job waits after its attempt-th failed run:
// BackoffTime * BackoffMultiplier^(attempt-1), capped at MaxBackoff.
func (c *Config) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BackoffTime) * math.Pow(c.BackoffMultiplier, float64(attempt-1))

	limit := time.Duration(math.MaxInt64)
	if c.MaxBackoff > 0 {
		limit = c.MaxBackoff
	}
	// float64(MaxInt64) rounds up to 2^63, so compare before converting.
	if math.IsNaN(delay) || delay >= float64(limit) {
		return limit
	}
	return time.Duration(delay)
}
