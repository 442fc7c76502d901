package eventqueue

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxJitterRatio bounds the random extra delay added when jitter is enabled.
const maxJitterRatio = 0.25

// RetryDelay returns the delay before retry number retryCount+1:
// BaseRetryDelay * BackoffFactor^retryCount, plus jitter, capped at MaxRetryDelay.
func (c Config) RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(c.BaseRetryDelay) * math.Pow(c.BackoffFactor, float64(retryCount))
	if c.Jitter {
		d += d * maxJitterRatio * rand.Float64()
	}
	if limit := float64(c.MaxRetryDelay); c.MaxRetryDelay > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}
