package webhook

import (
	"math"
	"math/rand"
	"time"
)

// RetryDelay implements the jittered exponential backoff:
// delay = min(3600, 2^(attempt-1) * base) * (1 + U[0,0.25]) seconds,
// rounded to the nearest integer second.
func RetryDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	baseSeconds := base.Seconds()
	raw := math.Min(3600, math.Pow(2, float64(attempt-1))*baseSeconds)
	jittered := raw * (1 + rand.Float64()*0.25)
	return time.Duration(math.Round(jittered)) * time.Second
}
