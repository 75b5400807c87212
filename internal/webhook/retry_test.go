package webhook

import (
	"testing"
	"time"
)

func TestRetryDelayIsBoundedAndIncreasesWithAttempt(t *testing.T) {
	base := 60 * time.Second
	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := RetryDelay(attempt, base)
		minExpected := time.Duration(float64(minInt(3600, pow2(attempt-1)*60)) * float64(time.Second))
		maxExpected := time.Duration(float64(minInt(3600, pow2(attempt-1)*60))*1.25) * time.Second
		if d < minExpected-time.Second || d > maxExpected+time.Second {
			t.Fatalf("attempt %d: delay %v out of expected range [%v, %v]", attempt, d, minExpected, maxExpected)
		}
		if attempt > 1 && maxExpected < prevMax {
			t.Fatalf("attempt %d: expected delay ceiling to be non-decreasing", attempt)
		}
		prevMax = maxExpected
	}
}

func TestRetryDelayCapsAtOneHour(t *testing.T) {
	d := RetryDelay(20, 60*time.Second)
	if d > time.Duration(float64(3600)*1.25)*time.Second {
		t.Fatalf("expected delay to be capped near 3600s, got %v", d)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func pow2(n int) int {
	out := 1
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}
