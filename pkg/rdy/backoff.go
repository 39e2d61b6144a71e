package rdy

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoffLevel computes maxBackoffLevel = max(1, ceil(log2(maxDuration
// in seconds))) per spec.md §4.5.2.
func maxBackoffLevel(maxDuration time.Duration) int {
	seconds := maxDuration.Seconds()
	if seconds <= 1 {
		return 1
	}
	level := int(math.Ceil(math.Log2(seconds)))
	if level < 1 {
		level = 1
	}
	return level
}

// backoffDuration computes d = min(backoffMultiplier * 2^counter + jitter,
// maxDuration) for the given backoff level.
func backoffDuration(rng *rand.Rand, multiplier, maxDuration time.Duration, counter int) time.Duration {
	base := float64(multiplier) * math.Pow(2, float64(counter))
	d := time.Duration(base)

	jitterSpan := int64(multiplier)
	if jitterSpan > 0 {
		d += time.Duration(rng.Int63n(jitterSpan))
	}

	if d > maxDuration {
		d = maxDuration
	}
	if d < 0 {
		d = maxDuration
	}
	return d
}
