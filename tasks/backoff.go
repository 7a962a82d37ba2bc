package tasks

import (
	"math/rand/v2"
	"time"
)

// computeBackoff returns the delay before retry number attempt (1-based),
// doubling from base and capped at max, with up to +/-50% random jitter so
// that tasks failing in lockstep do not retry in lockstep.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// jitter into [d/2, 3d/2), then re-apply the bounds
	d = d/2 + time.Duration(rand.Int64N(int64(d)))
	if d > max {
		d = max
	}
	if d < base {
		d = base
	}
	return d
}
