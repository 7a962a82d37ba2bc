package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoffBounds(t *testing.T) {
	assert := assert.New(t)

	base := 100 * time.Millisecond
	max := 10 * time.Second

	for attempt := 0; attempt <= 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := computeBackoff(attempt, base, max)
			assert.GreaterOrEqual(d, base, "attempt %d", attempt)
			assert.LessOrEqual(d, max, "attempt %d", attempt)
		}
	}
}

func TestComputeBackoffGrows(t *testing.T) {
	assert := assert.New(t)

	base := time.Second
	max := time.Hour

	// attempt 1 doubles once and jitters within +/-50%
	for i := 0; i < 50; i++ {
		d := computeBackoff(1, base, max)
		assert.GreaterOrEqual(d, 1*time.Second)
		assert.Less(d, 3*time.Second)
	}
	// attempt 4 centers on 16x base
	for i := 0; i < 50; i++ {
		d := computeBackoff(4, base, max)
		assert.GreaterOrEqual(d, 8*time.Second)
		assert.Less(d, 24*time.Second)
	}
}

func TestComputeBackoffJitterSpreads(t *testing.T) {
	assert := assert.New(t)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		seen[computeBackoff(3, time.Second, time.Hour)] = true
	}
	assert.Greater(len(seen), 1, "retries must not land in lockstep")
}
