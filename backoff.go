package groupqueue

import (
	"math"
	"time"
)

// BackoffFunc returns how long a failed job waits before it becomes claimable
// again. attempts is the number of claims so far, starting from 1.
type BackoffFunc func(attempts int) time.Duration

// ExponentialBackoff doubles base for each attempt after the first, capped at
// max. A zero max leaves it uncapped.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	if max <= 0 {
		max = math.MaxInt64
	}
	return func(attempts int) time.Duration {
		if base <= 0 {
			return 0
		}
		d := base
		for i := 1; i < attempts && d < max; i++ {
			if d > max/2 {
				return max
			}
			d *= 2
		}
		if d > max {
			return max
		}
		return d
	}
}

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}
