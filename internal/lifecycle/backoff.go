package lifecycle

import "time"

const (
	DefaultMinBackoff = 5 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// RetryDelay maps the consecutive failure count k (k >= 1) to the delay
// before the next provider re-initialization: min * 2^(k-1), capped at max.
func RetryDelay(k int, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = DefaultMinBackoff
	}
	if max < min {
		max = min
	}
	if k < 1 {
		k = 1
	}
	d := min
	for i := 1; i < k; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
