package queue

import "time"

// Backoff computes retry delays as Base * 2^attempts, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempts int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Minute
	}
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
