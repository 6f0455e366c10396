package queue

import "time"

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: Initial * 2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	return d
}

// DefaultBackoff is 1s, 2s, 4s...
var DefaultBackoff Backoff = Exponential{Initial: time.Second}
