package follower

import "time"

// Backoff implements the retry/back-off policy of spec.md §7: first retry
// after 1s, doubling to a configurable ceiling (default 60s), reset on any
// successful fetch.
type Backoff struct {
	initial time.Duration
	ceiling time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff with the given ceiling. A zero ceiling uses
// the spec default of 60s.
func NewBackoff(ceiling time.Duration) *Backoff {
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	var initial = time.Second
	if initial > ceiling {
		initial = ceiling
	}
	return &Backoff{initial: initial, ceiling: ceiling}
}

// Next returns the duration to wait before the next retry, and advances
// internal state by doubling toward the ceiling.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	}
	var wait = b.current
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return wait
}

// Reset clears back-off state after a successful fetch, so the next
// failure again starts at the initial interval.
func (b *Backoff) Reset() {
	b.current = 0
}
