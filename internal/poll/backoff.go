package poll

import "time"

// Backoff produces the reconnect delay sequence for a failed endpoint:
// the floor, doubling on every attempt, capped. With the default 5s
// floor and 60s cap the sequence is 5, 10, 20, 40, 60, 60, ...
//
// Backoff is used from a single goroutine and is not safe for
// concurrent use.
type Backoff struct {
	floor time.Duration
	cap   time.Duration
	next  time.Duration
}

// NewBackoff creates a backoff with the given floor and cap.
// A cap below the floor is raised to the floor.
func NewBackoff(floor, cap time.Duration) *Backoff {
	if floor <= 0 {
		floor = 5 * time.Second
	}
	if cap < floor {
		cap = floor
	}
	return &Backoff{floor: floor, cap: cap, next: floor}
}

// Next returns the delay to wait before the next attempt and advances
// the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.cap {
		b.next = b.cap
	}
	return d
}

// Reset returns the sequence to the floor. Call after a successful
// connection so the next failure starts over.
func (b *Backoff) Reset() {
	b.next = b.floor
}
