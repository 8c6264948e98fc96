package network

import "time"

const (
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// readBackoff paces a receive loop whose socket keeps failing without being
// closed, so a persistent error costs at most one read and one log line per
// maxReadBackoff.
type readBackoff struct {
	delay time.Duration
}

// next doubles the wait, starting at minReadBackoff and capped at maxReadBackoff.
func (b *readBackoff) next() time.Duration {
	switch {
	case b.delay == 0:
		b.delay = minReadBackoff
	case b.delay < maxReadBackoff:
		b.delay = min(b.delay*2, maxReadBackoff)
	}
	return b.delay
}

// reset is called after every successful read.
func (b *readBackoff) reset() {
	b.delay = 0
}
