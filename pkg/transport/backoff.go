package transport

import "time"

// Backoff doubles the reconnect delay from Base up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max < b.Base {
		b.Max = max(d.Max, b.Base)
	}
	return b
}

func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Base
	}
	next := current * 2
	if next > b.Max || next <= 0 {
		next = b.Max
	}
	return next
}
