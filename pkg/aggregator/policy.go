package aggregator

import "time"

// Policy holds the tunable windows of the aggregator.
type Policy struct {
	// UpdateInterval is the minimum spacing of emitted update events per patient.
	UpdateInterval time.Duration
	// ClearAfter is the number of consecutive normal readings that clear an open alert.
	ClearAfter int
	// ForceEmitAfter forces an update once updates were withheld for this many
	// update intervals on the monotonic clock, whatever the wall clock says.
	ForceEmitAfter int
	// ListCap is the default length of lists rendered to a bell/dropdown.
	ListCap int
	// Retention expires unacknowledged alerts from the active set; zero keeps them.
	Retention time.Duration
	// AckCoalesce is how long an acknowledged alert keeps covering readings of
	// equal or lower severity.
	AckCoalesce time.Duration
	// ClosedTTL is how long retired alerts stay addressable by id.
	ClosedTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		UpdateInterval: 5 * time.Second,
		ClearAfter:     2,
		ForceEmitAfter: 10,
		ListCap:        10,
		Retention:      0,
		AckCoalesce:    time.Minute,
		ClosedTTL:      time.Hour,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.UpdateInterval < 0 {
		p.UpdateInterval = d.UpdateInterval
	}
	if p.ClearAfter < 1 {
		p.ClearAfter = d.ClearAfter
	}
	if p.ListCap < 0 {
		p.ListCap = d.ListCap
	}
	if p.ClosedTTL <= 0 {
		p.ClosedTTL = d.ClosedTTL
	}
	return p
}
