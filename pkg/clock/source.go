package clock

import (
	"errors"
	"sync/atomic"
	"time"
)

var ErrClockBeforeEpoch = errors.New("system time is before unix epoch")

// Source reports the current time in nanoseconds since the Unix epoch.
type Source interface {
	Now() uint64
}

// Monotonic pairs a monotonic instant with the wall-clock time it was
// captured at. Later readings advance by monotonic elapsed time only, so they
// never go backwards when the wall clock is adjusted.
type Monotonic struct {
	base    time.Time
	epochNs uint64
}

func NewMonotonic() (*Monotonic, error) {
	base := time.Now()
	ns := base.UnixNano()
	if ns < 0 {
		return nil, ErrClockBeforeEpoch
	}

	return &Monotonic{
		base:    base,
		epochNs: uint64(ns),
	}, nil
}

func (m *Monotonic) Now() uint64 {
	return m.epochNs + uint64(time.Since(m.base))
}

// Manual is a settable clock for tests.
type Manual struct {
	ns atomic.Uint64
}

func NewManual(ns uint64) *Manual {
	var m Manual
	m.ns.Store(ns)
	return &m
}

func (m *Manual) Now() uint64 {
	return m.ns.Load()
}

func (m *Manual) Set(ns uint64) {
	m.ns.Store(ns)
}

func (m *Manual) Advance(d time.Duration) {
	m.ns.Add(uint64(d))
}
