package clock

import (
	"math"
	"sync/atomic"

	"snapkv/pkg/types"
)

// Counter issues strictly increasing sequence numbers that follow the clock
// when it moves ahead of the last issued value and fall back to +1 otherwise.
//
// The counter panics once the value space is exhausted (2^64-1, about 584
// years of nanosecond issuance).
type Counter struct {
	last atomic.Uint64
	src  Source
}

// NewCounter creates a counter resuming after prev. A nil src makes Next a
// plain increment.
func NewCounter(prev types.SeqNo, src Source) *Counter {
	c := &Counter{src: src}
	c.last.Store(uint64(prev))
	return c
}

// NewCounterFromClock creates a counter seeded with the current clock reading.
func NewCounterFromClock(src Source) *Counter {
	return NewCounter(types.SeqNo(src.Now()), src)
}

// Get returns the last issued value without advancing. It is meant for
// anchoring snapshots.
func (c *Counter) Get() types.SeqNo {
	return types.SeqNo(c.last.Load())
}

// Next returns a value greater than any previously issued one.
func (c *Counter) Next() types.SeqNo {
	for {
		var now uint64
		if c.src != nil {
			now = c.src.Now()
		}

		last := c.last.Load()
		if last == math.MaxUint64 {
			panic("clock: sequence number space exhausted")
		}

		candidate := last + 1
		if now > last {
			candidate = now
		}

		if c.last.CompareAndSwap(last, candidate) {
			return types.SeqNo(candidate)
		}
	}
}

// Observe raises the counter to at least seqno.
func (c *Counter) Observe(seqno types.SeqNo) {
	for {
		last := c.last.Load()
		if uint64(seqno) <= last {
			return
		}
		if c.last.CompareAndSwap(last, uint64(seqno)) {
			return
		}
	}
}
