package iterator

import (
	"bytes"
	"container/heap"
	"fmt"
	"sort"

	"snapkv/pkg/types"
)

// cursor is the unconsumed window [lo, hi) of one source.
type cursor struct {
	src  Source
	prio int
	lo   int
	hi   int
}

func (c *cursor) exhausted() bool {
	return c.lo >= c.hi
}

func (c *cursor) front() types.Header {
	return c.src.Header(c.lo)
}

func (c *cursor) back() types.Header {
	return c.src.Header(c.hi - 1)
}

// fwdHeap pops the smallest front: key asc, seqno desc, newest source first.
type fwdHeap []*cursor

func (h fwdHeap) Len() int { return len(h) }
func (h fwdHeap) Less(i, j int) bool {
	if c := types.CompareHeaders(h[i].front(), h[j].front()); c != 0 {
		return c < 0
	}
	return h[i].prio > h[j].prio
}
func (h fwdHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fwdHeap) Push(x any) {
	*h = append(*h, x.(*cursor))
}

func (h *fwdHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// backHeap pops in the exact reverse of fwdHeap order.
type backHeap []*cursor

func (h backHeap) Len() int { return len(h) }
func (h backHeap) Less(i, j int) bool {
	if c := types.CompareHeaders(h[i].back(), h[j].back()); c != 0 {
		return c > 0
	}
	return h[i].prio < h[j].prio
}
func (h backHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *backHeap) Push(x any) {
	*h = append(*h, x.(*cursor))
}

func (h *backHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// MergeIterator presents several sources as one ordered sequence holding the
// newest version visible at seqno of every live key. Both ends consume whole
// key groups, so mixing Next and NextBack yields every key exactly once.
//
// Sources are passed oldest first; when two sources hold the same key at the
// same seqno, the later source wins.
type MergeIterator struct {
	seqno types.SeqNo
	fwd   fwdHeap
	back  backHeap

	done bool
	err  error
}

// NewMerge captures the window of every source that falls in bounds. Entries
// with seqno greater than seqno are invisible.
func NewMerge(sources []Source, bounds Bounds, seqno types.SeqNo) *MergeIterator {
	m := &MergeIterator{
		seqno: seqno,
		fwd:   make(fwdHeap, 0, len(sources)),
		back:  make(backHeap, 0, len(sources)),
	}

	for prio, src := range sources {
		if src == nil {
			continue
		}
		c := &cursor{src: src, prio: prio, hi: src.Len()}
		if bounds.Lower != nil {
			c.lo = sort.Search(c.hi, func(i int) bool {
				return bytes.Compare(src.Header(i).Key, bounds.Lower) >= 0
			})
		}
		if bounds.Upper != nil {
			c.hi = sort.Search(c.hi, func(i int) bool {
				return bytes.Compare(src.Header(i).Key, bounds.Upper) >= 0
			})
		}

		m.skipFront(c)
		m.skipBack(c)
		if c.exhausted() {
			continue
		}
		m.fwd = append(m.fwd, c)
		m.back = append(m.back, c)
	}

	heap.Init(&m.fwd)
	heap.Init(&m.back)

	return m
}

// Failed returns an exhausted iterator whose Err reports err.
func Failed(err error) *MergeIterator {
	return &MergeIterator{done: true, err: err}
}

func (m *MergeIterator) skipFront(c *cursor) {
	for c.lo < c.hi && c.front().SeqNo > m.seqno {
		c.lo++
	}
}

func (m *MergeIterator) skipBack(c *cursor) {
	for c.lo < c.hi && c.back().SeqNo > m.seqno {
		c.hi--
	}
}

// peekFront drops cursors drained from the other end and returns the top.
func (m *MergeIterator) peekFront() *cursor {
	for len(m.fwd) > 0 {
		if c := m.fwd[0]; !c.exhausted() {
			return c
		}
		heap.Pop(&m.fwd)
	}
	return nil
}

func (m *MergeIterator) peekBack() *cursor {
	for len(m.back) > 0 {
		if c := m.back[0]; !c.exhausted() {
			return c
		}
		heap.Pop(&m.back)
	}
	return nil
}

// advanceFront consumes the front entry of the top cursor.
func (m *MergeIterator) advanceFront(c *cursor) {
	c.lo++
	m.skipFront(c)
	if c.exhausted() {
		heap.Pop(&m.fwd)
		return
	}
	heap.Fix(&m.fwd, 0)
}

func (m *MergeIterator) advanceBack(c *cursor) {
	c.hi--
	m.skipBack(c)
	if c.exhausted() {
		heap.Pop(&m.back)
		return
	}
	heap.Fix(&m.back, 0)
}

func (m *MergeIterator) Next() (types.Record, bool) {
	for !m.done {
		c := m.peekFront()
		if c == nil {
			m.done = true
			break
		}

		winner, idx := c, c.lo
		h := c.front()
		m.advanceFront(c)

		// shadowed versions of the same key
		for {
			c = m.peekFront()
			if c == nil || !bytes.Equal(c.front().Key, h.Key) {
				break
			}
			m.advanceFront(c)
		}

		if h.IsTombstone() {
			continue
		}
		return m.load(winner, idx)
	}

	return types.Record{}, false
}

func (m *MergeIterator) NextBack() (types.Record, bool) {
	for !m.done {
		c := m.peekBack()
		if c == nil {
			m.done = true
			break
		}

		key := c.back().Key
		var (
			winner *cursor
			idx    int
		)
		// back order visits the newest version of a key last
		for c != nil && bytes.Equal(c.back().Key, key) {
			winner, idx = c, c.hi-1
			m.advanceBack(c)
			c = m.peekBack()
		}

		if winner.src.Header(idx).IsTombstone() {
			continue
		}
		return m.load(winner, idx)
	}

	return types.Record{}, false
}

func (m *MergeIterator) load(c *cursor, idx int) (types.Record, bool) {
	rec, err := c.src.Load(idx)
	if err != nil {
		m.err = fmt.Errorf("failed to load record: %w", err)
		m.done = true
		return types.Record{}, false
	}
	return rec, true
}

func (m *MergeIterator) Rev() DoubleEnded {
	return &reversed{inner: m}
}

func (m *MergeIterator) Err() error {
	return m.err
}

func (m *MergeIterator) Close() error {
	m.done = true
	m.fwd = nil
	m.back = nil
	return nil
}
