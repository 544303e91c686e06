package snapshot

import (
	"sync"

	"github.com/tidwall/btree"

	"snapkv/pkg/types"
)

// Tracker counts open snapshots per seqno. The lowest open seqno bounds how
// much version history a flush may discard.
type Tracker struct {
	mu   sync.Mutex
	open *btree.Map[types.SeqNo, int]
	n    int
}

func NewTracker() *Tracker {
	return &Tracker{
		open: btree.NewMap[types.SeqNo, int](0),
	}
}

// Open registers a snapshot at seqno and returns its release func.
func (t *Tracker) Open(seqno types.SeqNo) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cnt, _ := t.open.Get(seqno)
	t.open.Set(seqno, cnt+1)
	t.n++

	var once sync.Once
	return func() {
		once.Do(func() { t.release(seqno) })
	}
}

func (t *Tracker) release(seqno types.SeqNo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cnt, ok := t.open.Get(seqno)
	if !ok {
		return
	}
	if cnt <= 1 {
		t.open.Delete(seqno)
	} else {
		t.open.Set(seqno, cnt-1)
	}
	t.n--
}

// Watermark returns the lowest open snapshot seqno, or fallback when no
// snapshot is open.
func (t *Tracker) Watermark(fallback types.SeqNo) types.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()

	lowest, _, ok := t.open.Min()
	if !ok {
		return fallback
	}
	return min(lowest, fallback)
}

// Len returns the number of open snapshots.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.n
}
