package snapshot

import (
	"sync"

	"snapkv/pkg/iterator"
	"snapkv/pkg/types"
)

type iReader interface {
	Range(bounds iterator.Bounds, seqno types.SeqNo) *iterator.MergeIterator
	Get(key []byte, seqno types.SeqNo) ([]byte, bool, error)
}

// Snapshot provides a consistent view of a partition at a given sequence
// number: only versions with seqno <= Seqno() are observed, whatever is
// written afterwards.
type Snapshot struct {
	r       iReader
	seqno   types.SeqNo
	release func()
	once    sync.Once
}

// New creates a snapshot of r at seqno. release, if set, runs once on Close.
func New(r iReader, seqno types.SeqNo, release func()) *Snapshot {
	return &Snapshot{
		r:       r,
		seqno:   seqno,
		release: release,
	}
}

// Seqno returns the read sequence number.
func (s *Snapshot) Seqno() types.SeqNo {
	return s.seqno
}

func (s *Snapshot) Iter() iterator.DoubleEnded {
	return s.r.Range(iterator.Bounds{}, s.seqno)
}

// Range iterates keys in [lower, upper); nil bounds are open.
func (s *Snapshot) Range(lower, upper []byte) iterator.DoubleEnded {
	return s.r.Range(iterator.Bounds{Lower: lower, Upper: upper}, s.seqno)
}

func (s *Snapshot) Prefix(prefix []byte) iterator.DoubleEnded {
	return s.Range(prefix, types.PrefixUpperBound(prefix))
}

func (s *Snapshot) Keys() *iterator.KeyIterator {
	return iterator.Keys(s.Iter())
}

func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	return s.r.Get(key, s.seqno)
}

// Len counts the keys visible in the snapshot.
func (s *Snapshot) Len() (int, error) {
	it := s.Iter()
	n := 0
	for range iterator.All(it) {
		n++
	}
	return n, it.Err()
}

// Close releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Close() error {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
	return nil
}
