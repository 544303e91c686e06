package iterator

import (
	"iter"

	"snapkv/pkg/types"
)

// Source is one sorted run as seen by the merge iterator. Entries are ordered
// by key ascending, then seqno descending, and never change once handed out.
type Source interface {
	Len() int
	// Header returns the ordering part of entry i. It must be cheap.
	Header(i int) types.Header
	// Load returns the full entry i, reading its value if needed.
	Load(i int) (types.Record, error)
}

// Bounds restricts iteration to keys in [Lower, Upper). A nil bound is open.
type Bounds struct {
	Lower []byte
	Upper []byte
}

// DoubleEnded yields records from either end of one ordered sequence.
type DoubleEnded interface {
	// Next yields the next record from the front; false once exhausted.
	Next() (types.Record, bool)
	// NextBack yields the next record from the back; false once exhausted.
	NextBack() (types.Record, bool)
	// Rev swaps the two ends.
	Rev() DoubleEnded
	// Err reports a read failure that ended iteration early.
	Err() error
	// Close releases resources. Later calls yield nothing.
	Close() error
}

// All adapts it to a range-over-func sequence consuming from the front.
func All(it DoubleEnded) iter.Seq[types.Record] {
	return func(yield func(types.Record) bool) {
		for {
			rec, ok := it.Next()
			if !ok || !yield(rec) {
				return
			}
		}
	}
}

// Collect drains it from the front.
func Collect(it DoubleEnded) ([]types.Record, error) {
	var out []types.Record
	for rec := range All(it) {
		out = append(out, rec)
	}
	return out, it.Err()
}

type reversed struct {
	inner DoubleEnded
}

func (r *reversed) Next() (types.Record, bool) {
	return r.inner.NextBack()
}

func (r *reversed) NextBack() (types.Record, bool) {
	return r.inner.Next()
}

func (r *reversed) Rev() DoubleEnded {
	return r.inner
}

func (r *reversed) Err() error {
	return r.inner.Err()
}

func (r *reversed) Close() error {
	return r.inner.Close()
}

// KeyIterator yields only the keys of a DoubleEnded iterator.
type KeyIterator struct {
	it DoubleEnded
}

func Keys(it DoubleEnded) *KeyIterator {
	return &KeyIterator{it: it}
}

func (k *KeyIterator) Next() (types.Key, bool) {
	rec, ok := k.it.Next()
	return rec.Key, ok
}

func (k *KeyIterator) NextBack() (types.Key, bool) {
	rec, ok := k.it.NextBack()
	return rec.Key, ok
}

func (k *KeyIterator) Rev() *KeyIterator {
	return &KeyIterator{it: k.it.Rev()}
}

func (k *KeyIterator) All() iter.Seq[types.Key] {
	return func(yield func(types.Key) bool) {
		for {
			key, ok := k.Next()
			if !ok || !yield(key) {
				return
			}
		}
	}
}

func (k *KeyIterator) Err() error {
	return k.it.Err()
}

func (k *KeyIterator) Close() error {
	return k.it.Close()
}
