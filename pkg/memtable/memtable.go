package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"snapkv/pkg/iterator"
	"snapkv/pkg/types"
)

const (
	seqNSize = 8
	typeSize = 1
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

// versions holds every version of one key, newest first.
type versions = skipmap.Uint64MapDesc[types.Record]

type concurrentSet = skipmap.StringMap[*versions]

// Memtable is the live, multi-version write buffer of a partition. Every
// (key, seqno) pair is its own entry; writing the same pair twice replaces it.
type Memtable struct {
	maxEntry uint64
	size     atomic.Uint64
	count    atomic.Int64
	maxSeqNo atomic.Uint64

	underlying *concurrentSet
}

// New creates an empty memtable. maxEntryBytes <= 0 disables the entry limit.
func New(maxEntryBytes int) *Memtable {
	mt := Memtable{
		underlying: skipmap.NewString[*versions](),
	}
	if maxEntryBytes > 0 {
		mt.maxEntry = uint64(maxEntryBytes)
	}

	return &mt
}

func entrySize(rec types.Record) uint64 {
	return uint64(len(rec.Key)) + uint64(len(rec.Value)) + seqNSize + typeSize
}

// CheckEntry reports whether rec fits under the entry limit.
func (mt *Memtable) CheckEntry(rec types.Record) error {
	if size := entrySize(rec); mt.maxEntry > 0 && size > mt.maxEntry {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeEntry, size)
	}
	return nil
}

func (mt *Memtable) Insert(rec types.Record) error {
	if err := mt.CheckEntry(rec); err != nil {
		return err
	}
	mt.insert(rec)

	return nil
}

// Restore inserts rec without the entry limit. It is used for records that
// were accepted before, e.g. on journal replay after the limit was lowered.
func (mt *Memtable) Restore(rec types.Record) {
	mt.insert(rec)
}

func (mt *Memtable) insert(rec types.Record) {
	vs, _ := mt.underlying.LoadOrStoreLazy(string(rec.Key), func() *versions {
		return skipmap.NewUint64Desc[types.Record]()
	})

	if _, replaced := vs.LoadOrStore(uint64(rec.SeqNo), rec); replaced {
		vs.Store(uint64(rec.SeqNo), rec)
	} else {
		mt.count.Add(1)
	}
	mt.size.Add(entrySize(rec))

	for {
		cur := mt.maxSeqNo.Load()
		if uint64(rec.SeqNo) <= cur || mt.maxSeqNo.CompareAndSwap(cur, uint64(rec.SeqNo)) {
			break
		}
	}
}

// Source captures the entries with keys in bounds, in (key asc, seqno desc)
// order. Entries written after the capture are not part of it.
//
// A single-key bound is a point lookup. Other bounds walk the key index from
// the first key, so a range scan costs O(keys below Lower) extra.
func (mt *Memtable) Source(bounds iterator.Bounds) iterator.Source {
	out := make(records, 0)

	if bounds.Lower != nil && bytes.Equal(bounds.Upper, types.Successor(bounds.Lower)) {
		if vs, ok := mt.underlying.Load(string(bounds.Lower)); ok {
			out = appendVersions(out, vs)
		}
		return out
	}

	lower, upper := string(bounds.Lower), string(bounds.Upper)
	mt.underlying.Range(func(key string, vs *versions) bool {
		if key < lower {
			return true
		}
		if bounds.Upper != nil && key >= upper {
			return false
		}
		out = appendVersions(out, vs)
		return true
	})

	return out
}

func appendVersions(out records, vs *versions) records {
	vs.Range(func(_ uint64, rec types.Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// Sorted returns every entry in (key asc, seqno desc) order.
func (mt *Memtable) Sorted() []types.Record {
	result := make(records, 0, mt.Len())
	mt.underlying.Range(func(_ string, vs *versions) bool {
		result = appendVersions(result, vs)
		return true
	})

	return result
}

func (mt *Memtable) ApproximateSize() uint64 {
	return mt.size.Load()
}

// Len returns the number of (key, seqno) entries.
func (mt *Memtable) Len() int {
	return int(mt.count.Load())
}

func (mt *Memtable) IsEmpty() bool {
	return mt.Len() == 0
}

func (mt *Memtable) MaxSeqNo() types.SeqNo {
	return types.SeqNo(mt.maxSeqNo.Load())
}
