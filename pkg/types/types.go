package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqNo is the sequence number stamped on every write. A record with seqno s
// is visible to a reader anchored at t iff s <= t.
type SeqNo uint64

// MaxSeqNo is used as the threshold of live (unfiltered) reads.
const MaxSeqNo = ^SeqNo(0)

// MaxKeySize is the longest key a partition accepts.
const MaxKeySize = 1<<16 - 1

// ValueType tells a regular value from a deletion marker.
type ValueType uint8

const (
	TypeValue ValueType = iota
	TypeTombstone
)

// Header is the part of a record needed to order and filter it.
type Header struct {
	Key   Key
	SeqNo SeqNo
	Type  ValueType
}

func (h Header) IsTombstone() bool {
	return h.Type == TypeTombstone
}

// Record is a single version of a key.
type Record struct {
	Header
	Value Value
}

// CompareHeaders orders by key ascending, then seqno descending, so the
// newest version of a key comes first.
func CompareHeaders(a, b Header) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.SeqNo > b.SeqNo:
		return -1
	case a.SeqNo < b.SeqNo:
		return 1
	}
	return 0
}

// PrefixUpperBound returns the smallest key greater than every key starting
// with prefix, or nil when no such key exists (prefix is all 0xff).
func PrefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Successor returns the smallest key strictly greater than key.
func Successor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}
