package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapkv/pkg/iterator"
	"snapkv/pkg/types"
)

func rec(key string, seqno types.SeqNo, value string) types.Record {
	return types.Record{
		Header: types.Header{Key: []byte(key), SeqNo: seqno, Type: types.TypeValue},
		Value:  []byte(value),
	}
}

func TestMemtable_VersionOrder(t *testing.T) {
	mt := New(0)

	require.NoError(t, mt.Insert(rec("b", 1, "b1")))
	require.NoError(t, mt.Insert(rec("a", 2, "a2")))
	require.NoError(t, mt.Insert(rec("b", 3, "b3")))
	require.NoError(t, mt.Insert(rec("a", 1, "a1")))

	var got []string
	for _, r := range mt.Sorted() {
		got = append(got, string(r.Value))
	}
	assert.Equal(t, []string{"a2", "a1", "b3", "b1"}, got)
	assert.Equal(t, 4, mt.Len())
	assert.Equal(t, types.SeqNo(3), mt.MaxSeqNo())
}

func values(src iterator.Source) []string {
	var out []string
	for i := 0; i < src.Len(); i++ {
		r, _ := src.Load(i)
		out = append(out, string(r.Value))
	}
	return out
}

func TestMemtable_PointSource(t *testing.T) {
	mt := New(0)
	require.NoError(t, mt.Insert(rec("k", 5, "v5")))
	require.NoError(t, mt.Insert(rec("k", 9, "v9")))
	require.NoError(t, mt.Insert(rec("k\x00", 1, "next")))
	require.NoError(t, mt.Insert(rec("j", 1, "prev")))

	point := func(key string) iterator.Source {
		return mt.Source(iterator.Bounds{Lower: []byte(key), Upper: types.Successor([]byte(key))})
	}

	assert.Equal(t, []string{"v9", "v5"}, values(point("k")))
	assert.Equal(t, []string{"next"}, values(point("k\x00")))
	assert.Empty(t, values(point("missing")))
}

func TestMemtable_SameVersionOverwrites(t *testing.T) {
	mt := New(0)
	require.NoError(t, mt.Insert(rec("k", 1, "first")))
	require.NoError(t, mt.Insert(rec("k", 1, "second")))

	assert.Equal(t, 1, mt.Len())
	assert.Equal(t, []string{"second"}, values(mt.Source(iterator.Bounds{})))
}

func TestMemtable_RestoreSkipsEntryLimit(t *testing.T) {
	mt := New(16)
	big := rec("key", 1, "a value that does not fit")

	require.ErrorIs(t, mt.Insert(big), ErrTooLargeEntry)
	mt.Restore(big)
	assert.Equal(t, 1, mt.Len())
	assert.Equal(t, types.SeqNo(1), mt.MaxSeqNo())
}

func TestMemtable_EntryLimit(t *testing.T) {
	mt := New(16)

	err := mt.Insert(rec("key", 1, "a value that does not fit"))
	require.ErrorIs(t, err, ErrTooLargeEntry)
	assert.True(t, mt.IsEmpty())
	assert.Zero(t, mt.ApproximateSize())

	require.NoError(t, mt.Insert(rec("k", 1, "v")))
	assert.Equal(t, uint64(1+1+seqNSize+typeSize), mt.ApproximateSize())
}

func TestMemtable_SourceIsCapture(t *testing.T) {
	mt := New(0)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, mt.Insert(rec(k, 1, k)))
	}

	src := mt.Source(iterator.Bounds{Lower: []byte("b"), Upper: []byte("d")})
	require.NoError(t, mt.Insert(rec("bb", 2, "late")))

	require.Equal(t, 2, src.Len())
	assert.Equal(t, "b", string(src.Header(0).Key))
	assert.Equal(t, "c", string(src.Header(1).Key))
}

func TestMemtable_ConcurrentInsert(t *testing.T) {
	mt := New(0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				seqno := types.SeqNo(w*100 + i + 1)
				assert.NoError(t, mt.Insert(rec(fmt.Sprintf("k%03d", i), seqno, "v")))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, mt.Len())
	assert.Equal(t, types.SeqNo(800), mt.MaxSeqNo())
}
