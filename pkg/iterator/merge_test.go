package iterator

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapkv/pkg/types"
)

type sliceSource []types.Record

func (s sliceSource) Len() int                          { return len(s) }
func (s sliceSource) Header(i int) types.Header         { return s[i].Header }
func (s sliceSource) Load(i int) (types.Record, error) { return s[i], nil }

func rec(key string, seqno types.SeqNo, value string) types.Record {
	return types.Record{
		Header: types.Header{Key: []byte(key), SeqNo: seqno},
		Value:  []byte(value),
	}
}

func tomb(key string, seqno types.SeqNo) types.Record {
	return types.Record{Header: types.Header{Key: []byte(key), SeqNo: seqno, Type: types.TypeTombstone}}
}

// run sorts records the way a flushed run stores them.
func run(recs ...types.Record) sliceSource {
	out := sliceSource(slices.Clone(recs))
	sort.Slice(out, func(i, j int) bool {
		return types.CompareHeaders(out[i].Header, out[j].Header) < 0
	})
	return out
}

func keysOf(t *testing.T, it DoubleEnded) []string {
	t.Helper()
	var out []string
	for r := range All(it) {
		out = append(out, string(r.Key))
	}
	require.NoError(t, it.Err())
	return out
}

func requireClosed(t *testing.T, it DoubleEnded) {
	t.Helper()
	_, ok := it.Next()
	require.False(t, ok, "iterator should be closed (done)")
	_, ok = it.NextBack()
	require.False(t, ok, "iterator should be closed (done)")
}

func scrambled() []Source {
	return []Source{
		run(rec("f", 0, ""), rec("e", 0, ""), rec("d", 0, "")),
		run(rec("a", 0, ""), rec("b", 0, ""), rec("c", 0, "")),
	}
}

func TestMerge_ScrambledRunsForward(t *testing.T) {
	it := NewMerge(scrambled(), Bounds{}, types.MaxSeqNo)
	for _, want := range []string{"a", "b", "c", "d", "e", "f"} {
		r, ok := it.Next()
		require.True(t, ok)
		require.Equal(t, want, string(r.Key))
	}
	requireClosed(t, it)
}

func TestMerge_ScrambledRunsReverse(t *testing.T) {
	it := NewMerge(scrambled(), Bounds{}, types.MaxSeqNo).Rev()
	for _, want := range []string{"f", "e", "d", "c", "b", "a"} {
		r, ok := it.Next()
		require.True(t, ok)
		require.Equal(t, want, string(r.Key))
	}
	requireClosed(t, it)
}

func TestMerge_PingPong(t *testing.T) {
	it := NewMerge(scrambled(), Bounds{}, types.MaxSeqNo)

	steps := []struct {
		back bool
		want string
	}{
		{false, "a"}, {true, "f"},
		{false, "b"}, {true, "e"},
		{false, "c"}, {true, "d"},
	}
	for _, s := range steps {
		var (
			r  types.Record
			ok bool
		)
		if s.back {
			r, ok = it.NextBack()
		} else {
			r, ok = it.Next()
		}
		require.True(t, ok)
		require.Equal(t, s.want, string(r.Key))
	}

	requireClosed(t, it)
	requireClosed(t, it)
}

func TestMerge_NewestVersionWins(t *testing.T) {
	sources := []Source{
		run(rec("a", 1, "a1"), rec("b", 5, "b5")),
		run(rec("a", 3, "a3"), rec("b", 2, "b2"), rec("c", 1, "c1")),
		run(rec("a", 2, "a2"), rec("c", 4, "c4")),
	}

	got, err := Collect(NewMerge(sources, Bounds{}, types.MaxSeqNo))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a3", string(got[0].Value))
	assert.Equal(t, "b5", string(got[1].Value))
	assert.Equal(t, "c4", string(got[2].Value))

	back, err := Collect(NewMerge(sources, Bounds{}, types.MaxSeqNo).Rev())
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, "c4", string(back[0].Value))
	assert.Equal(t, "b5", string(back[1].Value))
	assert.Equal(t, "a3", string(back[2].Value))
}

func TestMerge_EqualSeqNoLaterSourceWins(t *testing.T) {
	sources := []Source{
		run(rec("k", 0, "old")),
		run(rec("k", 0, "new")),
	}

	r, ok := NewMerge(sources, Bounds{}, types.MaxSeqNo).Next()
	require.True(t, ok)
	assert.Equal(t, "new", string(r.Value))

	r, ok = NewMerge(sources, Bounds{}, types.MaxSeqNo).NextBack()
	require.True(t, ok)
	assert.Equal(t, "new", string(r.Value))
}

func TestMerge_SeqNoFilter(t *testing.T) {
	sources := []Source{
		run(rec("a", 1, "a1"), rec("a", 4, "a4"), rec("b", 3, "b3")),
		run(rec("c", 5, "c5"), tomb("b", 6)),
	}

	cases := []struct {
		seqno types.SeqNo
		want  []string
	}{
		{0, nil},
		{1, []string{"a"}},
		{3, []string{"a", "b"}},
		{5, []string{"a", "b", "c"}},
		{6, []string{"a", "c"}},
		{types.MaxSeqNo, []string{"a", "c"}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.seqno), func(t *testing.T) {
			assert.Equal(t, tc.want, keysOf(t, NewMerge(sources, Bounds{}, tc.seqno)))

			var back []string
			for r := range All(NewMerge(sources, Bounds{}, tc.seqno).Rev()) {
				back = append(back, string(r.Key))
			}
			slices.Reverse(back)
			assert.Equal(t, tc.want, back)
		})
	}

	r, ok := NewMerge(sources, Bounds{}, 3).Next()
	require.True(t, ok)
	assert.Equal(t, "a1", string(r.Value), "a4 is newer than the threshold")
}

func TestMerge_TombstoneShadowsOlderRun(t *testing.T) {
	sources := []Source{
		run(rec("a", 1, ""), rec("b", 1, ""), rec("c", 1, "")),
		run(tomb("b", 2)),
	}
	assert.Equal(t, []string{"a", "c"}, keysOf(t, NewMerge(sources, Bounds{}, types.MaxSeqNo)))

	it := NewMerge(sources, Bounds{}, types.MaxSeqNo)
	r, ok := it.NextBack()
	require.True(t, ok)
	assert.Equal(t, "c", string(r.Key))
	r, ok = it.NextBack()
	require.True(t, ok)
	assert.Equal(t, "a", string(r.Key))
	requireClosed(t, it)
}

func TestMerge_Bounds(t *testing.T) {
	sources := scrambled()

	got := keysOf(t, NewMerge(sources, Bounds{Lower: []byte("b"), Upper: []byte("e")}, types.MaxSeqNo))
	assert.Equal(t, []string{"b", "c", "d"}, got)

	got = keysOf(t, NewMerge(sources, Bounds{Lower: []byte("cc")}, types.MaxSeqNo))
	assert.Equal(t, []string{"d", "e", "f"}, got)

	got = keysOf(t, NewMerge(sources, Bounds{Upper: []byte("a")}, types.MaxSeqNo))
	assert.Empty(t, got)
}

func TestMerge_Empty(t *testing.T) {
	it := NewMerge(nil, Bounds{}, types.MaxSeqNo)
	requireClosed(t, it)

	it = NewMerge([]Source{sliceSource{}, nil}, Bounds{}, types.MaxSeqNo)
	requireClosed(t, it)
}

func TestMerge_ClosedAfterClose(t *testing.T) {
	it := NewMerge(scrambled(), Bounds{}, types.MaxSeqNo)
	_, ok := it.Next()
	require.True(t, ok)
	require.NoError(t, it.Close())
	requireClosed(t, it)
}

type failingSource struct {
	sliceSource
}

func (f failingSource) Load(int) (types.Record, error) {
	return types.Record{}, errors.New("boom")
}

func TestMerge_LoadError(t *testing.T) {
	it := NewMerge([]Source{failingSource{run(rec("a", 1, ""))}}, Bounds{}, types.MaxSeqNo)
	_, ok := it.Next()
	require.False(t, ok)
	require.Error(t, it.Err())
	requireClosed(t, it)
}

func TestKeyIterator(t *testing.T) {
	keys := Keys(NewMerge(scrambled(), Bounds{}, types.MaxSeqNo))

	var got []string
	for k := range keys.All() {
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, got)

	rev := Keys(NewMerge(scrambled(), Bounds{}, types.MaxSeqNo)).Rev()
	k, ok := rev.Next()
	require.True(t, ok)
	assert.Equal(t, "f", string(k))
	k, ok = rev.NextBack()
	require.True(t, ok)
	assert.Equal(t, "a", string(k))
}

// model resolves the expected visible (key, value) list directly.
func model(sources []Source, seqno types.SeqNo) []types.Record {
	type best struct {
		rec  types.Record
		prio int
	}
	latest := map[string]best{}
	for prio, src := range sources {
		for i := 0; i < src.Len(); i++ {
			r, _ := src.Load(i)
			if r.SeqNo > seqno {
				continue
			}
			cur, ok := latest[string(r.Key)]
			if !ok || r.SeqNo > cur.rec.SeqNo || (r.SeqNo == cur.rec.SeqNo && prio > cur.prio) {
				latest[string(r.Key)] = best{rec: r, prio: prio}
			}
		}
	}

	var out []types.Record
	for _, b := range latest {
		if !b.rec.IsTombstone() {
			out = append(out, b.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

func TestMerge_RandomPingPong(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		nSources := 1 + rnd.Intn(5)
		sources := make([]Source, nSources)
		for s := range sources {
			seen := map[string]bool{}
			var recs []types.Record
			for n := rnd.Intn(12); n > 0; n-- {
				key := string(rune('a' + rnd.Intn(10)))
				seq := types.SeqNo(rnd.Intn(8))
				id := fmt.Sprintf("%s/%d", key, seq)
				if seen[id] {
					continue
				}
				seen[id] = true
				r := rec(key, seq, fmt.Sprintf("%d:%s", s, id))
				if rnd.Intn(5) == 0 {
					r = tomb(key, seq)
				}
				recs = append(recs, r)
			}
			sources[s] = run(recs...)
		}
		seqno := types.SeqNo(rnd.Intn(9))

		want := model(sources, seqno)
		it := NewMerge(sources, Bounds{}, seqno)

		front, back := []types.Record{}, []types.Record{}
		for {
			var (
				r  types.Record
				ok bool
			)
			if rnd.Intn(2) == 0 {
				r, ok = it.Next()
				if ok {
					front = append(front, r)
				}
			} else {
				r, ok = it.NextBack()
				if ok {
					back = append(back, r)
				}
			}
			if !ok {
				break
			}
		}
		requireClosed(t, it)

		slices.Reverse(back)
		got := append(front, back...)
		require.Len(t, got, len(want), "round %d", round)
		for i := range want {
			require.Equal(t, string(want[i].Key), string(got[i].Key), "round %d", round)
			require.Equal(t, string(want[i].Value), string(got[i].Value), "round %d", round)
		}
	}
}
