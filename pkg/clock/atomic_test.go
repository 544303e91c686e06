package clock

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapkv/pkg/types"
)

func TestCounter_FollowsClock(t *testing.T) {
	src := NewManual(1_000)
	c := NewCounterFromClock(src)
	require.Equal(t, types.SeqNo(1_000), c.Get())

	// clock did not move: fall back to +1
	assert.Equal(t, types.SeqNo(1_001), c.Next())
	assert.Equal(t, types.SeqNo(1_002), c.Next())

	src.Advance(time.Microsecond)
	assert.Equal(t, types.SeqNo(2_000), c.Next())
	assert.Equal(t, types.SeqNo(2_000), c.Get())
}

func TestCounter_ClockBehindPrev(t *testing.T) {
	src := NewManual(10)
	c := NewCounter(500, src)

	assert.Equal(t, types.SeqNo(501), c.Next())
	src.Set(5)
	assert.Equal(t, types.SeqNo(502), c.Next())
}

func TestCounter_NilSource(t *testing.T) {
	c := NewCounter(0, nil)
	assert.Equal(t, types.SeqNo(1), c.Next())
	assert.Equal(t, types.SeqNo(2), c.Next())
	assert.Equal(t, types.SeqNo(2), c.Get())
}

func TestCounter_Observe(t *testing.T) {
	c := NewCounter(10, nil)
	c.Observe(5)
	assert.Equal(t, types.SeqNo(10), c.Get())
	c.Observe(42)
	assert.Equal(t, types.SeqNo(42), c.Get())
	assert.Equal(t, types.SeqNo(43), c.Next())
}

func TestCounter_ConcurrentNext(t *testing.T) {
	src, err := NewMonotonic()
	require.NoError(t, err)

	c := NewCounterFromClock(src)
	before := c.Get()

	const (
		workers = 8
		perG    = 2_000
	)

	results := make([][]types.SeqNo, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]types.SeqNo, 0, perG)
			for i := 0; i < perG; i++ {
				seq := c.Next()
				// get never runs ahead of what has been issued
				if got := c.Get(); got < seq {
					t.Errorf("get %d behind issued %d", got, seq)
				}
				out = append(out, seq)
			}
			results[w] = out
		}(w)
	}
	wg.Wait()

	all := make([]types.SeqNo, 0, workers*perG)
	for _, r := range results {
		require.True(t, slices.IsSorted(r), "per-goroutine values must increase")
		all = append(all, r...)
	}
	slices.Sort(all)

	require.Greater(t, all[0], before)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i], all[i-1], "duplicate seqno issued")
	}
	assert.Equal(t, all[len(all)-1], c.Get())
}

func TestMonotonic_NeverGoesBack(t *testing.T) {
	m, err := NewMonotonic()
	require.NoError(t, err)

	prev := m.Now()
	for i := 0; i < 1_000; i++ {
		now := m.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
	assert.Greater(t, prev, uint64(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()))
}
