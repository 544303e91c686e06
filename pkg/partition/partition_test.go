package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapkv/pkg/clock"
	"snapkv/pkg/config"
	"snapkv/pkg/iterator"
	"snapkv/pkg/metrics"
	"snapkv/pkg/types"
)

func testConfig() config.PartitionConfig {
	cfg := config.DefaultPartition("")
	cfg.Memtable.AutoFlush = false
	return cfg
}

func openPartition(t *testing.T, path string, opts ...Option) *Partition {
	t.Helper()

	p, err := Open(path, testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func collect(t *testing.T, it iterator.DoubleEnded) []string {
	t.Helper()

	var out []string
	for rec := range iterator.All(it) {
		out = append(out, string(rec.Key))
	}
	require.NoError(t, it.Err())
	return out
}

func insert(t *testing.T, p *Partition, keys ...string) {
	t.Helper()

	for _, k := range keys {
		_, err := p.Insert([]byte(k), []byte(k))
		require.NoError(t, err)
	}
}

func TestPartition_SnapshotAtCapturedSeqno(t *testing.T) {
	p := openPartition(t, t.TempDir())

	insert(t, p, "a")
	t0 := p.Counter().Get()
	insert(t, p, "b")

	snap := p.SnapshotAt(t0)
	defer snap.Close()

	assert.Equal(t, []string{"a"}, collect(t, snap.Iter()))
	assert.Equal(t, []string{"a", "b"}, collect(t, p.Iter()))
	assert.Equal(t, t0, snap.Seqno())
}

func TestPartition_SnapshotLeavesCounter(t *testing.T) {
	p := openPartition(t, t.TempDir())
	insert(t, p, "a")

	before := p.Counter().Get()
	snap := p.Snapshot()
	defer snap.Close()

	assert.Equal(t, before, p.Counter().Get())
	assert.Equal(t, before, snap.Seqno())
}

func TestPartition_SnapshotReadOps(t *testing.T) {
	p := openPartition(t, t.TempDir())
	insert(t, p, "user:1", "user:2", "order:1")

	snap := p.Snapshot()
	defer snap.Close()

	_, err := p.Remove([]byte("user:1"))
	require.NoError(t, err)
	_, err = p.Insert([]byte("user:2"), []byte("changed"))
	require.NoError(t, err)
	insert(t, p, "user:3")

	v, ok, err := snap.Get([]byte("user:2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user:2", string(v))

	v, ok, err = p.Get([]byte("user:2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "changed", string(v))

	assert.Equal(t, []string{"user:1", "user:2"}, collect(t, snap.Prefix([]byte("user:"))))
	assert.Equal(t, []string{"user:2", "user:3"}, collect(t, p.Prefix([]byte("user:"))))

	var keys []string
	for k := range snap.Keys().All() {
		keys = append(keys, string(k))
	}
	assert.Equal(t, []string{"order:1", "user:1", "user:2"}, keys)

	n, err := snap.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPartition_ScrambledFlushesPingPong(t *testing.T) {
	p := openPartition(t, t.TempDir())

	insert(t, p, "f", "e", "d")
	require.NoError(t, p.Flush())
	insert(t, p, "a", "b", "c")
	require.NoError(t, p.Flush())
	require.Equal(t, 2, p.RunCount())

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, collect(t, p.Iter()))
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, collect(t, p.Iter().Rev()))

	it := p.Iter()
	var got []string
	for i := 0; i < 3; i++ {
		rec, ok := it.Next()
		require.True(t, ok)
		got = append(got, string(rec.Key))
		rec, ok = it.NextBack()
		require.True(t, ok)
		got = append(got, string(rec.Key))
	}
	assert.Equal(t, []string{"a", "f", "b", "e", "c", "d"}, got)

	for i := 0; i < 3; i++ {
		_, ok := it.Next()
		assert.False(t, ok)
		_, ok = it.NextBack()
		assert.False(t, ok)
	}
}

func TestPartition_SnapshotIgnoresConcurrentWrites(t *testing.T) {
	p := openPartition(t, t.TempDir())
	insert(t, p, "base")

	snap := p.Snapshot()
	defer snap.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := p.Insert([]byte(fmt.Sprintf("w%d-%02d", w, i)), []byte("v"))
				assert.NoError(t, err)
			}
		}()
	}

	for i := 0; i < 20; i++ {
		assert.Equal(t, []string{"base"}, collect(t, snap.Iter()))
	}
	wg.Wait()

	for rec := range iterator.All(p.Iter()) {
		if string(rec.Key) != "base" {
			assert.Greater(t, rec.SeqNo, snap.Seqno())
		}
	}
	n, err := p.Len()
	require.NoError(t, err)
	assert.Equal(t, 201, n)
}

func TestPartition_SnapshotStableUnderRacingWriters(t *testing.T) {
	p := openPartition(t, t.TempDir())

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20_000 && !stop.Load(); i++ {
				_, err := p.Insert([]byte("k"), []byte(fmt.Sprintf("%d-%06x", w, i)))
				assert.NoError(t, err)
			}
		}()
	}
	defer func() {
		stop.Store(true)
		wg.Wait()
	}()

	for trial := 0; trial < 1_000; trial++ {
		snap := p.Snapshot()

		first, _, err := snap.Get([]byte("k"))
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, _, err := snap.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, string(first), string(again), "snapshot at %d changed", snap.Seqno())
		}

		require.NoError(t, snap.Close())
	}
}

func TestPartition_FlushKeepsSnapshotHistory(t *testing.T) {
	p := openPartition(t, t.TempDir())

	_, err := p.Insert([]byte("k"), []byte("old"))
	require.NoError(t, err)
	snap := p.Snapshot()
	_, err = p.Insert([]byte("k"), []byte("new"))
	require.NoError(t, err)

	require.NoError(t, p.Flush())

	v, ok, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(v))

	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close())
	assert.Zero(t, p.OpenSnapshots())
}

func TestPartition_ReopenNeverReusesSeqnos(t *testing.T) {
	dir := t.TempDir()
	src := clock.NewManual(1_000)

	p, err := Open(dir, testConfig(), WithClock(src))
	require.NoError(t, err)
	var last types.SeqNo
	for i := 0; i < 5; i++ {
		last, err = p.Insert([]byte(fmt.Sprintf("k%d", i)), nil)
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush())
	require.NoError(t, p.Close())

	// clock went backwards across the restart
	src.Set(10)
	p = openPartition(t, dir, WithClock(src))

	seqno, err := p.Insert([]byte("next"), nil)
	require.NoError(t, err)
	assert.Greater(t, seqno, last)
}

func TestPartition_SharedCounter(t *testing.T) {
	counter := clock.NewCounter(0, nil)

	a := openPartition(t, filepath.Join(t.TempDir(), "a"), WithCounter(counter))
	b := openPartition(t, filepath.Join(t.TempDir(), "b"), WithCounter(counter))

	s1, err := a.Insert([]byte("x"), nil)
	require.NoError(t, err)
	s2, err := b.Insert([]byte("x"), nil)
	require.NoError(t, err)

	assert.Equal(t, types.SeqNo(1), s1)
	assert.Equal(t, types.SeqNo(2), s2)
	assert.Same(t, counter, a.Counter())
}

func TestPartition_ReopenFromChangingDirectories(t *testing.T) {
	base := t.TempDir()
	t.Chdir(base)

	p, err := Open("items", testConfig())
	require.NoError(t, err)
	insert(t, p, "c", "a", "b")
	require.NoError(t, p.Flush())
	insert(t, p, "d")
	abs := p.Path()
	require.NoError(t, p.Close())

	for i := 0; i < 10; i++ {
		dir := filepath.Join(base, fmt.Sprintf("elsewhere-%d", i))
		require.NoError(t, os.Mkdir(dir, 0750))
		t.Chdir(dir)

		p, err := Open(abs, testConfig())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, collect(t, p.Iter()))
		assert.Equal(t, 1, p.RunCount())
		require.NoError(t, p.Close())
	}
}

func TestPartition_AutoFlush(t *testing.T) {
	cfg := config.DefaultPartition("")
	cfg.Memtable.FlushThresholdBytes = 256

	p, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 32; i++ {
		_, err := p.Insert([]byte(fmt.Sprintf("key-%02d", i)), []byte("some value"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return p.RunCount() > 0
	}, 5*time.Second, 10*time.Millisecond)

	n, err := p.Len()
	require.NoError(t, err)
	assert.Equal(t, 32, n)
}

func TestPartition_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.Workers = 0

	_, err := Open(t.TempDir(), cfg)
	require.Error(t, err)
}

func TestPartition_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	p := openPartition(t, t.TempDir(), WithMetrics(reg))

	insert(t, p, "a", "b")
	_, err := p.Remove([]byte("a"))
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, float64(1), reg.Value("snapkv_open_snapshots", nil))
	require.NoError(t, p.Flush())
	require.NoError(t, snap.Close())

	assert.Equal(t, float64(2), reg.Value("snapkv_writes_total", map[string]string{"op": "insert"}))
	assert.Equal(t, float64(1), reg.Value("snapkv_writes_total", map[string]string{"op": "remove"}))
	assert.Equal(t, float64(1), reg.Value("snapkv_runs", nil))
	assert.Zero(t, reg.Value("snapkv_open_snapshots", nil))
}
