package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"snapkv/pkg/clock"
	"snapkv/pkg/config"
	"snapkv/pkg/iterator"
	"snapkv/pkg/listener"
	"snapkv/pkg/metrics"
	"snapkv/pkg/snapshot"
	"snapkv/pkg/store"
	"snapkv/pkg/types"
)

type options struct {
	src     clock.Source
	counter *clock.Counter
	metrics metrics.Collector
}

type Option func(*options)

// WithMetrics reports writes, flushes and open snapshots to c.
func WithMetrics(c metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// WithClock sets the time source of the partition's own counter.
func WithClock(src clock.Source) Option {
	return func(o *options) {
		o.src = src
	}
}

// WithCounter shares an existing counter, e.g. between the partitions of one
// keyspace. It is raised past every persisted seqno on open.
func WithCounter(c *clock.Counter) Option {
	return func(o *options) {
		o.counter = c
	}
}

// Partition stamps writes with seqnos from its counter and serves live and
// snapshot reads over its record store.
type Partition struct {
	cfg     config.PartitionConfig
	store   *store.Store
	counter *clock.Counter
	tracker *snapshot.Tracker
	metrics metrics.Collector

	// writeMu orders seqno issuance against snapshot capture: writers hold
	// the read side from counter.Next until the record is applied, Snapshot
	// holds the write side while reading counter.Get.
	writeMu sync.RWMutex

	flushReq chan struct{}
	flusher  *listener.Listener[struct{}]

	closeOnce sync.Once
	closeErr  error
}

// Open opens the partition stored at path, creating it when missing.
func Open(path string, cfg config.PartitionConfig, opts ...Option) (*Partition, error) {
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid partition config: %w", err)
	}

	o := options{metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(path, store.Options{
		MaxEntryBytes:   cfg.Memtable.MaxEntryBytes,
		SyncWrites:      cfg.Journal.SyncWrites,
		RecoveryWorkers: cfg.Recovery.Workers,
	})
	if err != nil {
		return nil, err
	}
	cfg.Path = st.Path()

	counter, err := seedCounter(o, st.MaxSeqNo())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	p := &Partition{
		cfg:      cfg,
		store:    st,
		counter:  counter,
		tracker:  snapshot.NewTracker(),
		metrics:  o.metrics,
		flushReq: make(chan struct{}, 1),
	}

	if cfg.Memtable.AutoFlush {
		p.flusher = listener.New("auto-flush", p.flushReq, func(context.Context, struct{}) error {
			return p.Flush()
		}, listener.WithErrorHandler[struct{}](func(err error) {
			slog.Error("auto-flush failed, keeping writes in memtable", "path", p.cfg.Path, "error", err)
		}))
		p.flusher.Start(context.Background())
	}

	return p, nil
}

// seedCounter makes sure no seqno issued from now on is <= persisted.
func seedCounter(o options, persisted types.SeqNo) (*clock.Counter, error) {
	if o.counter != nil {
		o.counter.Observe(persisted)
		return o.counter, nil
	}

	src := o.src
	if src == nil {
		mono, err := clock.NewMonotonic()
		if err != nil {
			return nil, err
		}
		src = mono
	}

	return clock.NewCounter(max(types.SeqNo(src.Now()), persisted), src), nil
}

// Insert writes key and returns the seqno it was stamped with.
func (p *Partition) Insert(key, value []byte) (types.SeqNo, error) {
	p.writeMu.RLock()
	seqno := p.counter.Next()
	err := p.store.Insert(key, value, seqno)
	p.writeMu.RUnlock()
	if err != nil {
		return 0, err
	}
	p.metrics.IncCounter("snapkv_writes_total", map[string]string{"op": "insert"}, 1)
	p.maybeFlush()

	return seqno, nil
}

// Remove deletes key and returns the seqno of the tombstone.
func (p *Partition) Remove(key []byte) (types.SeqNo, error) {
	p.writeMu.RLock()
	seqno := p.counter.Next()
	err := p.store.Remove(key, seqno)
	p.writeMu.RUnlock()
	if err != nil {
		return 0, err
	}
	p.metrics.IncCounter("snapkv_writes_total", map[string]string{"op": "remove"}, 1)
	p.maybeFlush()

	return seqno, nil
}

func (p *Partition) maybeFlush() {
	if p.flusher == nil || p.store.ApproximateMemtableSize() < uint64(p.cfg.Memtable.FlushThresholdBytes) {
		return
	}
	select {
	case p.flushReq <- struct{}{}:
	default:
	}
}

// FlushActiveStructure persists the live memtable as a new run, collapsing
// version history at or below evictSeqNo.
func (p *Partition) FlushActiveStructure(evictSeqNo types.SeqNo) error {
	start := time.Now()
	if err := p.store.FlushActiveMemtable(evictSeqNo); err != nil {
		p.metrics.IncCounter("snapkv_flush_errors_total", nil, 1)
		return err
	}
	p.metrics.ObserveHistogram("snapkv_flush_seconds", nil, time.Since(start).Seconds())
	p.metrics.SetGauge("snapkv_runs", nil, float64(p.store.RunCount()))

	return nil
}

// Flush persists the live memtable keeping every version an open snapshot
// can still observe.
func (p *Partition) Flush() error {
	evict := p.tracker.Watermark(p.counter.Get())
	slog.Debug("flushing partition", "path", p.cfg.Path, "evict_seqno", evict)

	return p.FlushActiveStructure(evict)
}

func (p *Partition) Iter() iterator.DoubleEnded {
	return p.store.Iter(types.MaxSeqNo)
}

// Range iterates live keys in [lower, upper); nil bounds are open.
func (p *Partition) Range(lower, upper []byte) iterator.DoubleEnded {
	return p.store.Range(iterator.Bounds{Lower: lower, Upper: upper}, types.MaxSeqNo)
}

func (p *Partition) Prefix(prefix []byte) iterator.DoubleEnded {
	return p.store.Prefix(prefix, types.MaxSeqNo)
}

func (p *Partition) Keys() *iterator.KeyIterator {
	return iterator.Keys(p.Iter())
}

func (p *Partition) Get(key []byte) ([]byte, bool, error) {
	return p.store.Get(key, types.MaxSeqNo)
}

// Len counts live keys. It scans the whole partition.
func (p *Partition) Len() (int, error) {
	return p.store.Len(types.MaxSeqNo)
}

// Snapshot captures every write that has returned so far. Any write that
// has not been applied yet gets a higher seqno and stays invisible to it.
func (p *Partition) Snapshot() *snapshot.Snapshot {
	p.writeMu.Lock()
	seqno := p.counter.Get()
	release := p.tracker.Open(seqno)
	p.writeMu.Unlock()

	return p.snapshot(seqno, release)
}

// SnapshotAt opens a view that only observes versions with seqno <= seqno.
// The counter is left untouched. A seqno above the last one issued by a
// returned write is only stable if the caller orders it against writers.
func (p *Partition) SnapshotAt(seqno types.SeqNo) *snapshot.Snapshot {
	return p.snapshot(seqno, p.tracker.Open(seqno))
}

func (p *Partition) snapshot(seqno types.SeqNo, release func()) *snapshot.Snapshot {
	p.reportSnapshots()

	return snapshot.New(p.store, seqno, func() {
		release()
		p.reportSnapshots()
	})
}

func (p *Partition) reportSnapshots() {
	p.metrics.SetGauge("snapkv_open_snapshots", nil, float64(p.tracker.Len()))
}

func (p *Partition) Counter() *clock.Counter {
	return p.counter
}

// OpenSnapshots returns the number of snapshots not yet closed.
func (p *Partition) OpenSnapshots() int {
	return p.tracker.Len()
}

func (p *Partition) RunCount() int {
	return p.store.RunCount()
}

// Path returns the canonical partition directory.
func (p *Partition) Path() string {
	return p.cfg.Path
}

func (p *Partition) Close() error {
	p.closeOnce.Do(func() {
		if p.flusher != nil {
			p.flusher.Stop()
		}
		p.closeErr = p.store.Close()
	})

	return p.closeErr
}
