package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"snapkv/pkg/dberrors"
	"snapkv/pkg/fsutil"
	"snapkv/pkg/iterator"
	"snapkv/pkg/memtable"
	"snapkv/pkg/persistence"
	"snapkv/pkg/types"
	"snapkv/pkg/wal"
)

const (
	JournalDir = "journal"

	MaxKeySize = types.MaxKeySize
)

type Options struct {
	MaxEntryBytes   int
	SyncWrites      bool
	RecoveryWorkers int
}

// Store is the versioned record store of one partition: a live memtable, at
// most one sealed memtable being flushed, and the persisted runs.
type Store struct {
	path string
	opts Options

	// mu guards the set of structures. Writers take the read side so
	// that journal and memtable order stay consistent across a rotation.
	mu      sync.RWMutex
	flushMu sync.Mutex

	active *memtable.Memtable
	sealed *memtable.Memtable
	runs   []*persistence.Run

	manifest *persistence.Manifest
	journal  *wal.WAL
	closed   bool
}

// Open opens or creates the store at path. The path is canonicalized first,
// so any spelling of the same directory reaches the same data.
func Open(path string, opts Options) (*Store, error) {
	root, err := fsutil.Canonicalize(path)
	if err != nil {
		return nil, err
	}
	opts.RecoveryWorkers = max(opts.RecoveryWorkers, 1)

	manifest := persistence.NewManifest(root)
	if err := manifest.Load(); err != nil {
		return nil, err
	}

	runs, err := openRuns(root, manifest.Runs(), opts.RecoveryWorkers)
	if err != nil {
		return nil, err
	}
	if err := removeOrphans(root, manifest.Runs()); err != nil {
		closeRuns(runs)
		return nil, err
	}

	journal, err := wal.Open(filepath.Join(root, JournalDir), manifest.JournalSegment(), wal.Options{
		SyncWrites:    opts.SyncWrites,
		MaxKeyBytes:   MaxKeySize,
		MaxValueBytes: opts.MaxEntryBytes,
	})
	if err != nil {
		closeRuns(runs)
		return nil, err
	}

	s := &Store{
		path:     root,
		opts:     opts,
		active:   memtable.New(opts.MaxEntryBytes),
		runs:     runs,
		manifest: manifest,
		journal:  journal,
	}

	replayed := 0
	err = journal.Replay(func(e wal.Entry) error {
		replayed++
		s.active.Restore(types.Record{
			Header: types.Header{Key: e.Key, SeqNo: e.SeqNum, Type: e.Type},
			Value:  e.Value,
		})
		return nil
	})
	if err != nil {
		_ = journal.Close()
		closeRuns(runs)
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}

	slog.Info("store opened",
		"path", root,
		"runs", len(runs),
		"replayed", replayed,
		"max_seqno", s.MaxSeqNo(),
	)

	return s, nil
}

func openRuns(root string, infos []persistence.RunInfo, workers int) ([]*persistence.Run, error) {
	if len(infos) == 0 {
		return nil, nil
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery pool: %w", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		runs = make([]*persistence.Run, len(infos))
		errs = make([]error, len(infos))
	)
	for i, info := range infos {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			runs[i], errs[i] = persistence.OpenRun(root, info)
		})
		if err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("failed to schedule run %d: %w", info.ID, err)
		}
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		closeRuns(runs)
		return nil, err
	}

	return runs, nil
}

// removeOrphans deletes run files the manifest does not reference, left over
// by a flush that crashed before its commit.
func removeOrphans(root string, infos []persistence.RunInfo) error {
	known := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		known[filepath.Base(info.File)] = struct{}{}
	}

	dir := filepath.Join(root, persistence.RunsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".run") && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}
		slog.Warn("removing orphan run file", "file", name)
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to remove orphan run %s: %w", name, err)
		}
	}

	return nil
}

func closeRuns(runs []*persistence.Run) {
	for _, r := range runs {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			slog.Warn("failed to close run", "run", r.ID(), "error", err)
		}
	}
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes", dberrors.ErrInvalidArgument, len(key))
	}
	return nil
}

// Insert writes value as the version of key at seqno.
func (s *Store) Insert(key, value []byte, seqno types.SeqNo) error {
	return s.write(types.Record{
		Header: types.Header{Key: key, SeqNo: seqno, Type: types.TypeValue},
		Value:  value,
	})
}

// Remove writes a tombstone for key at seqno.
func (s *Store) Remove(key []byte, seqno types.SeqNo) error {
	return s.write(types.Record{
		Header: types.Header{Key: key, SeqNo: seqno, Type: types.TypeTombstone},
	})
}

func (s *Store) write(rec types.Record) error {
	if err := validateKey(rec.Key); err != nil {
		return err
	}
	rec.Key = bytes.Clone(rec.Key)
	rec.Value = bytes.Clone(rec.Value)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return dberrors.ErrClosed
	}
	if err := s.active.CheckEntry(rec); err != nil {
		return err
	}

	err := s.journal.Append(wal.Entry{
		SeqNum: rec.SeqNo,
		Type:   rec.Type,
		Key:    rec.Key,
		Value:  rec.Value,
	})
	if err != nil {
		return err
	}

	return s.active.Insert(rec)
}

// FlushActiveMemtable persists the live memtable as a new run. Versions
// shadowed by a newer version at or below evictSeqNo are dropped on the way.
// Flushing an empty memtable is a no-op.
func (s *Store) FlushActiveMemtable(evictSeqNo types.SeqNo) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dberrors.ErrClosed
	}
	if s.active.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	segment, err := s.journal.Rotate()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	sealed := s.active
	s.sealed = sealed
	s.active = memtable.New(s.opts.MaxEntryBytes)
	s.mu.Unlock()

	start := time.Now()
	run, evicted, err := s.persist(sealed, evictSeqNo, segment+1)
	if err != nil {
		s.restoreSealed()
		return err
	}

	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.sealed = nil
	s.mu.Unlock()

	if err := s.journal.Remove(segment); err != nil {
		slog.Warn("failed to remove flushed journal segments", "segment", segment, "error", err)
	}

	slog.Info("memtable flushed",
		"run", run.ID(),
		"records", run.Len(),
		"evicted", evicted,
		"duration", time.Since(start),
	)

	return nil
}

func (s *Store) persist(mt *memtable.Memtable, evictSeqNo types.SeqNo, nextSegment uint64) (*persistence.Run, int, error) {
	id := s.manifest.AllocRunID()
	info, evicted, err := persistence.WriteRun(s.path, id, mt.Sorted(), evictSeqNo)
	if err != nil {
		return nil, 0, err
	}

	run, err := persistence.OpenRun(s.path, info)
	if err != nil {
		_ = os.Remove(filepath.Join(s.path, info.File))
		return nil, 0, err
	}

	if err := s.manifest.CommitRun(info, nextSegment); err != nil {
		_ = run.Close()
		_ = os.Remove(filepath.Join(s.path, info.File))
		return nil, 0, fmt.Errorf("failed to commit run %d: %w", id, err)
	}

	return run, evicted, nil
}

// restoreSealed folds a memtable whose flush failed back into the live one.
// Its journal segment is still on disk, so nothing is lost on a crash.
func (s *Store) restoreSealed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed == nil {
		return
	}
	for _, rec := range s.sealed.Sorted() {
		s.active.Restore(rec)
	}
	s.sealed = nil
}

// Range returns a merge iterator over [bounds.Lower, bounds.Upper) as seen at
// seqno. The set of runs and the memtable contents are captured on the call.
func (s *Store) Range(bounds iterator.Bounds, seqno types.SeqNo) *iterator.MergeIterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return iterator.Failed(dberrors.ErrClosed)
	}

	sources := make([]iterator.Source, 0, len(s.runs)+2)
	for _, r := range s.runs {
		sources = append(sources, r)
	}
	if s.sealed != nil {
		sources = append(sources, s.sealed.Source(bounds))
	}
	sources = append(sources, s.active.Source(bounds))

	return iterator.NewMerge(sources, bounds, seqno)
}

func (s *Store) Iter(seqno types.SeqNo) *iterator.MergeIterator {
	return s.Range(iterator.Bounds{}, seqno)
}

func (s *Store) Prefix(prefix []byte, seqno types.SeqNo) *iterator.MergeIterator {
	return s.Range(iterator.Bounds{Lower: prefix, Upper: types.PrefixUpperBound(prefix)}, seqno)
}

// Get returns the value of key visible at seqno.
func (s *Store) Get(key []byte, seqno types.SeqNo) ([]byte, bool, error) {
	it := s.Range(iterator.Bounds{Lower: key, Upper: types.Successor(key)}, seqno)
	defer func() { _ = it.Close() }()

	rec, ok := it.Next()
	if !ok {
		return nil, false, it.Err()
	}
	return rec.Value, true, nil
}

// Len counts the keys visible at seqno.
func (s *Store) Len(seqno types.SeqNo) (int, error) {
	it := s.Iter(seqno)
	n := 0
	for range iterator.All(it) {
		n++
	}
	return n, it.Err()
}

// MaxSeqNo returns the highest seqno stored anywhere in the partition.
func (s *Store) MaxSeqNo() types.SeqNo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqno := max(s.manifest.LastSeqNo(), s.active.MaxSeqNo())
	if s.sealed != nil {
		seqno = max(seqno, s.sealed.MaxSeqNo())
	}
	for _, r := range s.runs {
		seqno = max(seqno, r.MaxSeqNo())
	}
	return seqno
}

func (s *Store) RunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.runs)
}

func (s *Store) ApproximateMemtableSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.active.ApproximateSize()
}

// Path returns the canonical partition directory.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.journal.Close()
	for _, r := range s.runs {
		if cerr := r.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}

	return err
}
