package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"snapkv/pkg/dberrors"
	"snapkv/pkg/fsutil"
	"snapkv/pkg/types"
)

const (
	ManifestFile    = "MANIFEST"
	manifestVersion = 1
)

// Manifest records which runs make up a partition. File names are relative to
// the partition directory so the directory can be moved as a whole.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

// ManifestData represents the manifest data
type ManifestData struct {
	Version   int         `json:"version"`
	NextRunID uint64      `json:"next_run_id"`
	Runs      []RunInfo   `json:"runs"`
	LastSeqNo types.SeqNo `json:"last_seqno"`
	// JournalSegment is the oldest journal segment not yet covered by a run.
	JournalSegment uint64 `json:"journal_segment"`
}

// RunInfo describes a persisted run.
type RunInfo struct {
	ID       uint64      `json:"id"`
	File     string      `json:"file"`
	Count    int         `json:"count"`
	MaxSeqNo types.SeqNo `json:"max_seqno"`
	Size     int64       `json:"size"`
}

func NewManifest(dataDir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dataDir, ManifestFile),
		metadata: ManifestData{
			Version:        manifestVersion,
			NextRunID:      1,
			JournalSegment: 1,
		},
	}
}

// Load reads the manifest, creating it on first use.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var md ManifestData
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("%w: failed to parse manifest: %v", dberrors.ErrCorrupted, err)
	}
	if md.Version != manifestVersion {
		return fmt.Errorf("%w: unsupported manifest version %d", dberrors.ErrCorrupted, md.Version)
	}

	m.metadata = md

	return nil
}

func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := fsutil.WriteFileAtomic(m.filePath, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// AllocRunID reserves the id for the next run. The reservation becomes
// durable together with the run in CommitRun.
func (m *Manifest) AllocRunID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextRunID
	m.metadata.NextRunID++
	return id
}

// CommitRun adds a freshly written run and moves the journal watermark to
// segment in one durable step.
func (m *Manifest) CommitRun(info RunInfo, segment uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.metadata
	m.metadata.Runs = append(slices.Clone(m.metadata.Runs), info)
	m.metadata.LastSeqNo = max(m.metadata.LastSeqNo, info.MaxSeqNo)
	m.metadata.JournalSegment = max(m.metadata.JournalSegment, segment)
	if info.ID >= m.metadata.NextRunID {
		m.metadata.NextRunID = info.ID + 1
	}

	if err := m.save(); err != nil {
		m.metadata = prev
		return err
	}

	return nil
}

// Runs returns the runs in flush order, oldest first.
func (m *Manifest) Runs() []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.metadata.Runs)
}

func (m *Manifest) LastSeqNo() types.SeqNo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.metadata.LastSeqNo
}

func (m *Manifest) JournalSegment() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.metadata.JournalSegment
}
