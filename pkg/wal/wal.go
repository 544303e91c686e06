package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"snapkv/pkg/dberrors"
	"snapkv/pkg/fsutil"
	"snapkv/pkg/types"
)

const (
	segmentExt = ".log"

	// seqno + type + key length + value length
	entryHeaderSize = 8 + 1 + 4 + 4
	crcSize         = 4
)

var (
	errTornEntry   = errors.New("torn journal entry")
	errBadChecksum = errors.New("journal entry checksum mismatch")
)

type Options struct {
	SyncWrites bool

	// Replay rejects entries whose lengths exceed these; 0 means no bound.
	MaxKeyBytes   int
	MaxValueBytes int
}

// Entry represents a single journaled write.
type Entry struct {
	SeqNum types.SeqNo
	Type   types.ValueType
	Key    []byte
	Value  []byte
}

// WAL is a segmented write-ahead journal. Writes go to the newest segment;
// a flush rotates to a fresh segment and later removes the flushed ones.
type WAL struct {
	mu   sync.Mutex
	dir  string
	opts Options

	segment uint64
	file    *os.File
	writer  *bufio.Writer
}

// Open opens the journal in dir. Segments below minSegment are already
// covered by persisted runs and are deleted.
func Open(dir string, minSegment uint64, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	minSegment = max(minSegment, 1)

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:     dir,
		opts:    opts,
		segment: minSegment,
	}

	for _, seg := range segments {
		if seg < minSegment {
			if err := os.Remove(w.segmentPath(seg)); err != nil {
				return nil, fmt.Errorf("failed to remove flushed WAL segment %d: %w", seg, err)
			}
			continue
		}
		w.segment = max(w.segment, seg)
	}

	if err := w.openSegment(w.segment); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *WAL) segmentPath(seg uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%06d%s", seg, segmentExt))
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	var segments []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		seg, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, seg)
	}
	slices.Sort(segments)

	return segments, nil
}

func (w *WAL) openSegment(seg uint64) error {
	file, err := os.OpenFile(w.segmentPath(seg), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}

	w.segment = seg
	w.file = file
	w.writer = bufio.NewWriter(file)

	return nil
}

// Append journals entry. It is durable on return when sync writes are on,
// otherwise it reached the OS page cache.
func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.opts.SyncWrites {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	return nil
}

// Rotate seals the current segment and starts the next one. It returns the
// sealed segment number.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sealed := w.segment
	if err := w.closeFile(); err != nil {
		return 0, err
	}
	if err := w.openSegment(sealed + 1); err != nil {
		return 0, err
	}
	if err := fsutil.SyncDir(w.dir); err != nil {
		return 0, err
	}

	return sealed, nil
}

// Remove deletes every segment up to and including upTo.
func (w *WAL) Remove(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg > upTo || seg == w.segment {
			continue
		}
		if err := os.Remove(w.segmentPath(seg)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove WAL segment %d: %w", seg, err)
		}
	}

	return nil
}

// Replay feeds every journaled entry to callback, oldest segment first.
// A torn entry at the end of a segment (crash mid-write) is cut off. A bad
// entry with more data behind it fails with dberrors.ErrCorrupted.
func (w *WAL) Replay(callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if err := w.replaySegment(seg, callback); err != nil {
			return err
		}
	}

	return nil
}

func (w *WAL) replaySegment(seg uint64, callback func(Entry) error) error {
	path := w.segmentPath(seg)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat WAL segment %d: %w", seg, err)
	}
	size := stat.Size()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		entry, n, err := w.readEntry(reader, size-offset)
		if errors.Is(err, io.EOF) {
			return nil
		}
		// a checksum failure on the last entry is a partially synced write
		if errors.Is(err, errTornEntry) || errors.Is(err, errBadChecksum) && offset+n == size {
			slog.Warn("truncating torn WAL tail", "segment", seg, "offset", offset)
			if err := os.Truncate(path, offset); err != nil {
				return fmt.Errorf("failed to truncate WAL segment %d: %w", seg, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: WAL segment %d at offset %d: %w", dberrors.ErrCorrupted, seg, offset, err)
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		offset += n
	}
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closeFile()
}

func (w *WAL) closeFile() error {
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL on close: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// writeEntry writes a single entry followed by its checksum
func (w *WAL) writeEntry(entry Entry) error {
	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}
	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(entry.Value))
	}

	var hdr [entryHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(entry.SeqNum))
	hdr[8] = byte(entry.Type)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(entry.Key)))
	binary.LittleEndian.PutUint32(hdr[13:17], uint32(len(entry.Value)))

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(entry.Key)
	_, _ = crc.Write(entry.Value)

	if _, err := w.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Key); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Value); err != nil {
		return err
	}

	return binary.Write(w.writer, binary.LittleEndian, crc.Sum32())
}

// readEntry reads one entry of at most remaining bytes and reports how many
// bytes it spanned.
func (w *WAL) readEntry(reader *bufio.Reader, remaining int64) (Entry, int64, error) {
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(reader, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, 0, errTornEntry
		}
		return Entry{}, 0, err
	}

	keyLen := binary.LittleEndian.Uint32(hdr[9:13])
	valLen := binary.LittleEndian.Uint32(hdr[13:17])
	if w.opts.MaxKeyBytes > 0 && keyLen > uint32(w.opts.MaxKeyBytes) {
		return Entry{}, 0, fmt.Errorf("key length %d over limit", keyLen)
	}
	if w.opts.MaxValueBytes > 0 && valLen > uint32(w.opts.MaxValueBytes) {
		return Entry{}, 0, fmt.Errorf("value length %d over limit", valLen)
	}

	n := int64(entryHeaderSize) + int64(keyLen) + int64(valLen) + crcSize
	if n > remaining {
		return Entry{}, 0, errTornEntry
	}

	body := make([]byte, n-entryHeaderSize)
	if _, err := io.ReadFull(reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, 0, errTornEntry
		}
		return Entry{}, 0, err
	}

	payload := body[:len(body)-crcSize]
	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(payload)
	if crc.Sum32() != binary.LittleEndian.Uint32(body[len(body)-crcSize:]) {
		return Entry{}, n, errBadChecksum
	}

	entry := Entry{
		SeqNum: types.SeqNo(binary.LittleEndian.Uint64(hdr[0:8])),
		Type:   types.ValueType(hdr[8]),
		Key:    payload[:keyLen],
		Value:  payload[keyLen:],
	}
	if valLen == 0 {
		entry.Value = nil
	}

	return entry, n, nil
}
