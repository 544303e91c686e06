package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"snapkv/pkg/dberrors"
	"snapkv/pkg/fsutil"
	"snapkv/pkg/types"
)

const (
	runMagic   uint32 = 0x534e5052 // "SNPR"
	footerSize        = 8 + 8 + 8 + 4 + 4

	// seqno + type + key length + value length
	recordHeaderSize = 8 + 1 + 4 + 4

	RunsDir = "runs"
)

// RunFileName is the path of run id relative to the partition directory.
func RunFileName(id uint64) string {
	return filepath.Join(RunsDir, fmt.Sprintf("%06d.run", id))
}

type indexEntry struct {
	hdr    types.Header
	valOff int64
	valLen uint32
}

// Run is an immutable, sorted, persisted set of record versions. Headers are
// kept in memory; values are read from the file on demand.
type Run struct {
	info  RunInfo
	file  *os.File
	index []indexEntry
}

// WriteRun persists recs (sorted key asc, seqno desc) as run id under root.
// Versions shadowed by a newer version with seqno <= evictSeqNo are dropped;
// the number dropped is returned alongside the run description.
func WriteRun(root string, id uint64, recs []types.Record, evictSeqNo types.SeqNo) (RunInfo, int, error) {
	kept := dropShadowed(recs, evictSeqNo)
	info := RunInfo{
		ID:    id,
		File:  RunFileName(id),
		Count: len(kept),
	}

	path := filepath.Join(root, info.File)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return RunInfo{}, 0, fmt.Errorf("failed to create runs directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return RunInfo{}, 0, fmt.Errorf("failed to create run file: %w", err)
	}

	size, maxSeqNo, err := writeRunData(file, kept)
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return RunInfo{}, 0, fmt.Errorf("failed to write run %d: %w", id, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return RunInfo{}, 0, fmt.Errorf("failed to publish run %d: %w", id, err)
	}
	if err := fsutil.SyncDir(filepath.Dir(path)); err != nil {
		return RunInfo{}, 0, err
	}

	info.Size = size
	info.MaxSeqNo = maxSeqNo

	return info, len(recs) - len(kept), nil
}

func writeRunData(w io.Writer, recs []types.Record) (int64, types.SeqNo, error) {
	var (
		crc      = crc32.NewIEEE()
		bw       = bufio.NewWriter(io.MultiWriter(w, crc))
		dataLen  int64
		maxSeqNo types.SeqNo
		hdr      [recordHeaderSize]byte
	)

	for _, rec := range recs {
		if len(rec.Key) > math.MaxUint32 || len(rec.Value) > math.MaxUint32 {
			return 0, 0, fmt.Errorf("record too large: key %d, value %d", len(rec.Key), len(rec.Value))
		}

		binary.LittleEndian.PutUint64(hdr[0:8], uint64(rec.SeqNo))
		hdr[8] = byte(rec.Type)
		binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(rec.Key)))
		binary.LittleEndian.PutUint32(hdr[13:17], uint32(len(rec.Value)))

		if _, err := bw.Write(hdr[:]); err != nil {
			return 0, 0, err
		}
		if _, err := bw.Write(rec.Key); err != nil {
			return 0, 0, err
		}
		if _, err := bw.Write(rec.Value); err != nil {
			return 0, 0, err
		}

		dataLen += int64(recordHeaderSize + len(rec.Key) + len(rec.Value))
		maxSeqNo = max(maxSeqNo, rec.SeqNo)
	}

	if err := bw.Flush(); err != nil {
		return 0, 0, err
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(dataLen))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(recs)))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(maxSeqNo))
	binary.LittleEndian.PutUint32(footer[24:28], crc.Sum32())
	binary.LittleEndian.PutUint32(footer[28:32], runMagic)
	if _, err := w.Write(footer[:]); err != nil {
		return 0, 0, err
	}

	return dataLen + footerSize, maxSeqNo, nil
}

// dropShadowed keeps, per key, every version down to and including the first
// one with seqno <= evictSeqNo. Anything older can no longer be observed.
func dropShadowed(recs []types.Record, evictSeqNo types.SeqNo) []types.Record {
	kept := make([]types.Record, 0, len(recs))

	var (
		lastKey []byte
		covered bool
	)
	for i, rec := range recs {
		if i == 0 || !bytes.Equal(rec.Key, lastKey) {
			lastKey = rec.Key
			covered = false
		}
		if covered {
			continue
		}
		kept = append(kept, rec)
		if rec.SeqNo <= evictSeqNo {
			covered = true
		}
	}

	return kept
}

// OpenRun opens and verifies the run described by info.
func OpenRun(root string, info RunInfo) (*Run, error) {
	path := filepath.Join(root, info.File)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}

	run := &Run{info: info, file: file}
	if err := run.load(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to load run %s: %w", path, err)
	}

	return run, nil
}

func (r *Run) load() error {
	stat, err := r.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < footerSize {
		return fmt.Errorf("%w: run shorter than footer", dberrors.ErrCorrupted)
	}

	var footer [footerSize]byte
	if _, err := r.file.ReadAt(footer[:], stat.Size()-footerSize); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}

	var (
		dataLen  = int64(binary.LittleEndian.Uint64(footer[0:8]))
		count    = binary.LittleEndian.Uint64(footer[8:16])
		maxSeqNo = types.SeqNo(binary.LittleEndian.Uint64(footer[16:24]))
		checksum = binary.LittleEndian.Uint32(footer[24:28])
		magic    = binary.LittleEndian.Uint32(footer[28:32])
	)
	if magic != runMagic {
		return fmt.Errorf("%w: bad run magic %x", dberrors.ErrCorrupted, magic)
	}
	if dataLen != stat.Size()-footerSize {
		return fmt.Errorf("%w: data length %d, file size %d", dberrors.ErrCorrupted, dataLen, stat.Size())
	}

	data := make([]byte, dataLen)
	if _, err := r.file.ReadAt(data, 0); err != nil && dataLen > 0 {
		return fmt.Errorf("failed to read run data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return fmt.Errorf("%w: run checksum mismatch", dberrors.ErrCorrupted)
	}

	r.index = make([]indexEntry, 0, count)
	for off := int64(0); off < dataLen; {
		if dataLen-off < recordHeaderSize {
			return fmt.Errorf("%w: truncated record header", dberrors.ErrCorrupted)
		}
		h := data[off : off+recordHeaderSize]
		keyLen := int64(binary.LittleEndian.Uint32(h[9:13]))
		valLen := binary.LittleEndian.Uint32(h[13:17])

		keyOff := off + recordHeaderSize
		valOff := keyOff + keyLen
		next := valOff + int64(valLen)
		if next > dataLen {
			return fmt.Errorf("%w: truncated record", dberrors.ErrCorrupted)
		}

		r.index = append(r.index, indexEntry{
			hdr: types.Header{
				Key:   bytes.Clone(data[keyOff:valOff]),
				SeqNo: types.SeqNo(binary.LittleEndian.Uint64(h[0:8])),
				Type:  types.ValueType(h[8]),
			},
			valOff: valOff,
			valLen: valLen,
		})
		off = next
	}

	if uint64(len(r.index)) != count {
		return fmt.Errorf("%w: expected %d records, found %d", dberrors.ErrCorrupted, count, len(r.index))
	}

	r.info.Count = len(r.index)
	r.info.MaxSeqNo = maxSeqNo
	r.info.Size = stat.Size()

	return nil
}

func (r *Run) ID() uint64 {
	return r.info.ID
}

func (r *Run) MaxSeqNo() types.SeqNo {
	return r.info.MaxSeqNo
}

func (r *Run) Len() int {
	return len(r.index)
}

func (r *Run) Header(i int) types.Header {
	return r.index[i].hdr
}

func (r *Run) Load(i int) (types.Record, error) {
	e := r.index[i]
	rec := types.Record{Header: e.hdr}
	if e.valLen == 0 {
		return rec, nil
	}

	rec.Value = make([]byte, e.valLen)
	if _, err := r.file.ReadAt(rec.Value, e.valOff); err != nil {
		return types.Record{}, fmt.Errorf("failed to read value of run %d: %w", r.info.ID, err)
	}

	return rec, nil
}

func (r *Run) Close() error {
	return r.file.Close()
}
