package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/util"
	"go.uber.org/zap"
)

const (
	logFileName  = "wal.log"
	baseFileName = "wal.base"
)

// Log is the durability log: an append-only, checksummed record stream and
// the sole authority for what writes exist. No component may acknowledge a
// write that is not durably flushed here first.
type Log struct {
	file       *os.File
	logger     *zap.Logger
	syncWrites bool

	mu      sync.Mutex
	base    uint64 // highest sequence compacted away by a snapshot bootstrap
	lastSeq uint64
	size    int64
	// offsets[seq-base-1] is the file offset of record seq. Sequences are
	// gapless, so a slice is sufficient.
	offsets []int64
}

// Open opens (or creates) the durability log in dir. The existing tail is
// scanned to restore the sequence counter; a partial final frame left by a
// crash mid-append is truncated away; any other corruption is fatal.
func Open(dir string, syncWrites bool, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	base, err := readBase(dir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal file: %w", err)
	}

	l := &Log{
		file:       file,
		logger:     logger,
		syncWrites: syncWrites,
		base:       base,
	}

	if err := l.scan(); err != nil {
		file.Close()
		return nil, err
	}

	if _, err := file.Seek(l.size, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek wal tail: %w", err)
	}

	logger.Info("Durability log opened",
		zap.String("path", path),
		zap.Uint64("last_seq", l.lastSeq),
		zap.Int64("size", l.size))

	return l, nil
}

// scan walks the whole file, validating every frame and rebuilding the
// sequence counter and offset index.
func (l *Log) scan() error {
	data, err := readAll(l.file)
	if err != nil {
		return fmt.Errorf("failed to read wal: %w", err)
	}

	var (
		offset  int64
		offsets []int64
	)
	lastSeq := l.base

	for int(offset) < len(data) {
		rec, n, err := DecodeRecord(data[offset:])
		if err == ErrTruncatedRecord {
			// A crash mid-append leaves a partial final frame. Everything
			// before it is durable; the partial frame never existed.
			l.logger.Warn("Truncating partial record at wal tail",
				zap.Int64("offset", offset),
				zap.Int("trailing_bytes", len(data)-int(offset)))
			if err := l.file.Truncate(offset); err != nil {
				return errors.RecoveryFailed("failed to truncate partial wal tail", err)
			}
			break
		}
		if err != nil {
			return errors.WalCorruption(
				fmt.Sprintf("corrupt record at offset %d", offset), err)
		}
		if rec.Seq != lastSeq+1 {
			return errors.WalCorruption(
				fmt.Sprintf("sequence gap at offset %d: expected %d, got %d", offset, lastSeq+1, rec.Seq), nil).
				WithInvariant("wal.seq.gapless")
		}

		offsets = append(offsets, offset)
		lastSeq = rec.Seq
		offset += int64(n)
	}

	l.lastSeq = lastSeq
	l.size = offset
	l.offsets = offsets
	return nil
}

// Append durably persists one record and returns its sequence number. The
// record is flushed to disk before Append returns; only then may a caller
// acknowledge the write. On failure the write must be treated as not
// committed.
func (l *Log) Append(kind model.RecordKind, payload *model.RecordPayload) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.lastSeq + 1
	frame, err := EncodeRecord(kind, seq, payload)
	if err != nil {
		return 0, errors.WalAppendFailed("failed to encode record", err)
	}

	// A frame that does not decode to itself means checksum computation is
	// broken; continuing would persist unverifiable records.
	if _, _, err := DecodeRecord(frame); err != nil {
		return 0, errors.ChecksumComputeFailed(
			fmt.Sprintf("encoded record %d failed self-verification: %v", seq, err))
	}

	if _, err := l.file.Write(frame); err != nil {
		// The frame may be partially on disk; the tail truncation in scan
		// resolves it on restart. The write is not committed.
		return 0, errors.WalAppendFailed("failed to write wal record", err)
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return 0, errors.WalSyncFailed("failed to sync wal", err)
		}
	}

	l.offsets = append(l.offsets, l.size)
	l.size += int64(len(frame))
	l.lastSeq = seq

	return seq, nil
}

// AppendRaw persists already-encoded frames carrying sequences
// firstSeq..lastSeq. Used by a standby to persist received segments before
// any interpretation. The caller guarantees contiguity.
func (l *Log) AppendRaw(frames []byte, firstSeq, lastSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if firstSeq != l.lastSeq+1 {
		return errors.ReplicaGap(l.lastSeq+1, firstSeq)
	}

	if _, err := l.file.Write(frames); err != nil {
		return errors.WalAppendFailed("failed to persist replicated segment", err)
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return errors.WalSyncFailed("failed to sync replicated segment", err)
		}
	}

	// Rebuild offsets for the appended range by walking the raw frames.
	offset := l.size
	rest := frames
	for seq := firstSeq; seq <= lastSeq; seq++ {
		_, n, err := DecodeRecord(rest)
		if err != nil {
			return errors.WalCorruption("undecodable frame in persisted segment", err)
		}
		l.offsets = append(l.offsets, offset)
		offset += int64(n)
		rest = rest[n:]
	}

	l.size = offset
	l.lastSeq = lastSeq
	return nil
}

// Replay produces every record in ascending sequence order. Corruption
// (checksum mismatch, truncated record, sequence gap) is fatal: replay halts
// with no partial application and no heuristic repair.
func (l *Log) Replay(fn func(rec *model.LogRecord) error) error {
	l.mu.Lock()
	size := l.size
	l.mu.Unlock()

	data := make([]byte, size)
	if _, err := l.file.ReadAt(data, 0); err != nil && err != io.EOF {
		return errors.RecoveryFailed("failed to read wal for replay", err)
	}

	var offset int64
	lastSeq := l.base
	for offset < size {
		rec, n, err := DecodeRecord(data[offset:])
		if err != nil {
			return errors.WalCorruption(
				fmt.Sprintf("replay halted at offset %d", offset), err)
		}
		if rec.Seq != lastSeq+1 {
			return errors.WalCorruption(
				fmt.Sprintf("replay halted: sequence gap, expected %d, got %d", lastSeq+1, rec.Seq), nil).
				WithInvariant("wal.seq.gapless")
		}
		if err := fn(rec); err != nil {
			return err
		}
		lastSeq = rec.Seq
		offset += int64(n)
	}

	return nil
}

// ReadFrom returns raw frame bytes for records with sequence > afterSeq, up
// to maxBytes, together with the first and last sequence included. Serves
// the replication sender; only already-flushed frames are ever returned.
func (l *Log) ReadFrom(afterSeq uint64, maxBytes int) ([]byte, uint64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if afterSeq >= l.lastSeq {
		return nil, 0, 0, nil
	}
	if afterSeq < l.base {
		return nil, 0, 0, errors.SegmentsUnavailable(afterSeq+1, l.base)
	}

	firstSeq := afterSeq + 1
	start := l.offsets[firstSeq-l.base-1]

	lastSeq := firstSeq
	end := l.size
	for seq := firstSeq; seq <= l.lastSeq; seq++ {
		var next int64
		if seq == l.lastSeq {
			next = l.size
		} else {
			next = l.offsets[seq-l.base]
		}
		if int(next-start) > maxBytes && seq > firstSeq {
			end = l.offsets[seq-l.base-1]
			lastSeq = seq - 1
			break
		}
		lastSeq = seq
		end = next
	}

	data := make([]byte, end-start)
	if _, err := l.file.ReadAt(data, start); err != nil {
		return nil, 0, 0, errors.WalAppendFailed("failed to read wal segment", err)
	}

	return data, firstSeq, lastSeq, nil
}

// TruncateToSeq discards every record with sequence number greater than seq.
// Used only by recovery to drop an unterminated trailing write group; such
// records were never acknowledged.
func (l *Log) TruncateToSeq(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq < l.base || seq > l.lastSeq {
		return fmt.Errorf("cannot truncate to seq %d (base %d, last %d)", seq, l.base, l.lastSeq)
	}
	if seq == l.lastSeq {
		return nil
	}

	var newSize int64
	if seq == l.base {
		newSize = 0
	} else {
		newSize = l.offsets[seq-l.base]
	}

	if err := l.file.Truncate(newSize); err != nil {
		return errors.RecoveryFailed("failed to truncate wal", err)
	}
	if err := l.file.Sync(); err != nil {
		return errors.RecoveryFailed("failed to sync wal after truncate", err)
	}
	if _, err := l.file.Seek(newSize, io.SeekStart); err != nil {
		return errors.RecoveryFailed("failed to seek wal after truncate", err)
	}

	l.logger.Warn("Truncated unacknowledged wal tail",
		zap.Uint64("from_seq", l.lastSeq),
		zap.Uint64("to_seq", seq))

	l.offsets = l.offsets[:seq-l.base]
	l.size = newSize
	l.lastSeq = seq
	return nil
}

// BaseSeq returns the highest sequence number compacted away by a snapshot
// bootstrap; 0 on nodes that hold the full log.
func (l *Log) BaseSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// LastSeq returns the sequence number of the last durable record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Size returns the durable log size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Checksum computes a checksum over the whole durable log content.
func (l *Log) Checksum() (uint32, error) {
	l.mu.Lock()
	size := l.size
	l.mu.Unlock()

	data := make([]byte, size)
	if _, err := l.file.ReadAt(data, 0); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read wal for checksum: %w", err)
	}
	return util.ComputeChecksum(data), nil
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

type baseMeta struct {
	BaseSeq uint64 `json:"base_seq"`
}

func readBase(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, baseFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read wal base: %w", err)
	}

	var meta baseMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, errors.RecoveryFailed("corrupt wal base file", err)
	}
	return meta.BaseSeq, nil
}

// WriteBase records that records up to and including baseSeq live in an
// installed snapshot rather than in the local log. Called only by the
// snapshot bootstrap installer, before the log is reopened.
func WriteBase(dir string, baseSeq uint64) error {
	data, err := json.Marshal(&baseMeta{BaseSeq: baseSeq})
	if err != nil {
		return fmt.Errorf("failed to marshal wal base: %w", err)
	}
	return util.WriteFileAtomic(filepath.Join(dir, baseFileName), data, 0644)
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}
