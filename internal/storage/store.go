package storage

import (
	"encoding/binary"
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

const storeFileName = "store.db"

// Entry frame layout mirrors the durability log frame, extended with the
// commit identity assigned to the entry:
//
//	length:u32 | kind:u8 | seq:u64 | commit:u64 | payload | checksum:u32
const (
	entryHeaderSize   = 4 + 1 + 8 + 8
	entryChecksumSize = 4
)

// Entry is one append-only document store entry: a full document body or a
// tombstone, never a delta, never mutated in place.
type Entry struct {
	Kind     model.RecordKind
	Seq      uint64
	CommitID uint64
	Payload  model.RecordPayload
	Offset   int64
	Len      int64
}

// IsTombstone reports whether the entry marks a logical delete.
func (e *Entry) IsTombstone() bool {
	return e.Kind == model.RecordKindDelete
}

// Store is the append-only document store. It is populated only by replaying
// or directly mirroring durability log records and is never consulted for
// write acknowledgment ordering.
type Store struct {
	file   *os.File
	path   string
	logger *zap.Logger

	mu    sync.Mutex // serializes appends
	size  int64
	index *Index
}

// Open opens (or creates) the document store in dir. The in-memory index is
// not populated until Rebuild runs; every process start must rebuild it by a
// full sequential scan before serving.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	path := filepath.Join(dir, storeFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat store file: %w", err)
	}
	if _, err := file.Seek(info.Size(), io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek store tail: %w", err)
	}

	return &Store{
		file:   file,
		path:   path,
		logger: logger,
		size:   info.Size(),
		index:  NewIndex(),
	}, nil
}

// Apply writes the record's full document body (or tombstone) as a new
// append-only entry tagged with commitID, and returns the entry offset.
func (s *Store) Apply(rec *model.LogRecord, commitID uint64) (int64, error) {
	body, err := json.Marshal(&rec.Payload)
	if err != nil {
		return 0, errors.StorageAppendFailed("failed to marshal store entry", err)
	}

	frame := make([]byte, entryHeaderSize+len(body)+entryChecksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	frame[4] = byte(rec.Kind)
	binary.LittleEndian.PutUint64(frame[5:13], rec.Seq)
	binary.LittleEndian.PutUint64(frame[13:21], commitID)
	copy(frame[entryHeaderSize:], body)
	sum := util.ComputeChecksum(frame[:entryHeaderSize+len(body)])
	binary.LittleEndian.PutUint32(frame[entryHeaderSize+len(body):], sum)

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size
	if _, err := s.file.Write(frame); err != nil {
		return 0, errors.StorageAppendFailed("failed to append store entry", err)
	}
	s.size += int64(len(frame))

	s.index.Put(model.VersionKey{Collection: rec.Payload.Collection, Key: rec.Payload.Key}, offset)
	return offset, nil
}

// Sync flushes appended entries to disk. The store is rebuildable from the
// durability log, so apply paths group syncs per write group.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return errors.StorageAppendFailed("failed to sync store", err)
	}
	return nil
}

// ReadAt reads and validates the entry at offset. A checksum mismatch is
// CorruptionDetected and aborts the containing operation.
func (s *Store) ReadAt(offset int64) (*Entry, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := s.file.ReadAt(header, offset); err != nil {
		return nil, errors.StorageAppendFailed(
			fmt.Sprintf("failed to read store entry header at %d", offset), err)
	}

	payloadLen := int(binary.LittleEndian.Uint32(header[0:4]))
	frame := make([]byte, entryHeaderSize+payloadLen+entryChecksumSize)
	copy(frame, header)
	if _, err := s.file.ReadAt(frame[entryHeaderSize:], offset+entryHeaderSize); err != nil {
		return nil, errors.StorageAppendFailed(
			fmt.Sprintf("failed to read store entry at %d", offset), err)
	}

	stored := binary.LittleEndian.Uint32(frame[entryHeaderSize+payloadLen:])
	actual := util.ComputeChecksum(frame[:entryHeaderSize+payloadLen])
	if stored != actual {
		return nil, errors.CorruptionDetected(
			fmt.Sprintf("store entry at offset %d", offset), stored, actual)
	}

	kind := model.RecordKind(frame[4])
	if !kind.Valid() {
		return nil, errors.CorruptionDetected(
			fmt.Sprintf("store entry at offset %d has invalid kind %d", offset, frame[4]), stored, actual)
	}

	var payload model.RecordPayload
	if err := json.Unmarshal(frame[entryHeaderSize:entryHeaderSize+payloadLen], &payload); err != nil {
		return nil, errors.CorruptionDetected(
			fmt.Sprintf("store entry at offset %d has undecodable payload", offset), stored, actual)
	}

	return &Entry{
		Kind:     kind,
		Seq:      binary.LittleEndian.Uint64(frame[5:13]),
		CommitID: binary.LittleEndian.Uint64(frame[13:21]),
		Payload:  payload,
		Offset:   offset,
		Len:      int64(len(frame)),
	}, nil
}

// Read returns the latest raw entry for key. It serves recovery and direct
// key lookup only; visibility decisions belong to the MVCC engine.
func (s *Store) Read(key model.VersionKey) (*Entry, error) {
	offset, ok := s.index.Get(key)
	if !ok {
		return nil, errors.KeyNotFound(key.Collection, key.Key)
	}
	return s.ReadAt(offset)
}

// Rebuild derives the in-memory index by a full sequential scan. Indexes are
// never persisted, so index corruption can never corrupt durable data.
// Corruption found during the scan is fatal.
func (s *Store) Rebuild(fn func(e *Entry) error) error {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	index := NewIndex()
	var offset int64
	entries := 0

	for offset < size {
		// A crash between wal flush and store sync can leave a torn final
		// entry; it is re-derived from the log. Anything torn before the
		// tail is real corruption and fatal.
		if offset+entryHeaderSize > size {
			if err := s.truncateTail(offset); err != nil {
				return err
			}
			size = offset
			break
		}
		header := make([]byte, entryHeaderSize)
		if _, err := s.file.ReadAt(header, offset); err != nil {
			return errors.RecoveryFailed(
				fmt.Sprintf("store scan failed to read header at offset %d", offset), err)
		}
		frameLen := int64(entryHeaderSize + int(binary.LittleEndian.Uint32(header[0:4])) + entryChecksumSize)
		if offset+frameLen > size {
			if err := s.truncateTail(offset); err != nil {
				return err
			}
			size = offset
			break
		}

		entry, err := s.ReadAt(offset)
		if err != nil {
			if offset+frameLen == size {
				if terr := s.truncateTail(offset); terr != nil {
					return terr
				}
				size = offset
				break
			}
			return errors.RecoveryFailed(
				fmt.Sprintf("store scan halted at offset %d", offset), err)
		}
		index.Put(model.VersionKey{
			Collection: entry.Payload.Collection,
			Key:        entry.Payload.Key,
		}, offset)
		if fn != nil {
			if err := fn(entry); err != nil {
				return err
			}
		}
		offset += entry.Len
		entries++
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.logger.Info("Store index rebuilt",
		zap.Int("entries", entries),
		zap.Int("keys", index.Len()))
	return nil
}

func (s *Store) truncateTail(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Warn("Truncating torn store tail",
		zap.Int64("offset", offset),
		zap.Int64("trailing_bytes", s.size-offset))

	if err := s.file.Truncate(offset); err != nil {
		return errors.RecoveryFailed("failed to truncate torn store tail", err)
	}
	if err := s.file.Sync(); err != nil {
		return errors.RecoveryFailed("failed to sync store after truncate", err)
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return errors.RecoveryFailed("failed to seek store after truncate", err)
	}
	s.size = offset
	return nil
}

// TruncateFrom discards every entry at or beyond offset. Recovery uses it to
// drop trailing entries whose write group never finished applying; the log
// replay re-appends them, so the index entries pointing past the cut become
// valid again at the same offsets.
func (s *Store) TruncateFrom(offset int64) error {
	return s.truncateTail(offset)
}

// Truncate discards everything in the store and resets the index. Used only
// when recovery decides to rebuild the store from the durability log.
func (s *Store) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate store: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind store: %w", err)
	}
	s.size = 0
	s.index = NewIndex()
	return nil
}

// Size returns the store file size in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Checksum computes a checksum over the whole store content. Used by the
// snapshot manifest.
func (s *Store) Checksum() (uint32, error) {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	data := make([]byte, size)
	if _, err := s.file.ReadAt(data, 0); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read store for checksum: %w", err)
	}
	return util.ComputeChecksum(data), nil
}

// Path returns the store file path. Used by the snapshot bootstrap path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the store file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
