package replication

import (
	"fmt"
	"io"
	"os"

	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/model"
	"go.uber.org/zap"
)

// DefaultSegmentMaxBytes caps one segment response when the standby does not
// ask for a budget.
const DefaultSegmentMaxBytes = 4 << 20

// Sender is the authority side of log shipping. It is entirely passive:
// standbys pull, the sender answers from already-flushed log bytes, and no
// send ever blocks or reorders a local write acknowledgment. Replicated
// bytes are the exact frames the authority flushed, checksums included.
type Sender struct {
	db     *engine.DB
	logger *zap.Logger
}

// NewSender builds the authority-side segment and snapshot source.
func NewSender(db *engine.DB, logger *zap.Logger) *Sender {
	return &Sender{db: db, logger: logger}
}

// Segments returns raw frames after afterSeq, the included sequence range,
// and the authority's current tail.
func (s *Sender) Segments(afterSeq uint64, maxBytes int) ([]byte, uint64, uint64, uint64, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultSegmentMaxBytes
	}
	frames, first, last, err := s.db.Log().ReadFrom(afterSeq, maxBytes)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	return frames, first, last, s.db.LastSeq(), nil
}

// SnapshotManifest captures a consistent snapshot point of the store.
func (s *Sender) SnapshotManifest() (model.SnapshotManifest, error) {
	return s.db.SnapshotPoint()
}

// StreamStore copies exactly size store bytes into w. The store file is
// append-only, so a prefix captured by an earlier manifest stays valid while
// writes continue.
func (s *Sender) StreamStore(w io.Writer, size int64) error {
	f, err := os.Open(s.db.Store().Path())
	if err != nil {
		return fmt.Errorf("failed to open store for snapshot: %w", err)
	}
	defer f.Close()

	n, err := io.CopyN(w, f, size)
	if err != nil {
		return fmt.Errorf("failed to stream store snapshot after %d bytes: %w", n, err)
	}
	return nil
}
