package replication

import (
	"fmt"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/wal"
)

// Validator is the interpretation stage of the standby pipeline. The
// receiver persists raw bytes without looking at them; the validator is the
// first component to decode frames, and it verifies every checksum and the
// gapless sequence run before any record reaches the applier. A failure here
// halts the pipeline; nothing downstream sees a partially valid batch.
type Validator struct{}

// ValidateBatch decodes batch frames into records, enforcing that they form
// the contiguous run afterSeq+1..batch.LastSeq with intact checksums.
func (v *Validator) ValidateBatch(batch *SegmentBatch, afterSeq uint64) ([]*model.LogRecord, error) {
	if batch.FirstSeq != afterSeq+1 {
		return nil, errors.ReplicaGap(afterSeq+1, batch.FirstSeq)
	}

	records := make([]*model.LogRecord, 0, batch.LastSeq-batch.FirstSeq+1)
	rest := batch.Frames
	next := batch.FirstSeq
	for len(rest) > 0 {
		rec, n, err := wal.DecodeRecord(rest)
		if err != nil {
			return nil, errors.New(errors.ErrCodeReplicaChecksum, errors.SeverityError,
				fmt.Sprintf("undecodable replicated frame at sequence %d", next), err).
				WithInvariant("wal.record.checksum")
		}
		if rec.Seq != next {
			return nil, errors.ReplicaGap(next, rec.Seq)
		}
		records = append(records, rec)
		next++
		rest = rest[n:]
	}

	if next != batch.LastSeq+1 {
		return nil, errors.ReplicaGap(next, batch.LastSeq+1)
	}
	return records, nil
}
