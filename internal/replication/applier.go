package replication

import (
	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/model"
	"go.uber.org/zap"
)

// Applier is the final stage of the standby pipeline. A single goroutine
// feeds it, so application order is the log order by construction. Records
// accumulate until a group end arrives; each complete group goes through the
// engine's own apply path, which assigns the same commit identities local
// recovery would. The durable applied position advances only at group
// boundaries.
type Applier struct {
	db     *engine.DB
	state  *StateStore
	logger *zap.Logger

	pending []*model.LogRecord
}

// NewApplier builds the apply stage over the engine and durable state.
func NewApplier(db *engine.DB, state *StateStore, logger *zap.Logger) *Applier {
	return &Applier{db: db, state: state, logger: logger}
}

// Apply consumes one validated batch. Records of a group split across
// batches are buffered until the group end arrives.
func (a *Applier) Apply(records []*model.LogRecord) error {
	var lastApplied uint64
	applied := false

	for _, rec := range records {
		a.pending = append(a.pending, rec)
		if !rec.Payload.GroupEnd {
			continue
		}

		commitID, err := a.db.ApplyGroup(a.pending)
		if err != nil {
			return err
		}
		a.logger.Debug("applied replicated write group",
			zap.Uint64("commit_id", commitID),
			zap.Uint64("last_seq", rec.Seq),
			zap.Int("records", len(a.pending)))

		lastApplied = rec.Seq
		a.pending = a.pending[:0]
		applied = true
	}

	if !applied {
		return nil
	}

	return a.state.Save(model.ReplicaState{
		AppliedLogOffset:   lastApplied,
		LocalCommitHorizon: a.db.Horizon(),
		Mode:               model.ReplicaReady,
	})
}

// PendingRecords reports how many records await their group end.
func (a *Applier) PendingRecords() int {
	return len(a.pending)
}
