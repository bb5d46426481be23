package engine

import (
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/storage"
	"go.uber.org/zap"
)

// Recover rebuilds the in-memory version state from durable files. The store
// is the baseline: every entry it holds was flushed to the log first, so its
// scan yields a prefix of the committed history. The log replay then applies
// any complete write groups the store had not yet absorbed at crash time. A
// trailing group missing its final record was never acknowledged and is
// truncated away.
//
// Recovery consults only the durable files, never clocks or operator input,
// so repeated runs over the same files produce the same state.
func (db *DB) Recover() error {
	if db.recovered.Load() {
		return errors.InternalError("recovery invoked twice", nil)
	}

	var (
		maxStoreSeq uint64
		maxCommit   uint64
		baseline    int
		open        []*storage.Entry // current group's entries until its end record
	)
	err := db.store.Rebuild(func(e *storage.Entry) error {
		open = append(open, e)
		if !e.Payload.GroupEnd {
			return nil
		}
		for _, ge := range open {
			db.versions.InstallVersion(
				model.VersionKey{Collection: ge.Payload.Collection, Key: ge.Payload.Key},
				model.Version{
					CommitID:      ge.CommitID,
					Seq:           ge.Seq,
					SchemaVersion: ge.Payload.SchemaVersion,
					Tombstone:     ge.Kind == model.RecordKindDelete,
					StoreOffset:   ge.Offset,
					BodyLen:       len(ge.Payload.Body),
				},
			)
			if ge.Seq > maxStoreSeq {
				maxStoreSeq = ge.Seq
			}
			if ge.CommitID > maxCommit {
				maxCommit = ge.CommitID
			}
			baseline++
		}
		open = nil
		return nil
	})
	if err != nil {
		return err
	}

	// The store is synced once per group, so a crash can leave a prefix of a
	// group's entries at the tail. Installing that prefix at its original
	// commit identity would publish the group partially and shift every later
	// commit identity away from pure log-order replay. Drop the prefix; the
	// log replay below re-applies the whole group atomically.
	if len(open) > 0 {
		db.logger.Warn("dropping store entries from unterminated trailing group",
			zap.Uint64("first_seq", open[0].Seq),
			zap.Uint64("last_seq", open[len(open)-1].Seq),
			zap.Int("entries", len(open)))
		if terr := db.store.TruncateFrom(open[0].Offset); terr != nil {
			return errors.RecoveryFailed("failed to drop partially applied write group", terr)
		}
	}
	db.versions.Seed(maxCommit)

	if maxStoreSeq > db.log.LastSeq() {
		return errors.RecoveryFailed(
			"store holds records beyond the durable log tail", nil).
			WithInvariant("recovery.store-prefix-of-log")
	}

	// Replay complete groups the store missed. Records arrive in sequence
	// order; a group commits through the same apply path a live write uses.
	var (
		group      []*model.LogRecord
		lastGood   = maxStoreSeq
		replayed   int
		newCommits int
	)
	err = db.log.Replay(func(rec *model.LogRecord) error {
		if rec.Seq <= maxStoreSeq {
			return nil
		}
		group = append(group, rec)
		if !rec.Payload.GroupEnd {
			return nil
		}
		if _, aerr := db.ApplyGroup(group); aerr != nil {
			return aerr
		}
		replayed += len(group)
		newCommits++
		lastGood = rec.Seq
		group = nil
		return nil
	})
	if err != nil {
		return err
	}

	if len(group) > 0 {
		db.logger.Warn("dropping unterminated trailing write group",
			zap.Uint64("first_seq", group[0].Seq),
			zap.Uint64("last_seq", group[len(group)-1].Seq),
			zap.Int("records", len(group)))
		if terr := db.log.TruncateToSeq(lastGood); terr != nil {
			return errors.RecoveryFailed("failed to truncate unterminated write group", terr)
		}
	}

	db.recovered.Store(true)
	db.logger.Info("recovery completed",
		zap.Int("store_baseline_entries", baseline),
		zap.Uint64("store_baseline_seq", maxStoreSeq),
		zap.Int("replayed_records", replayed),
		zap.Int("replayed_commits", newCommits),
		zap.Uint64("commit_horizon", db.versions.Horizon()),
		zap.Uint64("last_seq", db.log.LastSeq()))
	return nil
}
