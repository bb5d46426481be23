package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/metrics"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/mvcc"
	"github.com/quillstore/quill/internal/storage"
	"github.com/quillstore/quill/internal/validation"
	"github.com/quillstore/quill/internal/wal"
	"go.uber.org/zap"
)

// ReadGate decides whether a read at a given upper bound may be served.
// On the write authority there is no gate; on standbys the replication
// read-safety gate is installed here.
type ReadGate interface {
	PermitRead(bound uint64) error
}

// Options configures a DB.
type Options struct {
	NodeID     string
	WalDir     string
	StoreDir   string
	SchemaDir  string
	SyncWrites bool
	Validator  *validation.Validator
	Metrics    *metrics.Metrics

	// OnFatal is invoked once when a fatal error escapes the write path,
	// after write acknowledgment has been revoked. The node main installs a
	// hook here that terminates the process.
	OnFatal func(error)
}

// DB is the durability-and-versioning engine facade: the durability log, the
// storage layer and the MVCC engine wired together behind the core operation
// surface. Writes are serialized through a single logical sequencer; reads
// are pure snapshots that acquire no write-path lock.
type DB struct {
	nodeID    string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	validator *validation.Validator

	log      *wal.Log
	store    *storage.Store
	versions *mvcc.Engine
	schemas  *SchemaRegistry
	onFatal  func(error)

	// writerMu is the single-writer invariant: one write group appends and
	// finalizes at a time. This is what makes recovery deterministic.
	writerMu sync.Mutex

	writable  atomic.Bool
	recovered atomic.Bool
	gate      atomic.Pointer[gateHolder]
}

type gateHolder struct{ gate ReadGate }

// Open opens the durability log, document store and schema registry. The DB
// serves nothing until Recover has completed.
func Open(opts Options, logger *zap.Logger) (*DB, error) {
	log, err := wal.Open(opts.WalDir, opts.SyncWrites, logger)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(opts.StoreDir, logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	schemas, err := OpenSchemaRegistry(opts.SchemaDir, logger)
	if err != nil {
		log.Close()
		store.Close()
		return nil, err
	}

	validator := opts.Validator
	if validator == nil {
		validator = validation.NewValidator()
	}

	return &DB{
		nodeID:    opts.NodeID,
		logger:    logger,
		metrics:   opts.Metrics,
		validator: validator,
		log:       log,
		store:     store,
		versions:  mvcc.New(logger),
		schemas:   schemas,
		onFatal:   opts.OnFatal,
	}, nil
}

// SetWritable grants or revokes write acknowledgment authority.
func (db *DB) SetWritable(writable bool) {
	db.writable.Store(writable)
}

// Writable reports whether this node currently acknowledges writes.
func (db *DB) Writable() bool {
	return db.writable.Load()
}

// SetGate installs the standby read-safety gate.
func (db *DB) SetGate(g ReadGate) {
	db.gate.Store(&gateHolder{gate: g})
}

func (db *DB) permitRead(bound uint64) error {
	if h := db.gate.Load(); h != nil && h.gate != nil {
		return h.gate.PermitRead(bound)
	}
	return nil
}

// Write durably persists a full document body and returns the commit
// identity assigned to it. The call blocks until the durability log flush
// completes; there is no asynchronous acknowledgment.
func (db *DB) Write(ctx context.Context, collection, key string, schemaVersion int, body []byte) (uint64, error) {
	if err := db.validator.ValidateWrite(collection, key, schemaVersion, body); err != nil {
		return 0, err
	}
	return db.WriteGroup(ctx, []model.WriteOp{{
		Collection:    collection,
		Key:           key,
		SchemaVersion: schemaVersion,
		Body:          body,
	}})
}

// Delete durably writes a tombstone for key.
func (db *DB) Delete(ctx context.Context, collection, key string, schemaVersion int) (uint64, error) {
	if err := db.validator.ValidateCollection(collection); err != nil {
		return 0, err
	}
	if err := db.validator.ValidateKey(key); err != nil {
		return 0, err
	}
	return db.WriteGroup(ctx, []model.WriteOp{{
		Kind:          model.RecordKindDelete,
		Collection:    collection,
		Key:           key,
		SchemaVersion: schemaVersion,
	}})
}

// WriteGroup atomically commits a group of operations under one commit
// identity. All entries become visible together or not at all.
func (db *DB) WriteGroup(ctx context.Context, ops []model.WriteOp) (uint64, error) {
	if !db.recovered.Load() {
		return 0, errors.InternalError("write before recovery completed", nil)
	}
	if !db.writable.Load() {
		return 0, errors.NotWriteAuthority(db.nodeID)
	}
	if len(ops) == 0 {
		return 0, errors.InvalidArgument("empty write group", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.InvalidArgument("write abandoned before logging began", err)
	}

	for i := range ops {
		op := &ops[i]
		if op.Kind != model.RecordKindDelete {
			if err := db.validator.ValidateWrite(op.Collection, op.Key, op.SchemaVersion, op.Body); err != nil {
				return 0, err
			}
			if !db.schemas.Has(op.Collection, op.SchemaVersion) {
				return 0, errors.UnknownSchema(op.Collection, op.SchemaVersion)
			}
		}
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	// Insert vs update is resolved against the latest published state,
	// under the writer lock so the answer is stable.
	horizon := db.versions.Horizon()
	for i := range ops {
		op := &ops[i]
		if op.Kind == model.RecordKindDelete {
			if _, ok := db.versions.VisibleAt(model.VersionKey{Collection: op.Collection, Key: op.Key}, horizon); !ok {
				return 0, errors.KeyNotFound(op.Collection, op.Key)
			}
			continue
		}
		if _, ok := db.versions.VisibleAt(model.VersionKey{Collection: op.Collection, Key: op.Key}, horizon); ok {
			op.Kind = model.RecordKindUpdate
		} else {
			op.Kind = model.RecordKindInsert
		}
	}

	pending := db.versions.BeginCommit(ops)
	commitID := db.versions.NextCommitID()
	firstSeq := db.log.LastSeq() + 1

	// Phase 1: durably log the whole group. Nothing is acknowledged until
	// the final record's flush returns.
	records := make([]*model.LogRecord, len(ops))
	for i, op := range ops {
		payload := model.RecordPayload{
			Collection:    op.Collection,
			Key:           op.Key,
			SchemaVersion: op.SchemaVersion,
			Body:          op.Body,
			GroupEnd:      i == len(ops)-1,
		}
		seq, err := db.log.Append(op.Kind, &payload)
		if err != nil {
			if errors.IsFatal(err) {
				db.failWrites(err)
				return 0, err
			}
			// Drop any flushed prefix of the group; it was never
			// acknowledged and must not exist after recovery.
			if i > 0 {
				if terr := db.log.TruncateToSeq(firstSeq - 1); terr != nil {
					return 0, errors.RecoveryFailed("failed to unwind partial write group", terr)
				}
			}
			return 0, err
		}
		records[i] = &model.LogRecord{Kind: op.Kind, Seq: seq, Payload: payload}
	}

	// Phase 2: mirror into the store and publish. The group is durable now:
	// any failure past this point may not report "not committed", so it
	// halts the process and recovery resolves the outcome from the log.
	if err := db.applyGroupLocked(records, pending, commitID); err != nil {
		db.failWrites(err)
		return 0, err
	}

	db.metrics.RecordWrite(len(ops))
	return commitID, nil
}

// failWrites permanently revokes write acknowledgment when a fatal error
// escapes the write path. The log is ahead of the published state at that
// point; acknowledging further writes would assign commit identities that no
// longer match log order. The OnFatal hook then terminates the process and
// recovery resolves the outcome from the log.
func (db *DB) failWrites(err error) {
	if !errors.IsFatal(err) {
		return
	}
	if db.writable.CompareAndSwap(true, false) {
		db.logger.Error("fatal write-path failure, write acknowledgment revoked", zap.Error(err))
		if db.onFatal != nil {
			db.onFatal(err)
		}
	}
}

// applyGroupLocked mirrors a fully-logged group into the store and finalizes
// its commit. Callers hold writerMu.
func (db *DB) applyGroupLocked(records []*model.LogRecord, pending *mvcc.Pending, commitID uint64) error {
	for i, rec := range records {
		offset, err := db.store.Apply(rec, commitID)
		if err != nil {
			return errors.New(errors.ErrCodeStorageAppendFailed, errors.SeverityFatal,
				"store apply failed after wal flush", err).
				WithInvariant("durability.flushed-group-must-apply")
		}
		pending.SetEntryLocation(i, rec.Seq, offset)
	}
	if err := db.store.Sync(); err != nil {
		return errors.New(errors.ErrCodeStorageAppendFailed, errors.SeverityFatal,
			"store sync failed after wal flush", err).
			WithInvariant("durability.flushed-group-must-apply")
	}

	got, err := db.versions.FinalizeCommit(pending)
	if err != nil {
		return err
	}
	if got != commitID {
		return errors.InternalError(
			fmt.Sprintf("commit identity drift: expected %d, finalized %d", commitID, got), nil).
			WithInvariant("mvcc.commit.single-sequencer")
	}
	return nil
}

// ApplyGroup replays one complete, already-persisted write group into the
// store and MVCC engine. Used by recovery and by the standby applier; both
// take the same path so a standby's state is exactly what local recovery
// would produce.
func (db *DB) ApplyGroup(records []*model.LogRecord) (uint64, error) {
	if len(records) == 0 {
		return 0, errors.InvalidArgument("empty record group", nil)
	}
	if !records[len(records)-1].Payload.GroupEnd {
		return 0, errors.InternalError("record group missing group end", nil).
			WithInvariant("wal.group.terminated")
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	ops := make([]model.WriteOp, len(records))
	for i, rec := range records {
		ops[i] = model.WriteOp{
			Kind:          rec.Kind,
			Collection:    rec.Payload.Collection,
			Key:           rec.Payload.Key,
			SchemaVersion: rec.Payload.SchemaVersion,
			Body:          rec.Payload.Body,
		}
	}

	pending := db.versions.BeginCommit(ops)
	commitID := db.versions.NextCommitID()
	if err := db.applyGroupLocked(records, pending, commitID); err != nil {
		return 0, err
	}
	return commitID, nil
}

// OpenReadView captures an immutable read upper bound at the latest
// finalized commit identity.
func (db *DB) OpenReadView() (*mvcc.ReadView, error) {
	if err := db.permitRead(db.versions.Horizon()); err != nil {
		return nil, err
	}
	return db.versions.OpenReadView(), nil
}

// Read resolves the document visible for key under the given read upper
// bound. Absent keys return (nil, false, nil). Reads mutate nothing and may
// be abandoned freely.
func (db *DB) Read(ctx context.Context, collection, key string, bound uint64) (*model.Document, bool, error) {
	if err := db.validator.ValidateCollection(collection); err != nil {
		return nil, false, err
	}
	if err := db.validator.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if bound > db.versions.Horizon() {
		return nil, false, errors.ReadBeyondHorizon(bound, db.versions.Horizon())
	}
	if err := db.permitRead(bound); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, errors.InvalidArgument("read abandoned", err)
	}

	vkey := model.VersionKey{Collection: collection, Key: key}
	version, ok := db.versions.VisibleAt(vkey, bound)
	if !ok {
		return nil, false, nil
	}

	entry, err := db.store.ReadAt(version.StoreOffset)
	if err != nil {
		return nil, false, err
	}
	if entry.CommitID != version.CommitID {
		return nil, false, errors.CorruptionDetected(
			fmt.Sprintf("store entry commit %d does not match version chain commit %d", entry.CommitID, version.CommitID),
			uint32(version.CommitID), uint32(entry.CommitID)).
			WithInvariant("mvcc.chain.store-agreement")
	}

	db.metrics.RecordRead(len(entry.Payload.Body))
	return &model.Document{
		Collection:    collection,
		Key:           key,
		SchemaVersion: entry.Payload.SchemaVersion,
		Body:          entry.Payload.Body,
		CommitID:      version.CommitID,
	}, true, nil
}

// SnapshotPoint captures a mutually consistent cut of the store and log
// under the writer lock: the store byte size, its checksum, the commit
// horizon and the log sequence the cut corresponds to. The store is
// append-only, so the first StoreSize bytes remain a valid snapshot even
// while later writes land.
func (db *DB) SnapshotPoint() (model.SnapshotManifest, error) {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	checksum, err := db.store.Checksum()
	if err != nil {
		return model.SnapshotManifest{}, err
	}
	return model.SnapshotManifest{
		CommitBoundary: db.versions.Horizon(),
		LastSeq:        db.log.LastSeq(),
		StoreChecksum:  checksum,
		StoreSize:      db.store.Size(),
	}, nil
}

// Horizon returns the latest finalized commit identity.
func (db *DB) Horizon() uint64 {
	return db.versions.Horizon()
}

// LastSeq returns the last durable log sequence number.
func (db *DB) LastSeq() uint64 {
	return db.log.LastSeq()
}

// Log exposes the durability log to the replication engine.
func (db *DB) Log() *wal.Log {
	return db.log
}

// Store exposes the document store to the snapshot sender.
func (db *DB) Store() *storage.Store {
	return db.store
}

// Versions exposes the MVCC engine.
func (db *DB) Versions() *mvcc.Engine {
	return db.versions
}

// Schemas exposes the schema registry.
func (db *DB) Schemas() *SchemaRegistry {
	return db.schemas
}

// NodeID returns the configured node identity.
func (db *DB) NodeID() string {
	return db.nodeID
}

// Recovered reports whether startup recovery has completed.
func (db *DB) Recovered() bool {
	return db.recovered.Load()
}

// Close closes the underlying log and store.
func (db *DB) Close() error {
	if err := db.log.Close(); err != nil {
		db.store.Close()
		return err
	}
	return db.store.Close()
}
