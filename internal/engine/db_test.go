package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/storage"
	"github.com/quillstore/quill/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testDirs struct {
	wal    string
	store  string
	schema string
}

func newTestDirs(t *testing.T) testDirs {
	base := t.TempDir()
	return testDirs{
		wal:    filepath.Join(base, "wal"),
		store:  filepath.Join(base, "store"),
		schema: filepath.Join(base, "schemas"),
	}
}

func openTestDB(t *testing.T, dirs testDirs) *DB {
	db, err := Open(Options{
		NodeID:     "node-1",
		WalDir:     dirs.wal,
		StoreDir:   dirs.store,
		SchemaDir:  dirs.schema,
		SyncWrites: true,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Recover())
	db.SetWritable(true)
	return db
}

func registerSchema(t *testing.T, db *DB, collection string, version int) {
	require.NoError(t, db.Schemas().Register(collection, version, []byte(`{"type":"object"}`)))
}

func TestDB_WriteReadRoundTrip(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	commit, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"name":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), commit)

	doc, ok, err := db.Read(context.Background(), "users", "alice", db.Horizon())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"name":"alice"}`), doc.Body)
	assert.Equal(t, uint64(1), doc.CommitID)
	assert.Equal(t, 1, doc.SchemaVersion)
}

func TestDB_WriteRejectedWithoutAuthority(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	db.SetWritable(false)
	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotWriteAuthority, errors.GetCode(err))
}

func TestDB_WriteRejectedForUnknownSchema(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()

	_, err := db.Write(context.Background(), "users", "alice", 7, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownSchema, errors.GetCode(err))
	assert.Zero(t, db.Horizon())
	assert.Zero(t, db.LastSeq())
}

func TestDB_DeleteThenAbsent(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{}`))
	require.NoError(t, err)
	_, err = db.Delete(context.Background(), "users", "alice", 1)
	require.NoError(t, err)

	_, ok, err := db.Read(context.Background(), "users", "alice", db.Horizon())
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is a client error, not a tombstone append.
	_, err = db.Delete(context.Background(), "users", "alice", 1)
	assert.Equal(t, errors.ErrCodeKeyNotFound, errors.GetCode(err))
}

func TestDB_WriteGroupAtomicVisibility(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "orders", 1)

	commit, err := db.WriteGroup(context.Background(), []model.WriteOp{
		{Collection: "orders", Key: "o1", SchemaVersion: 1, Body: []byte(`{"n":1}`)},
		{Collection: "orders", Key: "o2", SchemaVersion: 1, Body: []byte(`{"n":2}`)},
		{Collection: "orders", Key: "o3", SchemaVersion: 1, Body: []byte(`{"n":3}`)},
	})
	require.NoError(t, err)

	// All three entries share one commit identity and appear together.
	for _, key := range []string{"o1", "o2", "o3"} {
		doc, ok, rerr := db.Read(context.Background(), "orders", key, db.Horizon())
		require.NoError(t, rerr)
		require.True(t, ok, key)
		assert.Equal(t, commit, doc.CommitID)
	}
}

func TestDB_ReadBeyondHorizonRejected(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{}`))
	require.NoError(t, err)

	_, _, err = db.Read(context.Background(), "users", "alice", db.Horizon()+1)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeReadBeyondHorizon, errors.GetCode(err))
}

func TestDB_ReadViewSnapshotIsolation(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)

	view, err := db.OpenReadView()
	require.NoError(t, err)
	defer view.Close()

	_, err = db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":2}`))
	require.NoError(t, err)

	// The view keeps answering from its bound, not from the new horizon.
	doc, ok, err := db.Read(context.Background(), "users", "alice", view.Bound)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"v":1}`), doc.Body)

	doc, ok, err = db.Read(context.Background(), "users", "alice", db.Horizon())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"v":2}`), doc.Body)
}

func TestDB_RecoverySurvivesRestart(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = db.Write(context.Background(), "users", "bob", 1, []byte(`{"v":2}`))
	require.NoError(t, err)
	horizon := db.Horizon()
	lastSeq := db.LastSeq()
	require.NoError(t, db.Close())

	db = openTestDB(t, dirs)
	defer db.Close()
	assert.Equal(t, horizon, db.Horizon())
	assert.Equal(t, lastSeq, db.LastSeq())

	doc, ok, err := db.Read(context.Background(), "users", "bob", db.Horizon())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"v":2}`), doc.Body)
}

func TestDB_RecoveryReplaysLogAheadOfStore(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = db.Write(context.Background(), "users", "bob", 1, []byte(`{"v":2}`))
	require.NoError(t, err)
	horizon := db.Horizon()
	require.NoError(t, db.Close())

	// Losing the store is recoverable: the log holds the full history and
	// replay reconstructs every entry with the same commit identities.
	require.NoError(t, os.Remove(filepath.Join(dirs.store, "store.db")))

	db = openTestDB(t, dirs)
	defer db.Close()
	assert.Equal(t, horizon, db.Horizon())

	for _, tc := range []struct {
		key  string
		body string
	}{
		{"alice", `{"v":1}`},
		{"bob", `{"v":2}`},
	} {
		doc, ok, rerr := db.Read(context.Background(), "users", tc.key, db.Horizon())
		require.NoError(t, rerr)
		require.True(t, ok, tc.key)
		assert.Equal(t, []byte(tc.body), doc.Body)
	}
}

func TestDB_RecoveryDropsUnterminatedGroup(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)
	lastSeq := db.LastSeq()
	require.NoError(t, db.Close())

	// A crash between a group's first flush and its final record leaves log
	// records with no group end. Those were never acknowledged.
	log, err := wal.Open(dirs.wal, true, zap.NewNop())
	require.NoError(t, err)
	_, err = log.Append(model.RecordKindInsert, &model.RecordPayload{
		Collection:    "users",
		Key:           "carol",
		SchemaVersion: 1,
		Body:          []byte(`{"v":9}`),
		GroupEnd:      false,
	})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	db = openTestDB(t, dirs)
	defer db.Close()

	assert.Equal(t, lastSeq, db.LastSeq())
	_, ok, err := db.Read(context.Background(), "users", "carol", db.Horizon())
	require.NoError(t, err)
	assert.False(t, ok)

	// The truncated tail does not block new writes.
	_, err = db.Write(context.Background(), "users", "dave", 1, []byte(`{}`))
	require.NoError(t, err)
}

func TestDB_RecoveryReappliesGroupCutShortInStore(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	registerSchema(t, db, "orders", 1)

	_, err := db.Write(context.Background(), "orders", "o0", 1, []byte(`{"n":0}`))
	require.NoError(t, err)
	groupCommit, err := db.WriteGroup(context.Background(), []model.WriteOp{
		{Collection: "orders", Key: "o1", SchemaVersion: 1, Body: []byte(`{"n":1}`)},
		{Collection: "orders", Key: "o2", SchemaVersion: 1, Body: []byte(`{"n":2}`)},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// The store syncs once per group, so a crash between the group's store
	// appends and its sync can persist only a prefix of the group. Cut the
	// store back to the group's first entry to reproduce that state.
	st, err := storage.Open(dirs.store, zap.NewNop())
	require.NoError(t, err)
	var cutAt int64
	require.NoError(t, st.Rebuild(func(e *storage.Entry) error {
		if e.Payload.Key == "o2" {
			cutAt = e.Offset
		}
		return nil
	}))
	require.NoError(t, st.Close())
	require.Positive(t, cutAt)
	require.NoError(t, os.Truncate(filepath.Join(dirs.store, "store.db"), cutAt))

	db = openTestDB(t, dirs)
	defer db.Close()

	// The whole group is re-applied from the log under a single commit
	// identity; no bound observes one of its entries without the other.
	assert.Equal(t, groupCommit, db.Horizon())
	for _, key := range []string{"o1", "o2"} {
		doc, ok, rerr := db.Read(context.Background(), "orders", key, db.Horizon())
		require.NoError(t, rerr)
		require.True(t, ok, key)
		assert.Equal(t, groupCommit, doc.CommitID, key)
	}
	_, ok, err := db.Read(context.Background(), "orders", "o1", groupCommit-1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_FatalApplyFailureRevokesAcknowledgment(t *testing.T) {
	dirs := newTestDirs(t)
	var hookErr error
	db, err := Open(Options{
		NodeID:     "node-1",
		WalDir:     dirs.wal,
		StoreDir:   dirs.store,
		SchemaDir:  dirs.schema,
		SyncWrites: true,
		OnFatal:    func(e error) { hookErr = e },
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Recover())
	db.SetWritable(true)
	registerSchema(t, db, "users", 1)

	_, err = db.Write(context.Background(), "users", "alice", 1, []byte(`{}`))
	require.NoError(t, err)

	// Fail the store underneath the engine: the next write flushes to the
	// log, then the store apply fails after the group is already durable.
	require.NoError(t, db.Store().Close())

	_, err = db.Write(context.Background(), "users", "bob", 1, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	// The log is ahead of the published state now; the node must stop
	// acknowledging and hand the outcome to the fatal hook.
	assert.False(t, db.Writable())
	require.Error(t, hookErr)
	_, err = db.Write(context.Background(), "users", "carol", 1, []byte(`{}`))
	assert.Equal(t, errors.ErrCodeNotWriteAuthority, errors.GetCode(err))
	db.Log().Close()
}

func TestDB_RecoveryIdempotentAcrossRestarts(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = db.Delete(context.Background(), "users", "alice", 1)
	require.NoError(t, err)
	_, err = db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":3}`))
	require.NoError(t, err)
	horizon := db.Horizon()
	lastSeq := db.LastSeq()
	require.NoError(t, db.Close())

	for i := 0; i < 3; i++ {
		db = openTestDB(t, dirs)
		assert.Equal(t, horizon, db.Horizon())
		assert.Equal(t, lastSeq, db.LastSeq())
		doc, ok, rerr := db.Read(context.Background(), "users", "alice", db.Horizon())
		require.NoError(t, rerr)
		require.True(t, ok)
		assert.Equal(t, []byte(`{"v":3}`), doc.Body)
		require.NoError(t, db.Close())
	}
}

func TestDB_ApplyGroupMatchesLocalCommit(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()

	records := []*model.LogRecord{
		{
			Kind: model.RecordKindInsert,
			Seq:  1,
			Payload: model.RecordPayload{
				Collection:    "users",
				Key:           "alice",
				SchemaVersion: 1,
				Body:          []byte(`{"v":1}`),
				GroupEnd:      true,
			},
		},
	}
	commit, err := db.ApplyGroup(records)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), commit)
	assert.Equal(t, uint64(1), db.Horizon())

	doc, ok, err := db.Read(context.Background(), "users", "alice", db.Horizon())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"v":1}`), doc.Body)
}

func TestDB_ApplyGroupRejectsUnterminated(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()

	_, err := db.ApplyGroup([]*model.LogRecord{
		{
			Kind:    model.RecordKindInsert,
			Seq:     1,
			Payload: model.RecordPayload{Collection: "users", Key: "alice", SchemaVersion: 1, Body: []byte(`{}`)},
		},
	})
	require.Error(t, err)
}

func TestDB_ExplainTracesAreDeterministic(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)

	req := ExplainRequest{Operation: ExplainRead, Collection: "users", Key: "alice", Bound: 1}
	first, err := db.Explain(req)
	require.NoError(t, err)
	second, err := db.Explain(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "present", first.Result)

	ruleSeen := false
	for _, step := range first.Steps {
		if step.Rule == "mvcc.visible.max-commit-le-bound" {
			ruleSeen = true
		}
	}
	assert.True(t, ruleSeen)
}

func TestDB_ExplainReadAbsentAndRefused(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()

	trace, err := db.Explain(ExplainRequest{Operation: ExplainRead, Collection: "users", Key: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, "absent", trace.Result)

	trace, err = db.Explain(ExplainRequest{Operation: ExplainRead, Collection: "users", Key: "ghost", Bound: 10})
	require.NoError(t, err)
	assert.Equal(t, "rejected", trace.Result)
}

func TestDB_ExplainWriteReportsAuthority(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()

	db.SetWritable(false)
	trace, err := db.Explain(ExplainRequest{Operation: ExplainWrite, Collection: "users", Key: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "rejected", trace.Result)
	require.NotEmpty(t, trace.Steps)
	assert.Equal(t, "role.write-authority", trace.Steps[0].Rule)

	db.SetWritable(true)
	trace, err = db.Explain(ExplainRequest{Operation: ExplainWrite, Collection: "users", Key: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "would commit", trace.Result)
}

func TestDB_InsertBecomesUpdateOnSecondWrite(t *testing.T) {
	dirs := newTestDirs(t)
	db := openTestDB(t, dirs)
	defer db.Close()
	registerSchema(t, db, "users", 1)

	_, err := db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = db.Write(context.Background(), "users", "alice", 1, []byte(`{"v":2}`))
	require.NoError(t, err)

	var kinds []model.RecordKind
	require.NoError(t, db.Log().Replay(func(rec *model.LogRecord) error {
		kinds = append(kinds, rec.Kind)
		return nil
	}))
	require.Len(t, kinds, 2)
	assert.Equal(t, model.RecordKindInsert, kinds[0])
	assert.Equal(t, model.RecordKindUpdate, kinds[1])
}
