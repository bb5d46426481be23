package mvcc_test

import (
	"testing"

	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine() *mvcc.Engine {
	return mvcc.New(zap.NewNop())
}

func commit(t *testing.T, e *mvcc.Engine, ops ...model.WriteOp) uint64 {
	t.Helper()
	p := e.BeginCommit(ops)
	id, err := e.FinalizeCommit(p)
	require.NoError(t, err)
	return id
}

func insertOp(key string, body string) model.WriteOp {
	return model.WriteOp{
		Kind:       model.RecordKindInsert,
		Collection: "docs",
		Key:        key,
		Body:       []byte(body),
	}
}

func deleteOp(key string) model.WriteOp {
	return model.WriteOp{Kind: model.RecordKindDelete, Collection: "docs", Key: key}
}

func docKey(key string) model.VersionKey {
	return model.VersionKey{Collection: "docs", Key: key}
}

func TestEngine_CommitIdentitiesAreStrictlyIncreasing(t *testing.T) {
	e := newEngine()

	first := commit(t, e, insertOp("a", "1"))
	second := commit(t, e, insertOp("b", "2"))
	third := commit(t, e, insertOp("a", "3"))

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	assert.Equal(t, uint64(3), third)
	assert.Equal(t, uint64(3), e.Horizon())
}

func TestEngine_StagedEntriesInvisibleUntilFinalize(t *testing.T) {
	e := newEngine()
	commit(t, e, insertOp("a", "old"))

	view := e.OpenReadView()
	defer view.Close()

	p := e.BeginCommit([]model.WriteOp{insertOp("a", "new")})

	v, ok := e.Visible(docKey("a"), view)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.CommitID)

	_, err := e.FinalizeCommit(p)
	require.NoError(t, err)

	// The view's bound is immutable; the new version stays invisible to it.
	v, ok = e.Visible(docKey("a"), view)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.CommitID)

	after := e.OpenReadView()
	defer after.Close()
	v, ok = e.Visible(docKey("a"), after)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.CommitID)
}

func TestEngine_GroupPublishesAtomically(t *testing.T) {
	e := newEngine()

	id := commit(t, e, insertOp("x", "1"), insertOp("y", "2"), deleteOp("z"))
	assert.Equal(t, uint64(1), id)

	view := e.OpenReadView()
	defer view.Close()

	vx, okx := e.Visible(docKey("x"), view)
	vy, oky := e.Visible(docKey("y"), view)
	require.True(t, okx)
	require.True(t, oky)
	assert.Equal(t, id, vx.CommitID)
	assert.Equal(t, id, vy.CommitID)

	_, okz := e.Visible(docKey("z"), view)
	assert.False(t, okz, "tombstone on top means absent")
}

func TestEngine_FinalizeTwiceIsRejected(t *testing.T) {
	e := newEngine()
	p := e.BeginCommit([]model.WriteOp{insertOp("a", "1")})
	_, err := e.FinalizeCommit(p)
	require.NoError(t, err)
	_, err = e.FinalizeCommit(p)
	require.Error(t, err)
}

func TestEngine_VisibilityDeterminism(t *testing.T) {
	e := newEngine()
	for i := 0; i < 5; i++ {
		commit(t, e, insertOp("k", "v"))
	}

	r1 := e.OpenReadView()
	r2 := e.OpenReadView()
	defer r1.Close()
	defer r2.Close()
	require.Equal(t, r1.Bound, r2.Bound)

	v1, ok1 := e.Visible(docKey("k"), r1)
	v2, ok2 := e.Visible(docKey("k"), r2)
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, v1, v2)

	// Concurrent activity after the views were opened changes nothing.
	commit(t, e, insertOp("k", "later"))
	v1again, _ := e.Visible(docKey("k"), r1)
	assert.Equal(t, v1, v1again)
}

func TestEngine_MonotonicVisibility(t *testing.T) {
	e := newEngine()
	commit(t, e, insertOp("a", "1"))
	early := e.OpenReadView()
	defer early.Close()

	commit(t, e, insertOp("b", "2"))
	commit(t, e, insertOp("c", "3"))
	late := e.OpenReadView()
	defer late.Close()

	require.Less(t, early.Bound, late.Bound)

	// Everything visible under the earlier view is visible under the later.
	for _, key := range []string{"a"} {
		_, ok := e.Visible(docKey(key), early)
		require.True(t, ok)
		_, ok = e.Visible(docKey(key), late)
		assert.True(t, ok)
	}
	_, ok := e.Visible(docKey("b"), early)
	assert.False(t, ok)
	_, ok = e.Visible(docKey("b"), late)
	assert.True(t, ok)
}

func TestEngine_SnapshotIsolationAtHorizon(t *testing.T) {
	e := newEngine()
	for i := 0; i < 5; i++ {
		commit(t, e, insertOp("k", "early"))
	}

	view := e.OpenReadView()
	defer view.Close()
	require.Equal(t, uint64(5), view.Bound)

	// Concurrently commit writes reaching horizon 8.
	for i := 0; i < 3; i++ {
		commit(t, e, insertOp("k", "late"))
	}
	require.Equal(t, uint64(8), e.Horizon())

	v, ok := e.Visible(docKey("k"), view)
	require.True(t, ok)
	assert.Equal(t, uint64(5), v.CommitID, "commits 6-8 must not be reflected")
}

func TestEngine_GarbageCollectRespectsOpenViewFloor(t *testing.T) {
	e := newEngine()
	commit(t, e, insertOp("k", "v1")) // commit 1
	commit(t, e, insertOp("k", "v2")) // commit 2
	pinned := e.OpenReadView()        // bound 2

	commit(t, e, insertOp("k", "v3")) // commit 3
	commit(t, e, insertOp("k", "v4")) // commit 4

	pruned := e.GarbageCollect()
	assert.Equal(t, 1, pruned, "only commit 1 is below the floor with a newer visible entry")

	// The pinned view still resolves exactly as before.
	v, ok := e.Visible(docKey("k"), pinned)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.CommitID)

	pinned.Close()
	pruned = e.GarbageCollect()
	assert.Equal(t, 2, pruned, "commits 2 and 3 become collectable once the view closes")

	latest := e.OpenReadView()
	defer latest.Close()
	v, ok = e.Visible(docKey("k"), latest)
	require.True(t, ok)
	assert.Equal(t, uint64(4), v.CommitID)
}

func TestEngine_GarbageCollectRespectsRetainedSnapshotFloor(t *testing.T) {
	e := newEngine()
	commit(t, e, insertOp("k", "v1"))
	commit(t, e, insertOp("k", "v2"))
	e.RetainSnapshot(2)
	commit(t, e, insertOp("k", "v3"))

	pruned := e.GarbageCollect()
	assert.Equal(t, 1, pruned)

	// The snapshot boundary holds even with no open views.
	view := e.OpenReadView()
	view.Close()
	assert.Equal(t, 0, e.GarbageCollect())

	e.ReleaseSnapshot(2)
	assert.Equal(t, 1, e.GarbageCollect())
}

func TestEngine_AbsentKeyIsAbsent(t *testing.T) {
	e := newEngine()
	view := e.OpenReadView()
	defer view.Close()
	_, ok := e.Visible(docKey("missing"), view)
	assert.False(t, ok)
}

func TestEngine_DeleteThenReinsert(t *testing.T) {
	e := newEngine()

	commit(t, e, insertOp("k", "v1"))
	afterInsert := e.OpenReadView()
	defer afterInsert.Close()

	commit(t, e, deleteOp("k"))
	afterDelete := e.OpenReadView()
	defer afterDelete.Close()

	commit(t, e, insertOp("k", "v2"))
	afterReinsert := e.OpenReadView()
	defer afterReinsert.Close()

	v, ok := e.Visible(docKey("k"), afterInsert)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.CommitID)

	_, ok = e.Visible(docKey("k"), afterDelete)
	assert.False(t, ok)

	v, ok = e.Visible(docKey("k"), afterReinsert)
	require.True(t, ok)
	assert.Equal(t, uint64(3), v.CommitID)
	assert.False(t, v.Tombstone)
}
