package promotion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testNode struct {
	db         *engine.DB
	state      *replication.StateStore
	roles      *RoleStore
	controller *Controller
}

func newTestNode(t *testing.T, role model.NodeRole, authorityURL string) *testNode {
	base := t.TempDir()
	db, err := engine.Open(engine.Options{
		NodeID:     string(role) + "-node",
		WalDir:     filepath.Join(base, "wal"),
		StoreDir:   filepath.Join(base, "store"),
		SchemaDir:  filepath.Join(base, "schemas"),
		SyncWrites: true,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Recover())
	t.Cleanup(func() { db.Close() })

	state, err := replication.OpenStateStore(filepath.Join(base, "replication"), zap.NewNop())
	require.NoError(t, err)
	roles, err := OpenRoleStore(filepath.Join(base, "role"), role, zap.NewNop())
	require.NoError(t, err)

	var client *Client
	if authorityURL != "" {
		client = NewClient(authorityURL)
	}

	node := &testNode{
		db:    db,
		state: state,
		roles: roles,
	}
	node.controller = NewController(db, roles, state, client, nil, zap.NewNop())
	if role == model.RoleAuthority {
		db.SetWritable(true)
	}
	return node
}

// promotionServer exposes the authority node's promotion endpoints the way
// the node server does. beforeFence hooks run before the fence executes, to
// model writes acknowledged between validation and fencing.
func promotionServer(t *testing.T, authority *testNode, beforeFence ...func()) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/replication/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.ReplicationStatus{
			NodeID:       authority.db.NodeID(),
			Role:         authority.roles.Current().Role,
			AuthoritySeq: authority.db.LastSeq(),
		})
	})
	mux.HandleFunc("/v1/role/fence", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Epoch uint64 `json:"epoch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, fn := range beforeFence {
			fn()
		}
		finalSeq, err := authority.controller.Fence(req.Epoch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]uint64{"final_seq": finalSeq})
	})
	mux.HandleFunc("/v1/role/standby", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Epoch uint64 `json:"epoch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := authority.controller.Demote(req.Epoch); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeN(t *testing.T, db *engine.DB, n int) {
	require.NoError(t, db.Schemas().Register("users", 1, []byte(`{"type":"object"}`)))
	for i := 0; i < n; i++ {
		_, err := db.Write(context.Background(), "users", fmt.Sprintf("k%03d", i), 1,
			[]byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
}

// catchUp replicates the authority's full log into the standby through the
// same stages the live pipeline uses.
func catchUp(t *testing.T, authority, standby *testNode) {
	afterSeq := standby.db.LastSeq()
	frames, first, last, err := authority.db.Log().ReadFrom(afterSeq, 64<<20)
	require.NoError(t, err)
	if frames == nil {
		return
	}
	require.NoError(t, standby.db.Log().AppendRaw(frames, first, last))

	var v replication.Validator
	records, err := v.ValidateBatch(&replication.SegmentBatch{
		Frames:   frames,
		FirstSeq: first,
		LastSeq:  last,
	}, afterSeq)
	require.NoError(t, err)

	applier := replication.NewApplier(standby.db, standby.state, zap.NewNop())
	require.NoError(t, applier.Apply(records))
}

func TestPromotion_DeniedWhenStandbyBehind(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	srv := promotionServer(t, authority)
	standby := newTestNode(t, model.RoleStandby, srv.URL)

	writeN(t, authority.db, 10)
	catchUp(t, authority, standby)

	// Ten more acknowledged writes the standby has not applied.
	for i := 10; i < 12; i++ {
		_, err := authority.db.Write(context.Background(), "users", fmt.Sprintf("k%03d", i), 1, []byte(`{}`))
		require.NoError(t, err)
	}

	result, err := standby.controller.Promote(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePromotionDenied, errors.GetCode(err))
	require.NotNil(t, result)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "behind")

	// Validation and denial leave both nodes untouched.
	assert.True(t, authority.db.Writable())
	assert.Equal(t, model.RoleAuthority, authority.roles.Current().Role)
	assert.Equal(t, model.RoleStandby, standby.roles.Current().Role)
	assert.False(t, standby.db.Writable())
	assert.Zero(t, standby.roles.Current().Epoch)
}

func TestPromotion_HandsOverAuthority(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	srv := promotionServer(t, authority)
	standby := newTestNode(t, model.RoleStandby, srv.URL)

	writeN(t, authority.db, 10)
	catchUp(t, authority, standby)

	result, err := standby.controller.Promote(context.Background())
	require.NoError(t, err)
	require.True(t, result.Approved)
	assert.Equal(t, uint64(1), result.Epoch)
	assert.Equal(t, authority.db.LastSeq(), result.FinalSeq)

	// Exactly one writable node, and the roles crossed over durably.
	assert.True(t, standby.db.Writable())
	assert.False(t, authority.db.Writable())
	assert.Equal(t, model.RoleAuthority, standby.roles.Current().Role)
	assert.Equal(t, uint64(1), standby.roles.Current().Epoch)
	assert.Equal(t, model.RoleStandby, authority.roles.Current().Role)
	assert.Equal(t, uint64(1), authority.roles.Current().Epoch)

	// The new authority accepts writes; the old one rejects them. Schema
	// definition files are deployed per node, so the new authority carries
	// its own copy.
	require.NoError(t, standby.db.Schemas().Register("users", 1, []byte(`{"type":"object"}`)))
	_, err = standby.db.Write(context.Background(), "users", "k000", 1, []byte(`{"promoted":true}`))
	require.NoError(t, err)
	_, err = authority.db.Write(context.Background(), "users", "k000", 1, []byte(`{}`))
	assert.Equal(t, errors.ErrCodeNotWriteAuthority, errors.GetCode(err))
}

// catchUpDrainer stands in for the running replication pipeline during a
// promotion: draining replays the fenced authority's remaining log records
// through the same stages the live pipeline uses.
type catchUpDrainer struct {
	t         *testing.T
	authority *testNode
	standby   *testNode
}

func (d *catchUpDrainer) DrainTo(ctx context.Context, target uint64) error {
	catchUp(d.t, d.authority, d.standby)
	return nil
}

func TestPromotion_DrainsTailAfterFencing(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	var standby *testNode

	// Two writes land after validation succeeded, while fencing is in
	// flight. The fenced final position is beyond the standby's applied
	// offset at that moment.
	srv := promotionServer(t, authority, func() {
		for i := 10; i < 12; i++ {
			_, err := authority.db.Write(context.Background(), "users", fmt.Sprintf("k%03d", i), 1, []byte(`{}`))
			require.NoError(t, err)
		}
	})
	standby = newTestNode(t, model.RoleStandby, srv.URL)

	writeN(t, authority.db, 10)
	catchUp(t, authority, standby)
	standby.controller.SetDrainer(&catchUpDrainer{t: t, authority: authority, standby: standby})

	result, err := standby.controller.Promote(context.Background())
	require.NoError(t, err)
	require.True(t, result.Approved)
	assert.Equal(t, authority.db.LastSeq(), result.FinalSeq)

	// The drain carried the standby to the fenced final position before the
	// claim; no acknowledged write was left behind.
	assert.Equal(t, result.FinalSeq, standby.state.Current().AppliedLogOffset)
	assert.Equal(t, authority.db.Horizon(), standby.db.Horizon())
	assert.Equal(t, model.RoleAuthority, standby.roles.Current().Role)
	assert.Equal(t, model.RoleStandby, authority.roles.Current().Role)
}

func TestPromotion_DeniedWhenFencedTailUnreachable(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	var standby *testNode
	srv := promotionServer(t, authority, func() {
		_, err := authority.db.Write(context.Background(), "users", "k999", 1, []byte(`{}`))
		require.NoError(t, err)
	})
	standby = newTestNode(t, model.RoleStandby, srv.URL)

	writeN(t, authority.db, 5)
	catchUp(t, authority, standby)

	// No pipeline to drain: the standby cannot reach the fenced final
	// position, so the claim is refused and no authority role is written.
	result, err := standby.controller.Promote(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePromotionDenied, errors.GetCode(err))
	require.NotNil(t, result)
	assert.False(t, result.Approved)
	assert.Equal(t, model.RoleStandby, standby.roles.Current().Role)
	// The old authority stays fenced; re-running the promotion with a
	// working pipeline completes the handover.
	assert.Equal(t, model.RoleFenced, authority.roles.Current().Role)
}

func TestPromotion_FencedAuthorityNeverAcknowledges(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	writeN(t, authority.db, 3)

	finalSeq, err := authority.controller.Fence(1)
	require.NoError(t, err)
	assert.Equal(t, authority.db.LastSeq(), finalSeq)
	assert.Equal(t, model.RoleFenced, authority.roles.Current().Role)

	_, err = authority.db.Write(context.Background(), "users", "k000", 1, []byte(`{}`))
	assert.Equal(t, errors.ErrCodeNotWriteAuthority, errors.GetCode(err))

	// Fencing at the same epoch is idempotent; the log cannot have grown.
	again, err := authority.controller.Fence(1)
	require.NoError(t, err)
	assert.Equal(t, finalSeq, again)

	// Stale epochs are refused.
	_, err = authority.controller.Fence(1)
	require.NoError(t, err)
	_, err = authority.controller.Fence(0)
	require.Error(t, err)
}

func TestPromotion_RetryAfterCrashBetweenFenceAndClaim(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	srv := promotionServer(t, authority)
	standby := newTestNode(t, model.RoleStandby, srv.URL)

	writeN(t, authority.db, 5)
	catchUp(t, authority, standby)

	// Simulate a first attempt that crashed after fencing: the old
	// authority is durably fenced at epoch 1, no claim was written.
	_, err := authority.controller.Fence(1)
	require.NoError(t, err)
	assert.Equal(t, model.RoleFenced, authority.roles.Current().Role)
	assert.False(t, authority.db.Writable())
	assert.Equal(t, model.RoleStandby, standby.roles.Current().Role)

	// Re-running the promotion completes the handover: fencing at the same
	// epoch is idempotent and the claim proceeds.
	result, err := standby.controller.Promote(context.Background())
	require.NoError(t, err)
	require.True(t, result.Approved)
	assert.Equal(t, uint64(1), result.Epoch)
	assert.Equal(t, model.RoleAuthority, standby.roles.Current().Role)
	assert.Equal(t, model.RoleStandby, authority.roles.Current().Role)
}

func TestPromotion_DeniedWhenPipelineHalted(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")
	srv := promotionServer(t, authority)
	standby := newTestNode(t, model.RoleStandby, srv.URL)

	require.NoError(t, standby.state.Save(model.ReplicaState{
		AppliedLogOffset: 5,
		Mode:             model.ReplicaRecovering,
	}))

	_, err := standby.controller.Promote(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePromotionDenied, errors.GetCode(err))
	assert.Contains(t, err.Error(), "halted")
}

func TestPromotion_DeniedForNonStandby(t *testing.T) {
	authority := newTestNode(t, model.RoleAuthority, "")

	_, err := authority.controller.Validate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePromotionDenied, errors.GetCode(err))
}

func TestRoleStore_EpochRules(t *testing.T) {
	dir := t.TempDir()
	roles, err := OpenRoleStore(dir, model.RoleStandby, zap.NewNop())
	require.NoError(t, err)

	// Claiming authority requires advancing the epoch.
	err = roles.Save(RoleRecord{Role: model.RoleAuthority, Epoch: 0})
	require.Error(t, err)

	require.NoError(t, roles.Save(RoleRecord{Role: model.RoleAuthority, Epoch: 1}))

	// Epochs never move backwards.
	err = roles.Save(RoleRecord{Role: model.RoleStandby, Epoch: 0})
	require.Error(t, err)

	// Reopen sees the durable claim.
	reopened, err := OpenRoleStore(dir, model.RoleStandby, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, model.RoleAuthority, reopened.Current().Role)
	assert.Equal(t, uint64(1), reopened.Current().Epoch)
}
