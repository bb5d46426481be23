package engine

import (
	"fmt"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
)

// Explainable operations. Each trace is a deterministic function of the
// durable and published state at the moment of the call: ordered steps, each
// naming the rule consulted, the state observed, and the outcome. No step is
// a heuristic summary.
const (
	ExplainWrite = "write"
	ExplainRead  = "read"
	ExplainView  = "open_read_view"
)

// ExplainRequest names the operation to trace and its inputs. Read and write
// traces need a key; a read trace additionally takes the bound (0 means the
// current horizon).
type ExplainRequest struct {
	Operation  string `json:"operation"`
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key,omitempty"`
	Bound      uint64 `json:"bound,omitempty"`
}

// Explain produces a structured trace of how the engine would decide the
// given operation against current state, without performing it.
func (db *DB) Explain(req ExplainRequest) (*model.Trace, error) {
	switch req.Operation {
	case ExplainWrite:
		return db.explainWrite(req), nil
	case ExplainRead:
		return db.explainRead(req), nil
	case ExplainView:
		return db.explainView(), nil
	default:
		return nil, errors.InvalidArgument(
			fmt.Sprintf("unknown explain operation %q", req.Operation), nil)
	}
}

func (db *DB) explainWrite(req ExplainRequest) *model.Trace {
	t := &model.Trace{Operation: ExplainWrite}

	writable := db.writable.Load()
	t.Add("role.write-authority",
		pick(writable, "accepted", "rejected: not the write authority"),
		map[string]interface{}{"node_id": db.nodeID, "writable": writable})
	if !writable {
		t.Result = "rejected"
		return t
	}

	if req.Collection != "" {
		err := db.validator.ValidateCollection(req.Collection)
		t.Add("validate.collection", pickErr(err, "valid"),
			map[string]interface{}{"collection": req.Collection})
		if err != nil {
			t.Result = "rejected"
			return t
		}
	}
	if req.Key != "" {
		err := db.validator.ValidateKey(req.Key)
		t.Add("validate.key", pickErr(err, "valid"),
			map[string]interface{}{"key": req.Key})
		if err != nil {
			t.Result = "rejected"
			return t
		}
	}

	horizon := db.versions.Horizon()
	if req.Collection != "" && req.Key != "" {
		_, exists := db.versions.VisibleAt(
			model.VersionKey{Collection: req.Collection, Key: req.Key}, horizon)
		t.Add("mvcc.kind.latest-visible",
			pick(exists, "record kind update", "record kind insert"),
			map[string]interface{}{"horizon": horizon, "exists": exists})
	}

	t.Add("wal.append.fsync",
		"group logged and flushed before acknowledgment",
		map[string]interface{}{"next_seq": db.log.LastSeq() + 1})
	t.Add("mvcc.commit.group-atomic",
		"all entries published together when the horizon advances",
		map[string]interface{}{"next_commit_id": horizon + 1})
	t.Result = "would commit"
	return t
}

func (db *DB) explainRead(req ExplainRequest) *model.Trace {
	t := &model.Trace{Operation: ExplainRead}

	horizon := db.versions.Horizon()
	bound := req.Bound
	if bound == 0 {
		bound = horizon
		t.Add("view.bound.default",
			fmt.Sprintf("bound defaults to horizon %d", horizon),
			map[string]interface{}{"horizon": horizon})
	}

	t.Add("mvcc.bound.le-horizon",
		pick(bound <= horizon, "within horizon", "rejected: bound exceeds horizon"),
		map[string]interface{}{"bound": bound, "horizon": horizon})
	if bound > horizon {
		t.Result = "rejected"
		return t
	}

	if gerr := db.permitRead(bound); gerr != nil {
		t.Add("gate.horizon",
			fmt.Sprintf("refused: %v", gerr),
			map[string]interface{}{"bound": bound})
		t.Result = "refused"
		return t
	}
	t.Add("gate.horizon", "read permitted",
		map[string]interface{}{"bound": bound})

	vkey := model.VersionKey{Collection: req.Collection, Key: req.Key}
	version, ok := db.versions.VisibleAt(vkey, bound)
	if !ok {
		t.Add("mvcc.visible.max-commit-le-bound", "no visible version",
			map[string]interface{}{"key": vkey.String(), "bound": bound})
		t.Result = "absent"
		return t
	}
	t.Add("mvcc.visible.max-commit-le-bound",
		"greatest commit at or below the bound selected",
		map[string]interface{}{
			"key":       vkey.String(),
			"bound":     bound,
			"commit_id": version.CommitID,
		})
	t.Add("store.read.checksum",
		"entry bytes verified against stored checksum on fetch",
		map[string]interface{}{"offset": version.StoreOffset, "body_len": version.BodyLen})
	t.Result = "present"
	return t
}

func (db *DB) explainView() *model.Trace {
	t := &model.Trace{Operation: ExplainView}
	horizon := db.versions.Horizon()
	t.Add("view.bound.capture",
		fmt.Sprintf("view bound fixed at commit %d for its lifetime", horizon),
		map[string]interface{}{"horizon": horizon})
	t.Add("view.gc.floor",
		"versions at or below the view bound survive garbage collection",
		map[string]interface{}{"open_views": db.versions.OpenViewCount()})
	t.Result = "would open"
	return t
}

func pick(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func pickErr(err error, ok string) string {
	if err != nil {
		return fmt.Sprintf("rejected: %v", err)
	}
	return ok
}
