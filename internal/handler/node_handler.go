package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/metrics"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/mvcc"
	"github.com/quillstore/quill/internal/promotion"
	"github.com/quillstore/quill/internal/replication"
)

// PeerSource reports the replication status other nodes last gossiped.
// Implemented by the cluster gossip service; purely observational.
type PeerSource interface {
	PeerStatuses() []model.ReplicationStatus
}

// NodeHandler serves the document, replication and role endpoints of one
// node. The same handler runs on the authority and on standbys; which
// operations succeed is decided by the engine's writability flag and the
// standby's read-safety gate, never by routing.
type NodeHandler struct {
	db         *engine.DB
	sender     *replication.Sender
	pipeline   *replication.Pipeline // nil on the write authority
	controller *promotion.Controller
	peers      PeerSource // nil when gossip is disabled
	metrics    *metrics.Metrics
	logger     *zap.Logger

	viewMu sync.Mutex
	views  map[string]*mvcc.ReadView
}

// NewNodeHandler builds the HTTP handler for a node.
func NewNodeHandler(db *engine.DB, sender *replication.Sender, pipeline *replication.Pipeline,
	controller *promotion.Controller, m *metrics.Metrics, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		db:         db,
		sender:     sender,
		pipeline:   pipeline,
		controller: controller,
		metrics:    m,
		logger:     logger,
		views:      make(map[string]*mvcc.ReadView),
	}
}

// SetPeerSource installs the gossip-backed peer status source.
func (h *NodeHandler) SetPeerSource(p PeerSource) {
	h.peers = p
}

// Routes mounts every endpoint on r.
func (h *NodeHandler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/write", h.handleWrite)
		r.Post("/write-group", h.handleWriteGroup)
		r.Post("/delete", h.handleDelete)
		r.Get("/read", h.handleRead)

		r.Post("/views", h.handleOpenView)
		r.Delete("/views/{id}", h.handleCloseView)

		r.Post("/explain", h.handleExplain)
		r.Post("/schemas", h.handleRegisterSchema)

		r.Get("/replication/status", h.handleReplicationStatus)
		r.Get("/role", h.handleRole)

		r.Post("/promotion", h.handlePromote)
		r.Post("/role/fence", h.handleFence)
		r.Post("/role/standby", h.handleDemote)
	})

	r.Route("/replication", func(r chi.Router) {
		r.Get("/segments", h.handleSegments)
		r.Get("/snapshot/manifest", h.handleSnapshotManifest)
		r.Get("/snapshot/store", h.handleSnapshotStore)
	})
}

type writeRequest struct {
	Collection    string          `json:"collection"`
	Key           string          `json:"key"`
	SchemaVersion int             `json:"schema_version"`
	Body          json.RawMessage `json:"body"`
}

type groupOpRequest struct {
	Op            string          `json:"op"` // "put" or "delete"
	Collection    string          `json:"collection"`
	Key           string          `json:"key"`
	SchemaVersion int             `json:"schema_version"`
	Body          json.RawMessage `json:"body,omitempty"`
}

type writeGroupRequest struct {
	Ops []groupOpRequest `json:"ops"`
}

type writeResponse struct {
	CommitID uint64 `json:"commit_id"`
}

type documentResponse struct {
	Collection    string          `json:"collection"`
	Key           string          `json:"key"`
	SchemaVersion int             `json:"schema_version"`
	Body          json.RawMessage `json:"body"`
	CommitID      uint64          `json:"commit_id"`
}

type viewResponse struct {
	ViewID string `json:"view_id"`
	Bound  uint64 `json:"bound"`
}

type schemaRequest struct {
	Collection string          `json:"collection"`
	Version    int             `json:"version"`
	Definition json.RawMessage `json:"definition"`
}

type epochRequest struct {
	Epoch uint64 `json:"epoch"`
}

type fenceResponse struct {
	FinalSeq uint64 `json:"final_seq"`
}

func (h *NodeHandler) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed write request", err))
		return
	}

	start := time.Now()
	commitID, err := h.db.Write(r.Context(), req.Collection, req.Key, req.SchemaVersion, req.Body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.RecordWriteDuration(time.Since(start).Seconds())
	h.writeJSON(w, http.StatusOK, writeResponse{CommitID: commitID})
}

func (h *NodeHandler) handleWriteGroup(w http.ResponseWriter, r *http.Request) {
	var req writeGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed write group request", err))
		return
	}

	ops := make([]model.WriteOp, 0, len(req.Ops))
	for _, op := range req.Ops {
		wo := model.WriteOp{
			Collection:    op.Collection,
			Key:           op.Key,
			SchemaVersion: op.SchemaVersion,
			Body:          op.Body,
		}
		switch op.Op {
		case "put", "":
		case "delete":
			wo.Kind = model.RecordKindDelete
			wo.Body = nil
		default:
			h.writeError(w, errors.InvalidArgument("unknown group op: "+op.Op, nil))
			return
		}
		ops = append(ops, wo)
	}

	start := time.Now()
	commitID, err := h.db.WriteGroup(r.Context(), ops)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.RecordWriteDuration(time.Since(start).Seconds())
	h.writeJSON(w, http.StatusOK, writeResponse{CommitID: commitID})
}

func (h *NodeHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed delete request", err))
		return
	}

	commitID, err := h.db.Delete(r.Context(), req.Collection, req.Key, req.SchemaVersion)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, writeResponse{CommitID: commitID})
}

// handleRead serves GET /v1/read. The read bound comes from the view query
// parameter, the bound parameter, or defaults to the current commit horizon.
func (h *NodeHandler) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collection := q.Get("collection")
	key := q.Get("key")

	var bound uint64
	switch {
	case q.Get("view") != "":
		view, ok := h.lookupView(q.Get("view"))
		if !ok {
			h.writeError(w, errors.New(errors.ErrCodeReadViewClosed, errors.SeverityReject,
				"unknown or closed read view: "+q.Get("view"), nil))
			return
		}
		bound = view.Bound
	case q.Get("bound") != "":
		b, err := strconv.ParseUint(q.Get("bound"), 10, 64)
		if err != nil {
			h.writeError(w, errors.InvalidArgument("malformed bound parameter", err))
			return
		}
		bound = b
	default:
		bound = h.db.Horizon()
	}

	start := time.Now()
	doc, found, err := h.db.Read(r.Context(), collection, key, bound)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		h.writeError(w, errors.KeyNotFound(collection, key))
		return
	}
	h.metrics.RecordReadDuration(time.Since(start).Seconds())
	h.writeJSON(w, http.StatusOK, documentResponse{
		Collection:    doc.Collection,
		Key:           doc.Key,
		SchemaVersion: doc.SchemaVersion,
		Body:          doc.Body,
		CommitID:      doc.CommitID,
	})
}

func (h *NodeHandler) handleOpenView(w http.ResponseWriter, r *http.Request) {
	view, err := h.db.OpenReadView()
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.viewMu.Lock()
	h.views[view.ID] = view
	h.viewMu.Unlock()

	h.writeJSON(w, http.StatusOK, viewResponse{ViewID: view.ID, Bound: view.Bound})
}

func (h *NodeHandler) handleCloseView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.viewMu.Lock()
	view, ok := h.views[id]
	delete(h.views, id)
	h.viewMu.Unlock()

	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeReadViewClosed, errors.SeverityReject,
			"unknown or closed read view: "+id, nil))
		return
	}
	view.Close()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *NodeHandler) lookupView(id string) (*mvcc.ReadView, bool) {
	h.viewMu.Lock()
	defer h.viewMu.Unlock()
	view, ok := h.views[id]
	return view, ok
}

func (h *NodeHandler) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req engine.ExplainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed explain request", err))
		return
	}

	trace, err := h.db.Explain(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trace)
}

func (h *NodeHandler) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed schema request", err))
		return
	}

	if err := h.db.Schemas().Register(req.Collection, req.Version, req.Definition); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type replicationStatusResponse struct {
	model.ReplicationStatus
	Peers []model.ReplicationStatus `json:"peers,omitempty"`
}

// handleReplicationStatus reports this node's replication position. On a
// standby the pipeline owns the numbers; the authority reports its own log
// tail as both applied offset and authority sequence. Gossiped peer
// statuses ride along so operators can cross-check both nodes in one call.
func (h *NodeHandler) handleReplicationStatus(w http.ResponseWriter, r *http.Request) {
	resp := replicationStatusResponse{ReplicationStatus: h.Status()}
	if h.peers != nil {
		resp.Peers = h.peers.PeerStatuses()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Status builds the replication status this node reports over HTTP and
// gossip.
func (h *NodeHandler) Status() model.ReplicationStatus {
	if h.pipeline != nil {
		status := h.pipeline.Status()
		status.Role = h.controller.Role().Role
		return status
	}
	tail := h.db.LastSeq()
	return model.ReplicationStatus{
		NodeID:        h.db.NodeID(),
		Role:          h.controller.Role().Role,
		Mode:          model.ReplicaReady,
		AppliedOffset: tail,
		CommitHorizon: h.db.Horizon(),
		AuthoritySeq:  tail,
	}
}

func (h *NodeHandler) handleRole(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.controller.Role())
}

func (h *NodeHandler) handlePromote(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.Promote(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if ee, ok := errors.AsEngineError(err); ok {
			status = ee.HTTPStatus()
		}
		if result == nil {
			result = &promotion.Result{Approved: false, Reason: err.Error()}
		}
		h.writeJSON(w, status, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *NodeHandler) handleFence(w http.ResponseWriter, r *http.Request) {
	var req epochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed fence request", err))
		return
	}

	finalSeq, err := h.controller.Fence(req.Epoch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, fenceResponse{FinalSeq: finalSeq})
}

func (h *NodeHandler) handleDemote(w http.ResponseWriter, r *http.Request) {
	var req epochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("malformed demote request", err))
		return
	}

	if err := h.controller.Demote(req.Epoch); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "standby"})
}

// handleSegments serves raw log frames after the requested sequence. Frame
// bytes travel as the binary body; sequence positions travel in headers so a
// standby can persist the body before decoding it.
func (h *NodeHandler) handleSegments(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	if err != nil && r.URL.Query().Get("after") != "" {
		h.writeError(w, errors.InvalidArgument("malformed after parameter", err))
		return
	}
	maxBytes, _ := strconv.Atoi(r.URL.Query().Get("max_bytes"))

	frames, first, last, tail, err := h.sender.Segments(after, maxBytes)
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeSegmentsGone {
			w.Header().Set(replication.HeaderFirstSeq, strconv.FormatUint(h.db.Log().BaseSeq()+1, 10))
			w.WriteHeader(http.StatusGone)
			return
		}
		h.writeError(w, err)
		return
	}
	if frames == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(replication.HeaderFirstSeq, strconv.FormatUint(first, 10))
	w.Header().Set(replication.HeaderLastSeq, strconv.FormatUint(last, 10))
	w.Header().Set(replication.HeaderAuthoritySeq, strconv.FormatUint(tail, 10))
	if _, err := w.Write(frames); err != nil {
		h.logger.Warn("segment response interrupted", zap.Error(err))
	}
	h.metrics.RecordReplicationBatch("send", len(frames))
}

func (h *NodeHandler) handleSnapshotManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := h.sender.SnapshotManifest()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, manifest)
}

func (h *NodeHandler) handleSnapshotStore(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil || size <= 0 {
		h.writeError(w, errors.InvalidArgument("snapshot request requires a positive size parameter", err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if err := h.sender.StreamStore(w, size); err != nil {
		// Headers are already out; all we can do is cut the stream short so
		// the client's size check fails.
		h.logger.Warn("snapshot stream interrupted", zap.Error(err))
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Invariant string `json:"invariant,omitempty"`
}

func (h *NodeHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error(), Code: int(errors.ErrCodeInternal)}

	if ee, ok := errors.AsEngineError(err); ok {
		status = ee.HTTPStatus()
		resp.Code = int(ee.Code)
		resp.Invariant = ee.Invariant
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	h.writeJSON(w, status, resp)
}

func (h *NodeHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
