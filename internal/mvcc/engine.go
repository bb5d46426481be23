package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

// chain is the per-key version history: an append-only list of immutable
// entries ordered by commit identity. Garbage collection may drop a prefix;
// nothing is ever mutated in place.
type chain struct {
	mu       sync.RWMutex
	versions []model.Version
}

func (c *chain) append(v model.Version) {
	c.mu.Lock()
	c.versions = append(c.versions, v)
	c.mu.Unlock()
}

// visibleAt returns the version with the greatest commit identity <= bound.
func (c *chain) visibleAt(bound uint64) (model.Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].CommitID <= bound {
			return c.versions[i], true
		}
	}
	return model.Version{}, false
}

// ReadView is an immutable snapshot boundary. Visibility under a view is a
// pure function of the view's bound and already-published versions.
type ReadView struct {
	ID    string
	Bound uint64

	engine *Engine
	closed atomic.Bool
}

// Close releases the view's garbage collection pin. Safe to call more than
// once.
func (v *ReadView) Close() {
	if v.closed.CompareAndSwap(false, true) {
		v.engine.releaseView(v.ID)
	}
}

// Pending is a staged write group: version-chain entries prepared by
// BeginCommit but not yet visible to any read view.
type Pending struct {
	entries   []stagedEntry
	finalized bool
}

type stagedEntry struct {
	key     model.VersionKey
	version model.Version // CommitID filled in by FinalizeCommit
}

// Engine is the MVCC engine: it assigns commit identities, maintains per-key
// version chains, and answers visibility queries against read views.
type Engine struct {
	logger *zap.Logger

	// arena of version chains, keyed by collection/key. The skipmap allows
	// lock-free concurrent readers; chains themselves are append-only.
	arena *skipmap.FuncMap[string, *chain]

	// horizon is the latest finalized commit identity. Published with an
	// atomic store only after every entry of the commit group is installed,
	// which is what makes group publication all-or-nothing.
	horizon atomic.Uint64

	// commitMu serializes FinalizeCommit; together with the engine-level
	// single-writer lock it guarantees the sequencer has exactly one mutator.
	commitMu  sync.Mutex
	sequencer *Sequencer

	viewMu    sync.Mutex
	openViews map[string]uint64

	snapMu    sync.Mutex
	snapshots []uint64 // retained snapshot boundaries, an independent GC floor
}

// New creates an empty MVCC engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger:    logger,
		arena:     skipmap.NewFunc[string, *chain](func(a, b string) bool { return a < b }),
		sequencer: NewSequencer(0),
		openViews: make(map[string]uint64),
	}
}

// BeginCommit stages new version-chain entries for a write group without
// making them visible.
func (e *Engine) BeginCommit(writeSet []model.WriteOp) *Pending {
	p := &Pending{}
	for _, op := range writeSet {
		p.entries = append(p.entries, stagedEntry{
			key: model.VersionKey{Collection: op.Collection, Key: op.Key},
			version: model.Version{
				SchemaVersion: op.SchemaVersion,
				Tombstone:     op.Kind == model.RecordKindDelete,
				BodyLen:       len(op.Body),
			},
		})
	}
	return p
}

// SetEntryLocation records where a staged entry's document body landed in
// the store. Index i follows the write set order passed to BeginCommit.
func (p *Pending) SetEntryLocation(i int, seq uint64, storeOffset int64) {
	p.entries[i].version.Seq = seq
	p.entries[i].version.StoreOffset = storeOffset
}

// Len returns the number of staged entries.
func (p *Pending) Len() int {
	return len(p.entries)
}

// FinalizeCommit assigns the next global commit identity to a staged write
// group and atomically publishes all of its entries. It must be called only
// after the corresponding durability log append has flushed. Partial
// publication is impossible: read view bounds are captured from the horizon,
// and the horizon advances only after every entry is installed.
func (e *Engine) FinalizeCommit(p *Pending) (uint64, error) {
	if p.finalized {
		return 0, errors.InternalError("write group finalized twice", nil).
			WithInvariant("mvcc.commit.finalize-once")
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	commitID := e.sequencer.Next()
	for i := range p.entries {
		entry := &p.entries[i]
		entry.version.CommitID = commitID

		c, _ := e.arena.LoadOrStoreLazy(entry.key.String(), func() *chain { return &chain{} })
		c.append(entry.version)
	}

	e.horizon.Store(commitID)
	p.finalized = true
	return commitID, nil
}

// OpenReadView captures the latest finalized commit identity as an immutable
// read upper bound. The view pins garbage collection until closed. Opening a
// view acquires no write-path lock.
func (e *Engine) OpenReadView() *ReadView {
	v := &ReadView{
		ID:     uuid.NewString(),
		Bound:  e.horizon.Load(),
		engine: e,
	}

	e.viewMu.Lock()
	e.openViews[v.ID] = v.Bound
	e.viewMu.Unlock()

	return v
}

func (e *Engine) releaseView(id string) {
	e.viewMu.Lock()
	delete(e.openViews, id)
	e.viewMu.Unlock()
}

// Visible resolves the version of key visible under view: the version with
// the greatest commit identity <= the view bound. A tombstone on top means
// the key is absent. Deterministic given identical inputs.
func (e *Engine) Visible(key model.VersionKey, view *ReadView) (model.Version, bool) {
	return e.VisibleAt(key, view.Bound)
}

// VisibleAt is Visible for a bare read upper bound. A read view is an
// immutable scalar, so visibility is fully determined by the bound.
func (e *Engine) VisibleAt(key model.VersionKey, bound uint64) (model.Version, bool) {
	c, ok := e.arena.Load(key.String())
	if !ok {
		return model.Version{}, false
	}
	v, ok := c.visibleAt(bound)
	if !ok || v.Tombstone {
		return model.Version{}, false
	}
	return v, true
}

// NextCommitID returns the commit identity the next finalized group will
// receive. Valid only under the engine-level single-writer lock, where no
// concurrent finalize can intervene.
func (e *Engine) NextCommitID() uint64 {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.sequencer.Current() + 1
}

// InstallVersion appends an already-committed version to key's chain during
// recovery, before the engine is seeded. Never used on the live write path.
func (e *Engine) InstallVersion(key model.VersionKey, v model.Version) {
	c, _ := e.arena.LoadOrStoreLazy(key.String(), func() *chain { return &chain{} })
	c.append(v)
}

// Seed sets the commit horizon and sequencer position after recovery has
// installed all durable versions.
func (e *Engine) Seed(horizon uint64) {
	e.commitMu.Lock()
	e.sequencer = NewSequencer(horizon)
	e.commitMu.Unlock()
	e.horizon.Store(horizon)
}

// Horizon returns the latest finalized commit identity.
func (e *Engine) Horizon() uint64 {
	return e.horizon.Load()
}

// OpenViewCount returns the number of read views currently pinning GC.
func (e *Engine) OpenViewCount() int {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return len(e.openViews)
}

// KeyCount returns the number of keys with at least one version.
func (e *Engine) KeyCount() int {
	return e.arena.Len()
}
