package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/metrics"
	"github.com/quillstore/quill/internal/model"
	"go.uber.org/zap"
)

// PipelineConfig sizes the standby pipeline.
type PipelineConfig struct {
	PullInterval time.Duration
	MaxBatchSize int
	QueueDepth   int
}

// Pipeline is a standby's replication engine: a pull loop that persists raw
// segments before interpretation, a validation stage, and a single apply
// goroutine. Stages hand off through a bounded queue; backpressure slows the
// pull loop rather than dropping or reordering batches.
//
// Any gap, checksum failure or apply error halts the pipeline. A halted
// pipeline mutates nothing further; restart or snapshot bootstrap is an
// operator decision.
type Pipeline struct {
	db      *engine.DB
	client  *AuthorityClient
	state   *StateStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     PipelineConfig

	validator Validator
	applier   *Applier

	authoritySeq atomic.Uint64
	halted       atomic.Bool
	haltReason   atomic.Pointer[string]
	stage        atomic.Pointer[model.ReplicaMode]

	wg sync.WaitGroup
}

// NewPipeline assembles the standby pipeline.
func NewPipeline(db *engine.DB, client *AuthorityClient, state *StateStore, cfg PipelineConfig, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 200 * time.Millisecond
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultSegmentMaxBytes
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}

	return &Pipeline{
		db:      db,
		client:  client,
		state:   state,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		applier: NewApplier(db, state, logger),
	}
}

// Run pulls, validates and applies until ctx is cancelled or the pipeline
// halts. Returns ErrCodeSegmentsGone when the authority no longer holds the
// segments this standby needs; the caller must bootstrap from a snapshot.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.reconcileAfterRecovery(); err != nil {
		return err
	}

	batches := make(chan []*model.LogRecord, p.cfg.QueueDepth)
	applyErr := make(chan error, 1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for records := range batches {
			p.setStage(model.ReplicaApplying)
			if err := p.applier.Apply(records); err != nil {
				applyErr <- err
				return
			}
			p.setStage(model.ReplicaReady)
			p.metrics.RecordReplicationBatch("applied", 0)
			p.updateLag()
		}
	}()

	err := p.pullLoop(ctx, batches, applyErr)
	close(batches)
	p.wg.Wait()
	return err
}

func (p *Pipeline) pullLoop(ctx context.Context, batches chan<- []*model.LogRecord, applyErr <-chan error) error {
	ticker := time.NewTicker(p.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-applyErr:
			return p.halt("apply failed", err)
		case <-ticker.C:
		}

		afterSeq := p.db.LastSeq()
		p.setStage(model.ReplicaReceiving)
		batch, err := p.client.FetchSegments(ctx, afterSeq, p.cfg.MaxBatchSize)
		if err != nil {
			if errors.GetCode(err) == errors.ErrCodeSegmentsGone {
				// Not a halt: the standby is merely too far behind and
				// must restart from a snapshot.
				return err
			}
			// Transient transport errors retry on the next tick without
			// mutating any state.
			p.logger.Warn("segment pull failed", zap.Error(err))
			continue
		}
		if batch == nil {
			p.markCaughtUp(ctx, afterSeq)
			continue
		}
		if batch.AuthoritySeq > 0 {
			p.authoritySeq.Store(batch.AuthoritySeq)
		}

		// Persist raw bytes first; interpretation never precedes
		// durability on a standby either.
		if err := p.db.Log().AppendRaw(batch.Frames, batch.FirstSeq, batch.LastSeq); err != nil {
			return p.halt("segment persistence failed", err)
		}
		p.metrics.RecordReplicationBatch("received", len(batch.Frames))

		p.setStage(model.ReplicaValidating)
		records, err := p.validator.ValidateBatch(batch, afterSeq)
		if err != nil {
			return p.halt("segment validation failed", err)
		}
		p.metrics.RecordReplicationBatch("validated", 0)

		select {
		case batches <- records:
		case <-ctx.Done():
			return ctx.Err()
		case err := <-applyErr:
			return p.halt("apply failed", err)
		}
	}
}

// reconcileAfterRecovery aligns the durable replica state with what engine
// recovery already applied from the local log. Every complete group in the
// local log is applied by recovery, so the applied position is the log tail.
func (p *Pipeline) reconcileAfterRecovery() error {
	current := p.state.Current()
	lastSeq := p.db.LastSeq()

	if current.Mode == model.ReplicaUninitialized || lastSeq > current.AppliedLogOffset {
		return p.state.Save(model.ReplicaState{
			AppliedLogOffset:   lastSeq,
			LocalCommitHorizon: p.db.Horizon(),
			Mode:               model.ReplicaReceiving,
		})
	}
	return nil
}

// markCaughtUp promotes the durable mode to ready on an empty poll: the
// authority holds nothing past the standby's tail, so the standby is
// consistent at its applied boundary. Snapshot bootstrap leaves the durable
// mode at recovering; this is the transition out of it when the authority is
// idle. The authority's own status refreshes the reported tail so lag stays
// current between batches.
func (p *Pipeline) markCaughtUp(ctx context.Context, appliedSeq uint64) {
	if status, err := p.client.FetchStatus(ctx); err == nil {
		if status.AppliedOffset > 0 {
			p.authoritySeq.Store(status.AppliedOffset)
		}
	} else {
		p.logger.Debug("authority status refresh failed", zap.Error(err))
	}
	p.setStage(model.ReplicaReady)

	if p.state.Current().Mode == model.ReplicaReady {
		return
	}
	if err := p.state.Save(model.ReplicaState{
		AppliedLogOffset:   appliedSeq,
		LocalCommitHorizon: p.db.Horizon(),
		Mode:               model.ReplicaReady,
	}); err != nil {
		p.logger.Error("failed to persist ready mode", zap.Error(err))
	}
}

func (p *Pipeline) setStage(m model.ReplicaMode) {
	p.stage.Store(&m)
}

// DrainTo blocks until the durable applied position reaches target. The
// promotion controller calls this after fencing: the fenced authority still
// serves segments, so the running pull loop closes the remaining distance.
func (p *Pipeline) DrainTo(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(p.cfg.PullInterval)
	defer ticker.Stop()

	for {
		if p.state.Current().AppliedLogOffset >= target {
			return nil
		}
		if halted, reason := p.Halted(); halted {
			return errors.ReplicaHalted(reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) halt(reason string, cause error) error {
	p.halted.Store(true)
	p.haltReason.Store(&reason)
	p.metrics.RecordReplicationHalt()
	p.logger.Error("replication pipeline halted",
		zap.String("reason", reason),
		zap.Error(cause))

	if serr := p.state.SetMode(model.ReplicaRecovering); serr != nil {
		p.logger.Error("failed to persist halted mode", zap.Error(serr))
	}
	return errors.ReplicaHalted(reason)
}

// Halted reports whether the pipeline has stopped due to an invariant
// violation, and the reason.
func (p *Pipeline) Halted() (bool, string) {
	if !p.halted.Load() {
		return false, ""
	}
	if r := p.haltReason.Load(); r != nil {
		return true, *r
	}
	return true, "unknown"
}

func (p *Pipeline) updateLag() {
	current := p.state.Current()
	authority := p.authoritySeq.Load()
	var lag uint64
	if authority > current.AppliedLogOffset {
		lag = authority - current.AppliedLogOffset
	}
	p.metrics.UpdateReplicationPosition(current.AppliedLogOffset, lag)
}

// Status reports this standby's replication progress. The reported mode is
// the live pipeline stage; the durable mode wins once the pipeline halts.
func (p *Pipeline) Status() model.ReplicationStatus {
	current := p.state.Current()
	authority := p.authoritySeq.Load()
	var lag uint64
	if authority > current.AppliedLogOffset {
		lag = authority - current.AppliedLogOffset
	}
	mode := current.Mode
	if s := p.stage.Load(); s != nil && !p.halted.Load() {
		mode = *s
	}
	return model.ReplicationStatus{
		NodeID:        p.db.NodeID(),
		Role:          model.RoleStandby,
		Mode:          mode,
		AppliedOffset: current.AppliedLogOffset,
		CommitHorizon: current.LocalCommitHorizon,
		AuthoritySeq:  authority,
		Lag:           lag,
	}
}
