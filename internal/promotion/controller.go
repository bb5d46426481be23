package promotion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/metrics"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/replication"
	"go.uber.org/zap"
)

// Phase names the step a promotion attempt is in. Promotion is always
// operator triggered; the controller never initiates a transition on its
// own, and a denied attempt leaves every node exactly as it found it.
type Phase string

const (
	PhaseSteady     Phase = "steady"
	PhaseValidating Phase = "validating"
	PhaseFencing    Phase = "fencing"
	PhasePromoting  Phase = "promoting"
	PhaseCompleting Phase = "completing"
)

// drainTimeout bounds how long a promotion waits for the pipeline to reach
// the fenced authority's final position before giving up.
const drainTimeout = 30 * time.Second

// Drainer pulls and applies remaining authority log records up to a target
// position. Implemented by the replication pipeline.
type Drainer interface {
	DrainTo(ctx context.Context, target uint64) error
}

// Result reports a finished promotion attempt.
type Result struct {
	AttemptID string `json:"attempt_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
	Epoch     uint64 `json:"epoch,omitempty"`
	FinalSeq  uint64 `json:"final_seq,omitempty"`
}

// Controller drives authority transitions on this node. The same type runs
// on every node: on a standby it executes Promote; on the current authority
// it answers Fence and Demote. Authority is handed over through durable
// epoch-stamped role records written in a fixed order (authority fences
// itself, then the standby claims the next epoch), so a crash at any point
// leaves at most one authority claim at the highest epoch.
type Controller struct {
	db      *engine.DB
	roles   *RoleStore
	state   *replication.StateStore
	client  *Client
	drain   Drainer
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	phase Phase
}

// NewController builds the transition controller. client may be nil on a
// node that will never initiate a promotion.
func NewController(db *engine.DB, roles *RoleStore, state *replication.StateStore, client *Client, m *metrics.Metrics, logger *zap.Logger) *Controller {
	return &Controller{
		db:      db,
		roles:   roles,
		state:   state,
		client:  client,
		metrics: m,
		logger:  logger,
		phase:   PhaseSteady,
	}
}

// SetDrainer installs the running replication pipeline so a promotion can
// drain the last records out of a fenced authority.
func (c *Controller) SetDrainer(d Drainer) {
	c.drain = d
}

// Phase reports the current transition phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Validate checks whether this standby could be promoted right now, without
// touching any durable state on either node. The checks read the durable
// replica state and the authority's reported tail; a standby behind the
// authority tail is denied.
func (c *Controller) Validate(ctx context.Context) (uint64, error) {
	record := c.roles.Current()
	if record.Role != model.RoleStandby {
		return 0, errors.PromotionDenied(c.db.NodeID(),
			fmt.Sprintf("node role is %s, only a standby can be promoted", record.Role))
	}

	replica := c.state.Current()
	if replica.Mode == model.ReplicaRecovering {
		return 0, errors.PromotionDenied(c.db.NodeID(), "replication pipeline is halted")
	}
	if !replica.Mode.Readable() {
		return 0, errors.PromotionDenied(c.db.NodeID(),
			fmt.Sprintf("replica mode is %s, not ready", replica.Mode))
	}

	status, err := c.client.AuthorityStatus(ctx)
	if err != nil {
		return 0, errors.PromotionDenied(c.db.NodeID(),
			fmt.Sprintf("authority unreachable for validation: %v", err))
	}
	if replica.AppliedLogOffset < status.AuthoritySeq {
		return 0, errors.PromotionDenied(c.db.NodeID(),
			fmt.Sprintf("standby applied offset %d is behind authority log position %d",
				replica.AppliedLogOffset, status.AuthoritySeq))
	}
	return status.AuthoritySeq, nil
}

// Promote executes an operator-requested authority transition onto this
// node. Order of durable effects: the old authority fences itself at the
// next epoch and stops acknowledging, the standby drains to the fenced
// final position, the standby claims authority at that epoch, and finally
// the old node is demoted to standby. A crash before the claim leaves a
// fenced old authority and no new one; re-running the promotion (or
// demoting the fenced node) resolves it. At no point do two nodes hold an
// authority claim at the same highest epoch.
func (c *Controller) Promote(ctx context.Context) (*Result, error) {
	attempt := uuid.NewString()
	c.setPhase(PhaseValidating)
	defer c.setPhase(PhaseSteady)

	if _, err := c.Validate(ctx); err != nil {
		c.metrics.RecordPromotion("denied")
		return &Result{AttemptID: attempt, Approved: false, Reason: err.Error()}, err
	}

	epoch := c.roles.Current().Epoch + 1

	c.setPhase(PhaseFencing)
	finalSeq, err := c.client.Fence(ctx, epoch)
	if err != nil {
		c.metrics.RecordPromotion("denied")
		denied := errors.PromotionDenied(c.db.NodeID(), fmt.Sprintf("fencing failed: %v", err))
		return &Result{AttemptID: attempt, Approved: false, Reason: denied.Error()}, denied
	}

	// The fenced authority's log can no longer grow. The standby must hold
	// every record up to the final position before taking over; otherwise
	// acknowledged writes would vanish. The fenced node still serves
	// segments, so the running pipeline drains the remaining distance.
	if applied := c.state.Current().AppliedLogOffset; applied < finalSeq {
		if derr := c.drainTo(ctx, finalSeq); derr != nil {
			c.metrics.RecordPromotion("denied")
			denied := errors.PromotionDenied(c.db.NodeID(),
				fmt.Sprintf("standby applied offset %d did not reach fenced authority final position %d: %v",
					applied, finalSeq, derr))
			return &Result{AttemptID: attempt, Approved: false, Reason: denied.Error()}, denied
		}
	}

	c.setPhase(PhasePromoting)
	if err := c.roles.Save(RoleRecord{Role: model.RoleAuthority, Epoch: epoch}); err != nil {
		c.metrics.RecordPromotion("failed")
		return nil, errors.New(errors.ErrCodePromotionTransition, errors.SeverityError,
			"failed to persist authority claim", err)
	}
	c.db.SetWritable(true)
	c.db.SetGate(nil)
	c.metrics.UpdateRole(epoch, true)

	c.setPhase(PhaseCompleting)
	if err := c.client.Demote(ctx, epoch); err != nil {
		// The old node stays fenced, which is safe: fenced nodes never
		// acknowledge. Operators demote it when it is reachable again.
		c.logger.Warn("old authority not demoted, left fenced",
			zap.Uint64("epoch", epoch),
			zap.Error(err))
	}

	c.metrics.RecordPromotion("approved")
	c.logger.Info("promotion completed",
		zap.String("attempt_id", attempt),
		zap.Uint64("epoch", epoch),
		zap.Uint64("final_seq", finalSeq))
	return &Result{AttemptID: attempt, Approved: true, Epoch: epoch, FinalSeq: finalSeq}, nil
}

func (c *Controller) drainTo(ctx context.Context, target uint64) error {
	if c.drain == nil {
		return fmt.Errorf("no replication pipeline to drain")
	}
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := c.drain.DrainTo(drainCtx, target); err != nil {
		return err
	}
	if applied := c.state.Current().AppliedLogOffset; applied < target {
		return fmt.Errorf("drained to %d, short of %d", applied, target)
	}
	return nil
}

// Fence is the authority-side half of a transition: durably record the
// fenced role at the requested epoch, stop acknowledging writes, and report
// the final log position. Fencing is idempotent for the same epoch.
func (c *Controller) Fence(epoch uint64) (uint64, error) {
	record := c.roles.Current()
	if record.Role == model.RoleFenced && record.Epoch == epoch {
		return c.db.LastSeq(), nil
	}
	if record.Role != model.RoleAuthority {
		return 0, errors.New(errors.ErrCodePromotionValidation, errors.SeverityReject,
			fmt.Sprintf("fence refused: node role is %s", record.Role), nil)
	}
	if epoch <= record.Epoch {
		return 0, errors.New(errors.ErrCodePromotionValidation, errors.SeverityReject,
			fmt.Sprintf("fence refused: epoch %d not beyond current %d", epoch, record.Epoch), nil)
	}

	// Revoke acknowledgment before the durable record: a crash in between
	// re-fences on the next attempt, whereas the reverse order could ack a
	// write after fencing was recorded.
	c.db.SetWritable(false)
	if err := c.roles.Save(RoleRecord{Role: model.RoleFenced, Epoch: epoch}); err != nil {
		c.db.SetWritable(true)
		return 0, errors.New(errors.ErrCodePromotionTransition, errors.SeverityError,
			"failed to persist fenced role", err)
	}

	finalSeq := c.db.LastSeq()
	c.metrics.UpdateRole(epoch, false)
	c.logger.Info("write authority fenced",
		zap.Uint64("epoch", epoch),
		zap.Uint64("final_seq", finalSeq))
	return finalSeq, nil
}

// Demote moves a fenced node to standby at the transition epoch, completing
// the handover on the old authority.
func (c *Controller) Demote(epoch uint64) error {
	record := c.roles.Current()
	if record.Role == model.RoleStandby && record.Epoch == epoch {
		return nil
	}
	if record.Role != model.RoleFenced || record.Epoch != epoch {
		return errors.New(errors.ErrCodePromotionValidation, errors.SeverityReject,
			fmt.Sprintf("demote refused: role %s at epoch %d does not match transition epoch %d",
				record.Role, record.Epoch, epoch), nil)
	}
	return c.roles.Save(RoleRecord{Role: model.RoleStandby, Epoch: epoch})
}

// Role reports the node's durable role claim.
func (c *Controller) Role() RoleRecord {
	return c.roles.Current()
}
