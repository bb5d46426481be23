package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/quillstore/quill/internal/metrics"
	"github.com/quillstore/quill/internal/model"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipService disseminates replication status across nodes via memberlist
// node metadata. It is strictly observational: membership and gossiped
// status feed dashboards and operator tooling, never write acknowledgment,
// visibility or promotion decisions. Those consult durable state only.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu     sync.RWMutex
	status model.ReplicationStatus
}

// NewGossipService creates the gossip service and joins the seed nodes.
func NewGossipService(cfg *GossipConfig, nodeID string, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
		status:  model.ReplicationStatus{NodeID: nodeID},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &eventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// UpdateStatus publishes this node's current replication status into the
// gossip metadata.
func (s *GossipService) UpdateStatus(status model.ReplicationStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	s.metrics.RecordGossipBroadcast()
	if err := s.memberlist.UpdateNode(2 * time.Second); err != nil {
		s.logger.Debug("failed to push node metadata update", zap.Error(err))
	}
}

// PeerStatuses decodes the replication status gossiped by every live member.
func (s *GossipService) PeerStatuses() []model.ReplicationStatus {
	members := s.memberlist.Members()
	statuses := make([]model.ReplicationStatus, 0, len(members))
	for _, member := range members {
		if len(member.Meta) == 0 {
			continue
		}
		var status model.ReplicationStatus
		if err := json.Unmarshal(member.Meta, &status); err != nil {
			s.logger.Warn("undecodable peer metadata",
				zap.String("node_id", member.Name),
				zap.Error(err))
			continue
		}
		statuses = append(statuses, status)
	}
	s.metrics.UpdateGossipMembers(len(members))
	return statuses
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, _ := json.Marshal(&s.status)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var status model.ReplicationStatus
	if err := json.Unmarshal(data, &status); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	s.logger.Debug("Received replication status",
		zap.String("node_id", status.NodeID),
		zap.String("role", string(status.Role)),
		zap.Uint64("applied_offset", status.AppliedOffset))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, _ := json.Marshal(&s.status)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	// Peer state arrives through node metadata; push/pull state is unused.
}

// Shutdown shuts down the gossip service
func (s *GossipService) Shutdown() error {
	return s.memberlist.Shutdown()
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
