package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/util"
	"go.uber.org/zap"
)

const stateFileName = "replica_state.json"

// StateStore is a standby's durable replication position. Every save is an
// atomic file replace, so a crash leaves either the previous position or the
// new one, never a torn record. The applied position only ever moves forward.
type StateStore struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current model.ReplicaState
}

// OpenStateStore loads the persisted replica state from dir, starting from
// ReplicaUninitialized when none exists yet.
func OpenStateStore(dir string, logger *zap.Logger) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create replication state directory: %w", err)
	}

	s := &StateStore{
		path:    filepath.Join(dir, stateFileName),
		logger:  logger,
		current: model.ReplicaState{Mode: model.ReplicaUninitialized},
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read replica state: %w", err)
	}
	data, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, fmt.Errorf("replica state file failed checksum validation: %s", s.path)
	}
	if err := json.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("failed to decode replica state: %w", err)
	}

	logger.Info("loaded replica state",
		zap.Uint64("applied_log_offset", s.current.AppliedLogOffset),
		zap.Uint64("local_commit_horizon", s.current.LocalCommitHorizon),
		zap.String("mode", string(s.current.Mode)))
	return s, nil
}

// Current returns the latest persisted state.
func (s *StateStore) Current() model.ReplicaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save durably persists state and publishes it to readers. The applied
// position must not move backwards.
func (s *StateStore) Save(state model.ReplicaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.AppliedLogOffset < s.current.AppliedLogOffset {
		return fmt.Errorf("applied log offset moved backwards: %d -> %d",
			s.current.AppliedLogOffset, state.AppliedLogOffset)
	}

	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to encode replica state: %w", err)
	}
	// Trailing checksum guards against torn or bit-rotted state files.
	if err := util.WriteFileAtomic(s.path, util.AppendChecksum(data), 0644); err != nil {
		return fmt.Errorf("failed to persist replica state: %w", err)
	}

	s.current = state
	return nil
}

// SetMode persists a mode change without touching the position fields.
func (s *StateStore) SetMode(mode model.ReplicaMode) error {
	state := s.Current()
	state.Mode = mode
	return s.Save(state)
}
