package promotion

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

const roleFileName = "role.json"

// RoleRecord is a node's durable role claim. The epoch totally orders
// authority transitions: among surviving records, the authority claim with
// the highest epoch wins, and a fenced record at epoch e means this node
// relinquished authority while transition e was in flight.
type RoleRecord struct {
	Role  model.NodeRole `json:"role"`
	Epoch uint64         `json:"epoch"`
}

// RoleStore persists the node's role record with atomic replaces so a crash
// at any transition step leaves exactly one durable claim, old or new.
type RoleStore struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current RoleRecord
}

// OpenRoleStore loads the node's role, falling back to initial when no
// record has been written yet.
func OpenRoleStore(dir string, initial model.NodeRole, logger *zap.Logger) (*RoleStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create role directory: %w", err)
	}

	s := &RoleStore{
		path:    filepath.Join(dir, roleFileName),
		logger:  logger,
		current: RoleRecord{Role: initial},
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read role record: %w", err)
	}
	if err := json.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("failed to decode role record: %w", err)
	}

	logger.Info("loaded role record",
		zap.String("role", string(s.current.Role)),
		zap.Uint64("epoch", s.current.Epoch))
	return s, nil
}

// Current returns the durable role claim.
func (s *RoleStore) Current() RoleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save durably records a new role claim. Epochs never move backwards; a
// same-epoch save may only restate or demote, never seize authority.
func (s *RoleStore) Save(record RoleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Epoch < s.current.Epoch {
		return fmt.Errorf("role epoch moved backwards: %d -> %d", s.current.Epoch, record.Epoch)
	}
	if record.Epoch == s.current.Epoch &&
		record.Role == model.RoleAuthority && s.current.Role != model.RoleAuthority {
		return fmt.Errorf("cannot claim authority without advancing the epoch")
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to encode role record: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist role record: %w", err)
	}

	s.logger.Info("role transition persisted",
		zap.String("from", string(s.current.Role)),
		zap.String("to", string(record.Role)),
		zap.Uint64("epoch", record.Epoch))
	s.current = record
	return nil
}
