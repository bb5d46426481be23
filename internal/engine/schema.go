package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/util"
	"go.uber.org/zap"
)

// SchemaRegistry manages immutable, versioned schema definition files:
// one write-once file per (collection, version). Definitions are loaded once
// at startup; a write referencing an unregistered version is rejected.
type SchemaRegistry struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	schemas map[string][]byte // "<collection>@v<version>" -> definition
}

func schemaName(collection string, version int) string {
	return fmt.Sprintf("%s@v%d", collection, version)
}

// OpenSchemaRegistry loads all schema definitions from dir.
func OpenSchemaRegistry(dir string, logger *zap.Logger) (*SchemaRegistry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create schema directory: %w", err)
	}

	r := &SchemaRegistry{
		dir:     dir,
		logger:  logger,
		schemas: make(map[string][]byte),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", e.Name(), err)
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		r.schemas[name] = data
	}

	logger.Info("Schema registry loaded", zap.Int("schemas", len(r.schemas)))
	return r, nil
}

// Register persists a schema definition. Definitions are immutable:
// re-registering an identical definition is a no-op, a differing one is
// rejected.
func (r *SchemaRegistry) Register(collection string, version int, definition []byte) error {
	name := schemaName(collection, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.schemas[name]; ok {
		if bytes.Equal(existing, definition) {
			return nil
		}
		return errors.InvalidArgument(
			fmt.Sprintf("schema %s already registered with a different definition", name), nil).
			WithInvariant("schema.immutable")
	}

	path := filepath.Join(r.dir, name+".json")
	if err := util.WriteFileAtomic(path, definition, 0644); err != nil {
		return fmt.Errorf("failed to persist schema %s: %w", name, err)
	}

	r.schemas[name] = definition
	r.logger.Info("Schema registered",
		zap.String("collection", collection),
		zap.Int("version", version))
	return nil
}

// Has reports whether (collection, version) is registered.
func (r *SchemaRegistry) Has(collection string, version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[schemaName(collection, version)]
	return ok
}

// Get returns the stored definition.
func (r *SchemaRegistry) Get(collection string, version int) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.schemas[schemaName(collection, version)]
	return def, ok
}

// Count returns the number of registered schemas.
func (r *SchemaRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}
