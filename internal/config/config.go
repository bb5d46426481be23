package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds node server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds data layout configuration
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	WalDir      string `yaml:"wal_dir"`
	StoreDir    string `yaml:"store_dir"`
	SchemaDir   string `yaml:"schema_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
	MaxKeyBytes int    `yaml:"max_key_bytes"`
	MaxDocBytes int    `yaml:"max_doc_bytes"`
}

// WalConfig holds durability log configuration
type WalConfig struct {
	// DisableSync skips fsync on append. Only tooling that never
	// acknowledges writes may set it; the authority role refuses it.
	DisableSync bool `yaml:"disable_sync"`
}

// MvccConfig holds MVCC engine configuration
type MvccConfig struct {
	GCInterval        time.Duration `yaml:"gc_interval"`
	RetainedSnapshots []uint64      `yaml:"retained_snapshots"`
}

// ReplicationConfig holds standby replication configuration
type ReplicationConfig struct {
	Role            string        `yaml:"role"` // authority | standby
	AuthorityURL    string        `yaml:"authority_url"`
	PullInterval    time.Duration `yaml:"pull_interval"`
	SegmentMaxBytes int           `yaml:"segment_max_bytes"`
	QueueDepth      int           `yaml:"queue_depth"`
}

// GossipConfig holds cluster membership configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a quill node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Wal         WalConfig         `yaml:"wal"`
	Mvcc        MvccConfig        `yaml:"mvcc"`
	Replication ReplicationConfig `yaml:"replication"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7450
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/quill"
	}
	if cfg.Storage.WalDir == "" {
		cfg.Storage.WalDir = filepath.Join(cfg.Storage.DataDir, "wal")
	}
	if cfg.Storage.StoreDir == "" {
		cfg.Storage.StoreDir = filepath.Join(cfg.Storage.DataDir, "store")
	}
	if cfg.Storage.SchemaDir == "" {
		cfg.Storage.SchemaDir = filepath.Join(cfg.Storage.DataDir, "schemas")
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = filepath.Join(cfg.Storage.DataDir, "snapshots")
	}
	if cfg.Storage.MaxKeyBytes == 0 {
		cfg.Storage.MaxKeyBytes = 1024
	}
	if cfg.Storage.MaxDocBytes == 0 {
		cfg.Storage.MaxDocBytes = 1 << 20 // 1MB
	}

	if cfg.Mvcc.GCInterval == 0 {
		cfg.Mvcc.GCInterval = time.Minute
	}

	if cfg.Replication.Role == "" {
		cfg.Replication.Role = "authority"
	}
	if cfg.Replication.PullInterval == 0 {
		cfg.Replication.PullInterval = 250 * time.Millisecond
	}
	if cfg.Replication.SegmentMaxBytes == 0 {
		cfg.Replication.SegmentMaxBytes = 4 << 20 // 4MB
	}
	if cfg.Replication.QueueDepth == 0 {
		cfg.Replication.QueueDepth = 16
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9450
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration. A malformed or unsafe configuration
// is fatal: the node refuses to start.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Replication.Role {
	case "authority":
		if c.Wal.DisableSync {
			return fmt.Errorf("wal.disable_sync is unsafe on the write authority")
		}
	case "standby":
		if c.Replication.AuthorityURL == "" {
			return fmt.Errorf("replication.authority_url is required for standby role")
		}
	default:
		return fmt.Errorf("replication.role must be authority or standby, got %q", c.Replication.Role)
	}
	if c.Storage.MaxKeyBytes < 1 {
		return fmt.Errorf("storage.max_key_bytes must be positive")
	}
	if c.Storage.MaxDocBytes < 1 {
		return fmt.Errorf("storage.max_doc_bytes must be positive")
	}
	return nil
}
