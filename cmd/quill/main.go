package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quillstore/quill/internal/cluster"
	"github.com/quillstore/quill/internal/config"
	"github.com/quillstore/quill/internal/engine"
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/handler"
	"github.com/quillstore/quill/internal/metrics"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/promotion"
	"github.com/quillstore/quill/internal/replication"
	"github.com/quillstore/quill/internal/server"
	"github.com/quillstore/quill/internal/validation"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("role", cfg.Replication.Role),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	stateDir := filepath.Join(cfg.Storage.DataDir, "replication")
	roleDir := filepath.Join(cfg.Storage.DataDir, "role")
	for _, dir := range []string{
		cfg.Storage.WalDir, cfg.Storage.StoreDir, cfg.Storage.SchemaDir,
		cfg.Storage.SnapshotDir, stateDir, roleDir,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create data directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	m := metrics.NewMetrics(cfg.Server.NodeID)
	validator := validation.NewValidatorWithLimits(cfg.Storage.MaxKeyBytes, cfg.Storage.MaxDocBytes)

	stateStore, err := replication.OpenStateStore(stateDir, logger)
	if err != nil {
		logger.Fatal("Failed to open replica state", zap.Error(err))
	}

	initialRole := model.RoleAuthority
	if cfg.Replication.Role == "standby" {
		initialRole = model.RoleStandby
	}
	roles, err := promotion.OpenRoleStore(roleDir, initialRole, logger)
	if err != nil {
		logger.Fatal("Failed to open role store", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := engine.Options{
		NodeID:     cfg.Server.NodeID,
		WalDir:     cfg.Storage.WalDir,
		StoreDir:   cfg.Storage.StoreDir,
		SchemaDir:  cfg.Storage.SchemaDir,
		SyncWrites: !cfg.Wal.DisableSync,
		Validator:  validator,
		Metrics:    m,
		OnFatal: func(ferr error) {
			logger.Fatal("Fatal storage failure after wal flush; restarting to recover from the log",
				zap.Error(ferr))
		},
	}

	db, err := openEngine(engineOpts, logger)
	if err != nil {
		logger.Fatal("Failed to open engine", zap.Error(err))
	}
	// db may be reopened by the bootstrap path below.
	defer func() { db.Close() }()

	// The durable role record decides writability, not the config file: a
	// node fenced before a restart stays fenced.
	role := roles.Current()
	var pipeline *replication.Pipeline
	var promoClient *promotion.Client

	switch role.Role {
	case model.RoleAuthority:
		db.SetWritable(true)
	case model.RoleStandby:
		client := replication.NewAuthorityClient(cfg.Replication.AuthorityURL)
		db, err = bootstrapIfNeeded(ctx, db, client, engineOpts,
			cfg.Storage.WalDir, cfg.Storage.StoreDir, stateDir, logger)
		if err != nil {
			logger.Fatal("Snapshot bootstrap failed", zap.Error(err))
		}
		db.SetGate(replication.NewReadSafetyGate(stateStore))
		pipeline = replication.NewPipeline(db, client, stateStore, replication.PipelineConfig{
			PullInterval: cfg.Replication.PullInterval,
			MaxBatchSize: cfg.Replication.SegmentMaxBytes,
			QueueDepth:   cfg.Replication.QueueDepth,
		}, m, logger)
		promoClient = promotion.NewClient(cfg.Replication.AuthorityURL)
	case model.RoleFenced:
		logger.Warn("Node is fenced; refusing writes until demoted or promoted",
			zap.Uint64("epoch", role.Epoch))
	}
	m.UpdateRole(role.Epoch, role.Role == model.RoleAuthority)

	controller := promotion.NewController(db, roles, stateStore, promoClient, m, logger)
	if pipeline != nil {
		controller.SetDrainer(pipeline)
	}
	sender := replication.NewSender(db, logger)
	nodeHandler := handler.NewNodeHandler(db, sender, pipeline, controller, m, logger)

	nodeServer := server.NewNodeServer(&cfg.Server, nodeHandler, logger)
	if err := nodeServer.Start(); err != nil {
		logger.Fatal("Failed to start node server", zap.Error(err))
	}
	defer nodeServer.Stop()

	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			DataDir: cfg.Storage.DataDir,
		}, m, &nodeReadiness{db: db, state: stateStore, roles: roles}, logger)
		if err := ms.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
		defer ms.Stop()
	}

	if cfg.Gossip.Enabled {
		gossip, err := cluster.NewGossipService(&cluster.GossipConfig{
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, m, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossip.Shutdown()
			nodeHandler.SetPeerSource(gossip)
			go broadcastStatus(ctx, gossip, nodeHandler, cfg.Gossip.GossipInterval)
			logger.Info("Gossip service initialized", zap.Int("bind_port", cfg.Gossip.BindPort))
		}
	}

	if pipeline != nil {
		go runPipeline(ctx, pipeline, logger)
	}
	go runGC(ctx, db, m, &cfg.Mvcc, logger)

	logger.Info("Node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("role", string(roles.Current().Role)),
		zap.Uint64("commit_horizon", db.Horizon()),
		zap.Uint64("last_seq", db.LastSeq()))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
}

func openEngine(opts engine.Options, logger *zap.Logger) (*engine.DB, error) {
	db, err := engine.Open(opts, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Recover(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// bootstrapIfNeeded probes the authority once: when the segments this
// standby needs are no longer held there, the local state is replaced by a
// snapshot of the authority's store and the engine is reopened on top of it.
// Transport errors are not fatal here; the pipeline retries on its own.
func bootstrapIfNeeded(ctx context.Context, db *engine.DB, client *replication.AuthorityClient,
	opts engine.Options, walDir, storeDir, stateDir string, logger *zap.Logger) (*engine.DB, error) {
	_, err := client.FetchSegments(ctx, db.LastSeq(), 1)
	if errors.GetCode(err) != errors.ErrCodeSegmentsGone {
		return db, nil
	}

	logger.Info("Local log position no longer available on authority, bootstrapping from snapshot",
		zap.Uint64("last_seq", db.LastSeq()))
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("close engine before bootstrap: %w", err)
	}
	if err := replication.Bootstrap(ctx, client, walDir, storeDir, stateDir, logger); err != nil {
		return nil, err
	}
	return openEngine(opts, logger)
}

// runPipeline drives the standby apply loop. A halted pipeline keeps the
// node up with reads refused; only a gone segment range requires operator
// action, and a restart performs the snapshot bootstrap.
func runPipeline(ctx context.Context, pipeline *replication.Pipeline, logger *zap.Logger) {
	err := pipeline.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeSegmentsGone:
		logger.Fatal("Authority no longer holds the needed log segments; restart to bootstrap from snapshot",
			zap.Error(err))
	default:
		logger.Error("Replication pipeline stopped", zap.Error(err))
	}
}

// runGC periodically prunes version-chain prefixes below every open read
// view and retained snapshot boundary. GC is advisory; a skipped run never
// affects correctness.
func runGC(ctx context.Context, db *engine.DB, m *metrics.Metrics, cfg *config.MvccConfig, logger *zap.Logger) {
	for _, boundary := range cfg.RetainedSnapshots {
		db.Versions().RetainSnapshot(boundary)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := db.Versions().GarbageCollect()
			m.RecordGC(pruned)
			m.UpdateMvccStats(db.Horizon(), db.Versions().OpenViewCount(),
				db.Versions().KeyCount(), db.Versions().RetainedSnapshotCount())
		}
	}
}

func broadcastStatus(ctx context.Context, gossip *cluster.GossipService, h *handler.NodeHandler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gossip.UpdateStatus(h.Status())
		}
	}
}

// nodeReadiness gates the readiness endpoint: recovery must have completed,
// and a standby must be in a readable replica mode.
type nodeReadiness struct {
	db    *engine.DB
	state *replication.StateStore
	roles *promotion.RoleStore
}

func (r *nodeReadiness) Ready() (bool, string) {
	if !r.db.Recovered() {
		return false, "recovery in progress"
	}
	if r.roles.Current().Role == model.RoleStandby {
		if mode := r.state.Current().Mode; !mode.Readable() {
			return false, fmt.Sprintf("replica mode %s", mode)
		}
	}
	return true, ""
}

// initLogger initializes the zap logger
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}
