package replication

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/util"
	"github.com/quillstore/quill/internal/wal"
	"go.uber.org/zap"
)

// Bootstrap initializes an empty (or too-far-behind) standby from an
// authority snapshot: the store file is streamed and checksum-verified, the
// local log is reset to start after the snapshot boundary, and the replica
// state records the position the snapshot represents. Runs only while the
// engine is closed; the subsequent engine recovery picks up from the
// installed files exactly as if they had been written locally.
func Bootstrap(ctx context.Context, client *AuthorityClient, walDir, storeDir, stateDir string, logger *zap.Logger) error {
	manifest, err := client.FetchSnapshotManifest(ctx)
	if err != nil {
		return err
	}
	logger.Info("bootstrapping from authority snapshot",
		zap.Uint64("commit_boundary", manifest.CommitBoundary),
		zap.Uint64("last_seq", manifest.LastSeq),
		zap.Int64("store_size", manifest.StoreSize))

	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(storeDir, "store-snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := crc32.NewIEEE()
	if err := client.FetchSnapshotStore(ctx, manifest, io.MultiWriter(tmp, hasher)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}

	if got := hasher.Sum32(); got != manifest.StoreChecksum {
		return errors.New(errors.ErrCodeSnapshotInstall, errors.SeverityError,
			"snapshot store checksum mismatch", nil).
			WithInvariant("snapshot.store.checksum").
			WithDetail("expected", manifest.StoreChecksum).
			WithDetail("actual", got)
	}

	return InstallSnapshot(walDir, storeDir, stateDir, tmp.Name(), manifest, logger)
}

// InstallSnapshot moves an already-verified snapshot file into place and
// resets the log and replica state to the snapshot boundary.
func InstallSnapshot(walDir, storeDir, stateDir, snapshotPath string, manifest *model.SnapshotManifest, logger *zap.Logger) error {
	storePath := filepath.Join(storeDir, "store.db")
	if err := os.Rename(snapshotPath, storePath); err != nil {
		return errors.New(errors.ErrCodeSnapshotInstall, errors.SeverityError,
			"failed to install snapshot store file", err)
	}
	if err := util.SyncDir(storeDir); err != nil {
		return err
	}

	// The log restarts after the snapshot boundary. Local history before it
	// is superseded by the installed store.
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return fmt.Errorf("failed to create wal directory: %w", err)
	}
	if err := os.Remove(filepath.Join(walDir, "wal.log")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove superseded wal: %w", err)
	}
	if err := wal.WriteBase(walDir, manifest.LastSeq); err != nil {
		return err
	}

	state, err := OpenStateStore(stateDir, logger)
	if err != nil {
		return err
	}
	if err := state.Save(model.ReplicaState{
		AppliedLogOffset:   manifest.LastSeq,
		LocalCommitHorizon: manifest.CommitBoundary,
		Mode:               model.ReplicaRecovering,
	}); err != nil {
		return err
	}

	logger.Info("snapshot installed",
		zap.Uint64("commit_boundary", manifest.CommitBoundary),
		zap.Uint64("last_seq", manifest.LastSeq))
	return nil
}
