package mvcc

import (
	"math"

	"go.uber.org/zap"
)

// RetainSnapshot registers a commit boundary that garbage collection must
// never cross, independent of open read views. Used for snapshot bootstrap
// sources and backups.
func (e *Engine) RetainSnapshot(boundary uint64) {
	e.snapMu.Lock()
	e.snapshots = append(e.snapshots, boundary)
	e.snapMu.Unlock()
}

// ReleaseSnapshot drops a previously retained snapshot boundary.
func (e *Engine) ReleaseSnapshot(boundary uint64) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	for i, b := range e.snapshots {
		if b == boundary {
			e.snapshots = append(e.snapshots[:i], e.snapshots[i+1:]...)
			return
		}
	}
}

// RetainedSnapshotCount returns the number of registered snapshot
// boundaries.
func (e *Engine) RetainedSnapshotCount() int {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return len(e.snapshots)
}

// gcFloor computes the collection floor. Open read views and retained
// snapshots are independent floors: GC never collects below either.
func (e *Engine) gcFloor() uint64 {
	floor := uint64(math.MaxUint64)

	e.viewMu.Lock()
	for _, bound := range e.openViews {
		if bound < floor {
			floor = bound
		}
	}
	e.viewMu.Unlock()

	e.snapMu.Lock()
	for _, b := range e.snapshots {
		if b < floor {
			floor = b
		}
	}
	e.snapMu.Unlock()

	if floor == math.MaxUint64 {
		floor = e.horizon.Load()
	}
	return floor
}

// GarbageCollect prunes version-chain prefixes that no open read view or
// retained snapshot can ever observe. For each key it keeps the newest
// version with commit identity <= floor (still visible at the floor) and
// everything above the floor. GC is advisory: skipping it never affects
// correctness. Returns the number of pruned versions.
func (e *Engine) GarbageCollect() int {
	floor := e.gcFloor()
	pruned := 0

	e.arena.Range(func(key string, c *chain) bool {
		c.mu.Lock()
		cut := 0
		for i := len(c.versions) - 1; i >= 0; i-- {
			if c.versions[i].CommitID <= floor {
				// versions[i] is the visible version at the floor; every
				// older entry is unreachable.
				cut = i
				break
			}
		}
		if cut > 0 {
			c.versions = append(c.versions[:0:0], c.versions[cut:]...)
			pruned += cut
		}
		c.mu.Unlock()
		return true
	})

	if pruned > 0 {
		e.logger.Debug("Garbage collected version chain entries",
			zap.Uint64("floor", floor),
			zap.Int("pruned", pruned))
	}
	return pruned
}
