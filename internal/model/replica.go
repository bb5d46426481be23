package model

// ReplicaMode is the closed set of states a standby's apply pipeline moves
// through. Reads are only permitted in ReplicaReady.
type ReplicaMode string

const (
	ReplicaUninitialized ReplicaMode = "uninitialized"
	ReplicaReceiving     ReplicaMode = "receiving"
	ReplicaValidating    ReplicaMode = "validating"
	ReplicaApplying      ReplicaMode = "applying"
	ReplicaRecovering    ReplicaMode = "recovering"
	ReplicaReady         ReplicaMode = "ready"
)

// Readable reports whether the mode permits serving read views at all.
func (m ReplicaMode) Readable() bool {
	return m == ReplicaReady
}

// ReplicaState is a standby's durable record of log application progress.
// Mutated only by the replication applier (and the promotion controller
// during authority transition); read concurrently by the read-safety gate.
type ReplicaState struct {
	AppliedLogOffset   uint64      `json:"applied_log_offset"`
	LocalCommitHorizon uint64      `json:"local_commit_horizon"`
	Mode               ReplicaMode `json:"mode"`
}

// ReplicationStatus is the externally reported view of a node's replication
// progress.
type ReplicationStatus struct {
	NodeID        string      `json:"node_id"`
	Role          NodeRole    `json:"role"`
	Mode          ReplicaMode `json:"mode"`
	AppliedOffset uint64      `json:"applied_offset"`
	CommitHorizon uint64      `json:"commit_horizon"`
	AuthoritySeq  uint64      `json:"authority_seq"` // authority tail seen on last pull
	Lag           uint64      `json:"lag"`
}

// NodeRole identifies whether a node holds write authority.
type NodeRole string

const (
	RoleAuthority NodeRole = "authority"
	RoleStandby   NodeRole = "standby"
	// RoleFenced is the transient durable state of an old authority during
	// an authority transition. A fenced node never acknowledges writes.
	RoleFenced NodeRole = "fenced"
)

// SnapshotManifest describes a point-in-time copy of the authority's store
// used by the snapshot bootstrap path and by backup/restore. Never required
// for normal recovery.
type SnapshotManifest struct {
	CommitBoundary uint64 `json:"commit_boundary"`
	LastSeq        uint64 `json:"last_seq"`
	StoreChecksum  uint32 `json:"store_checksum"`
	StoreSize      int64  `json:"store_size"`
}
