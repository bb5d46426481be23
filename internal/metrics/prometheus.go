package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a quill node. A nil *Metrics is
// valid and all record methods become no-ops, which keeps tests free of
// registry setup.
type Metrics struct {
	// Write path
	WriteGroupsTotal   prometheus.Counter
	WriteOpsTotal      prometheus.Counter
	WriteDuration      prometheus.Histogram
	WriteRejectedTotal prometheus.Counter

	// Read path
	ReadRequestsTotal prometheus.Counter
	ReadDuration      prometheus.Histogram
	ReadBytes         prometheus.Histogram
	ReadRefusedTotal  prometheus.Counter

	// Durability log
	WalAppendsTotal   prometheus.Counter
	WalAppendDuration prometheus.Histogram
	WalSizeBytes      prometheus.Gauge
	WalLastSeq        prometheus.Gauge

	// Document store
	StoreAppliesTotal prometheus.Counter
	StoreSizeBytes    prometheus.Gauge
	StoreSyncsTotal   prometheus.Counter

	// MVCC
	CommitHorizon      prometheus.Gauge
	OpenReadViews      prometheus.Gauge
	VersionKeysTotal   prometheus.Gauge
	GCRunsTotal        prometheus.Counter
	GCVersionsPruned   prometheus.Counter
	RetainedSnapshots  prometheus.Gauge

	// Replication
	ReplicationBatchesTotal  prometheus.CounterVec
	ReplicationBytesTotal    prometheus.Counter
	ReplicationAppliedSeq    prometheus.Gauge
	ReplicationLagRecords    prometheus.Gauge
	ReplicationHaltsTotal    prometheus.Counter
	SnapshotTransfersTotal   prometheus.CounterVec

	// Promotion
	PromotionsTotal prometheus.CounterVec
	NodeEpoch       prometheus.Gauge
	NodeWritable    prometheus.Gauge

	// Gossip
	GossipMembersTotal   prometheus.Gauge
	GossipBroadcastTotal prometheus.Counter

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		WriteGroupsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "write_groups_total",
			Help:        "Total number of committed write groups",
			ConstLabels: labels,
		}),
		WriteOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "write_ops_total",
			Help:        "Total number of committed write operations",
			ConstLabels: labels,
		}),
		WriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "write_duration_seconds",
			Help:        "Histogram of write group commit durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WriteRejectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "write_rejected_total",
			Help:        "Total number of rejected write requests",
			ConstLabels: labels,
		}),

		ReadRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "read_requests_total",
			Help:        "Total number of read requests",
			ConstLabels: labels,
		}),
		ReadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "read_duration_seconds",
			Help:        "Histogram of read request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ReadBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "read_bytes",
			Help:        "Histogram of read response body sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 10),
		}),
		ReadRefusedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "engine",
			Name:        "read_refused_total",
			Help:        "Total number of reads refused by the read-safety gate",
			ConstLabels: labels,
		}),

		WalAppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "wal",
			Name:        "appends_total",
			Help:        "Total number of durability log appends",
			ConstLabels: labels,
		}),
		WalAppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "quill",
			Subsystem:   "wal",
			Name:        "append_duration_seconds",
			Help:        "Histogram of durability log append durations including flush",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WalSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "wal",
			Name:        "size_bytes",
			Help:        "Current durability log size in bytes",
			ConstLabels: labels,
		}),
		WalLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "wal",
			Name:        "last_seq",
			Help:        "Last durable log sequence number",
			ConstLabels: labels,
		}),

		StoreAppliesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "store",
			Name:        "applies_total",
			Help:        "Total number of store entry applies",
			ConstLabels: labels,
		}),
		StoreSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "store",
			Name:        "size_bytes",
			Help:        "Current document store size in bytes",
			ConstLabels: labels,
		}),
		StoreSyncsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "store",
			Name:        "syncs_total",
			Help:        "Total number of document store syncs",
			ConstLabels: labels,
		}),

		CommitHorizon: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "mvcc",
			Name:        "commit_horizon",
			Help:        "Latest finalized commit identity",
			ConstLabels: labels,
		}),
		OpenReadViews: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "mvcc",
			Name:        "open_read_views",
			Help:        "Current number of open read views",
			ConstLabels: labels,
		}),
		VersionKeysTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "mvcc",
			Name:        "version_keys_total",
			Help:        "Current number of keys with version chains",
			ConstLabels: labels,
		}),
		GCRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "mvcc",
			Name:        "gc_runs_total",
			Help:        "Total number of version garbage collection runs",
			ConstLabels: labels,
		}),
		GCVersionsPruned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "mvcc",
			Name:        "gc_versions_pruned_total",
			Help:        "Total number of versions pruned by garbage collection",
			ConstLabels: labels,
		}),
		RetainedSnapshots: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "mvcc",
			Name:        "retained_snapshots",
			Help:        "Current number of retained snapshots",
			ConstLabels: labels,
		}),

		ReplicationBatchesTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "replication",
			Name:        "batches_total",
			Help:        "Total number of replication batches by stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		ReplicationBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "replication",
			Name:        "bytes_total",
			Help:        "Total log bytes received from the authority",
			ConstLabels: labels,
		}),
		ReplicationAppliedSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "replication",
			Name:        "applied_seq",
			Help:        "Last log sequence number applied by the standby pipeline",
			ConstLabels: labels,
		}),
		ReplicationLagRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "replication",
			Name:        "lag_records",
			Help:        "Records between the authority tail and the applied position",
			ConstLabels: labels,
		}),
		ReplicationHaltsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "replication",
			Name:        "halts_total",
			Help:        "Total number of standby pipeline halts",
			ConstLabels: labels,
		}),
		SnapshotTransfersTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "replication",
			Name:        "snapshot_transfers_total",
			Help:        "Total number of snapshot transfers by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		PromotionsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "promotion",
			Name:        "attempts_total",
			Help:        "Total number of promotion attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		NodeEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "promotion",
			Name:        "node_epoch",
			Help:        "Current promotion epoch of this node",
			ConstLabels: labels,
		}),
		NodeWritable: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "promotion",
			Name:        "node_writable",
			Help:        "1 when this node acknowledges writes, 0 otherwise",
			ConstLabels: labels,
		}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipBroadcastTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quill",
			Subsystem:   "gossip",
			Name:        "broadcasts_total",
			Help:        "Total number of replication status broadcasts",
			ConstLabels: labels,
		}),

		DiskUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quill",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}

// RecordWrite records one committed write group of n operations.
func (m *Metrics) RecordWrite(ops int) {
	if m == nil {
		return
	}
	m.WriteGroupsTotal.Inc()
	m.WriteOpsTotal.Add(float64(ops))
}

// RecordWriteDuration records the commit latency of a write group.
func (m *Metrics) RecordWriteDuration(seconds float64) {
	if m == nil {
		return
	}
	m.WriteDuration.Observe(seconds)
}

// RecordWriteRejected records a rejected write request.
func (m *Metrics) RecordWriteRejected() {
	if m == nil {
		return
	}
	m.WriteRejectedTotal.Inc()
}

// RecordRead records a served read and its body size.
func (m *Metrics) RecordRead(bytes int) {
	if m == nil {
		return
	}
	m.ReadRequestsTotal.Inc()
	m.ReadBytes.Observe(float64(bytes))
}

// RecordReadDuration records read latency.
func (m *Metrics) RecordReadDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ReadDuration.Observe(seconds)
}

// RecordReadRefused records a read refused by the safety gate.
func (m *Metrics) RecordReadRefused() {
	if m == nil {
		return
	}
	m.ReadRefusedTotal.Inc()
}

// RecordWalAppend records a durability log append.
func (m *Metrics) RecordWalAppend(seconds float64, size int64, lastSeq uint64) {
	if m == nil {
		return
	}
	m.WalAppendsTotal.Inc()
	m.WalAppendDuration.Observe(seconds)
	m.WalSizeBytes.Set(float64(size))
	m.WalLastSeq.Set(float64(lastSeq))
}

// RecordStoreApply records a store apply and the resulting store size.
func (m *Metrics) RecordStoreApply(size int64) {
	if m == nil {
		return
	}
	m.StoreAppliesTotal.Inc()
	m.StoreSizeBytes.Set(float64(size))
}

// RecordStoreSync records a store sync.
func (m *Metrics) RecordStoreSync() {
	if m == nil {
		return
	}
	m.StoreSyncsTotal.Inc()
}

// UpdateMvccStats updates the MVCC gauges.
func (m *Metrics) UpdateMvccStats(horizon uint64, openViews, keys, snapshots int) {
	if m == nil {
		return
	}
	m.CommitHorizon.Set(float64(horizon))
	m.OpenReadViews.Set(float64(openViews))
	m.VersionKeysTotal.Set(float64(keys))
	m.RetainedSnapshots.Set(float64(snapshots))
}

// RecordGC records a garbage collection run.
func (m *Metrics) RecordGC(pruned int) {
	if m == nil {
		return
	}
	m.GCRunsTotal.Inc()
	m.GCVersionsPruned.Add(float64(pruned))
}

// RecordReplicationBatch records a replication batch passing one stage.
func (m *Metrics) RecordReplicationBatch(stage string, bytes int) {
	if m == nil {
		return
	}
	m.ReplicationBatchesTotal.WithLabelValues(stage).Inc()
	if bytes > 0 {
		m.ReplicationBytesTotal.Add(float64(bytes))
	}
}

// UpdateReplicationPosition updates the standby position gauges.
func (m *Metrics) UpdateReplicationPosition(appliedSeq, lagRecords uint64) {
	if m == nil {
		return
	}
	m.ReplicationAppliedSeq.Set(float64(appliedSeq))
	m.ReplicationLagRecords.Set(float64(lagRecords))
}

// RecordReplicationHalt records a standby pipeline halt.
func (m *Metrics) RecordReplicationHalt() {
	if m == nil {
		return
	}
	m.ReplicationHaltsTotal.Inc()
}

// RecordSnapshotTransfer records a snapshot transfer outcome.
func (m *Metrics) RecordSnapshotTransfer(outcome string) {
	if m == nil {
		return
	}
	m.SnapshotTransfersTotal.WithLabelValues(outcome).Inc()
}

// RecordPromotion records a promotion attempt outcome.
func (m *Metrics) RecordPromotion(outcome string) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(outcome).Inc()
}

// UpdateRole updates the epoch and writability gauges.
func (m *Metrics) UpdateRole(epoch uint64, writable bool) {
	if m == nil {
		return
	}
	m.NodeEpoch.Set(float64(epoch))
	if writable {
		m.NodeWritable.Set(1)
	} else {
		m.NodeWritable.Set(0)
	}
}

// UpdateGossipMembers updates the gossip membership gauge.
func (m *Metrics) UpdateGossipMembers(total int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(total))
}

// RecordGossipBroadcast records a status broadcast.
func (m *Metrics) RecordGossipBroadcast() {
	if m == nil {
		return
	}
	m.GossipBroadcastTotal.Inc()
}
