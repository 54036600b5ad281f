package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	componentID = "component_id"
	operation   = "operation"
	level       = "level"
)

var (
	// OplogOps is the number of oplog operations performed
	OplogOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_operation_count",
		Help: "Number of oplog operations by operation name",
	}, []string{componentID, operation})

	// OpenOplogs reflects the number of currently open oplog handles
	OpenOplogs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oplog_open_handles",
		Help: "The number of currently open oplog handles",
	}, []string{componentID})

	// CommitLatency is how long commits to the primary layer take
	CommitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oplog_commit_latency_seconds",
		Help:    "Commit latency in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 10},
	}, []string{componentID})

	// ArchiveTransfers is the number of transfers between oplog layers
	ArchiveTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_archive_transfer_count",
		Help: "Number of transfers from one oplog layer to the next",
	}, []string{componentID, level})

	// ArchiveTransferLatency is how long a transfer to the next layer takes
	ArchiveTransferLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oplog_archive_transfer_latency_seconds",
		Help:    "Layer transfer latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60},
	}, []string{componentID, level})

	// ReplayedEntries is the number of entries consumed during replay
	ReplayedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_replayed_entries_count",
		Help: "Number of oplog entries consumed during replay",
	}, []string{componentID})

	// InvocationRetries is the number of invocation attempts that were retried
	InvocationRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_invocation_retry_count",
		Help: "Number of retried invocation attempts",
	}, []string{componentID})
)

func init() {
	prometheus.MustRegister(
		OplogOps,
		OpenOplogs,
		CommitLatency,
		ArchiveTransfers,
		ArchiveTransferLatency,
		ReplayedEntries,
		InvocationRetries,
	)
}

func Reset() {
	OplogOps.Reset()
	OpenOplogs.Reset()
	CommitLatency.Reset()
	ArchiveTransfers.Reset()
	ArchiveTransferLatency.Reset()
	ReplayedEntries.Reset()
	InvocationRetries.Reset()
}
