package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realm metrics
	RealmsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parsecd_realms_total",
			Help: "Total number of realms known to this store",
		},
	)

	RealmsInMaintenance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parsecd_realms_in_maintenance",
			Help: "Number of realms currently in a reencryption maintenance window",
		},
	)

	RoleCertificatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsecd_role_certificates_total",
			Help: "Total role certificates appended across all realms",
		},
	)

	// Vlob metrics
	VlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parsecd_vlobs_total",
			Help: "Total number of vlobs known to this store",
		},
	)

	VlobVersionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsecd_vlob_versions_total",
			Help: "Total vlob versions committed, by operation",
		},
		[]string{"op"}, // "create" or "update"
	)

	VlobVersionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsecd_vlob_version_conflicts_total",
			Help: "Total vlob_update calls that lost the version race (bad_version)",
		},
	)

	CheckpointTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parsecd_realm_checkpoint",
			Help: "Current checkpoint counter per realm",
		},
		[]string{"realm_id"},
	)

	// Reencryption metrics
	ReencryptionBatchesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsecd_reencryption_batches_fetched_total",
			Help: "Total maintenance_get_reencryption_batch calls served",
		},
	)

	ReencryptionEntriesMigrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsecd_reencryption_entries_migrated_total",
			Help: "Total (vlob_id, version) entries reencrypted across all realms",
		},
	)

	ReencryptionInProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parsecd_reencryption_remaining",
			Help: "Unmigrated entries remaining for a realm currently in reencryption maintenance",
		},
		[]string{"realm_id"},
	)

	// Dispatcher metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsecd_commands_total",
			Help: "Total dispatched commands by command name and reply status",
		},
		[]string{"cmd", "status"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parsecd_command_duration_seconds",
			Help:    "Dispatch-to-reply latency in seconds, by command name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsecd_events_published_total",
			Help: "Total events published on the broker, by event type",
		},
		[]string{"type"},
	)

	// Raft metrics (see doc.go for which are set without replication)
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parsecd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parsecd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parsecd_raft_apply_duration_seconds",
			Help:    "Time taken by FSM.Apply to apply one command",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RealmsTotal,
		RealmsInMaintenance,
		RoleCertificatesTotal,
		VlobsTotal,
		VlobVersionsTotal,
		VlobVersionConflictsTotal,
		CheckpointTotal,
		ReencryptionBatchesFetched,
		ReencryptionEntriesMigrated,
		ReencryptionInProgress,
		CommandsTotal,
		CommandDuration,
		EventsPublishedTotal,
		RaftIsLeader,
		RaftAppliedIndex,
		RaftApplyDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
