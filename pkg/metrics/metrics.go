package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for bullywork.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// ElectionsTotal counts finished election rounds by outcome (coordinator, worker, superseded).
	ElectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "election",
			Name:      "rounds_total",
			Help:      "Total number of election rounds by outcome",
		},
		[]string{"outcome"},
	)

	// CurrentRole is 1 for the role this process holds and 0 for the others.
	CurrentRole = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bullywork",
			Subsystem: "election",
			Name:      "role",
			Help:      "Current role of this process (1 = active)",
		},
		[]string{"role"},
	)

	// StaleRecordsRemoved counts directory records deleted for sharing our binding.
	StaleRecordsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "registry",
			Name:      "stale_removed_total",
			Help:      "Total number of stale process records removed",
		},
	)

	// KnownPeers tracks the size of the last directory refresh.
	KnownPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bullywork",
			Subsystem: "registry",
			Name:      "known_processes",
			Help:      "Number of processes in the last directory listing",
		},
	)

	// --- Messaging Metrics ---

	// RequestsTotal counts outbound requests by message type and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "messaging",
			Name:      "requests_total",
			Help:      "Total outbound requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// RequestAttempts counts individual sends, retransmissions included.
	RequestAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "messaging",
			Name:      "attempts_total",
			Help:      "Total send attempts including retries",
		},
		[]string{"type"},
	)

	// HandledTotal counts inbound requests served by type.
	HandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "messaging",
			Name:      "handled_total",
			Help:      "Total inbound requests handled by type",
		},
		[]string{"type"},
	)

	// --- Ledger Metrics ---

	LeasesGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "ledger",
			Name:      "leases_granted_total",
			Help:      "Total work leases granted",
		},
	)

	LeasesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "ledger",
			Name:      "leases_reclaimed_total",
			Help:      "Total work leases reclaimed after expiry",
		},
	)

	// Submissions counts results accepted, split by whether a lease was outstanding.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "ledger",
			Name:      "submissions_total",
			Help:      "Total results submitted by lease state",
		},
		[]string{"lease"},
	)

	AvailableWork = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bullywork",
			Subsystem: "ledger",
			Name:      "available",
			Help:      "Number of work items waiting to be leased",
		},
	)

	// --- Worker Metrics ---

	WorkComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "worker",
			Name:      "computed_total",
			Help:      "Total work items computed by this process",
		},
	)

	ComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bullywork",
			Subsystem: "worker",
			Name:      "compute_duration_seconds",
			Help:      "Duration of one distance computation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
	)

	// --- Store Metrics ---

	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bullywork",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// CircuitState is 0 closed, 1 open, 2 half-open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bullywork",
			Subsystem: "store",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

var roles = []string{"electing", "worker", "coordinator"}

// SetRole marks role as the only active role.
func SetRole(role string) {
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		CurrentRole.WithLabelValues(r).Set(v)
	}
}

// RecordRequest records the outcome of one outbound request and its sends.
func RecordRequest(msgType, outcome string, attempts int) {
	RequestsTotal.WithLabelValues(msgType, outcome).Inc()
	RequestAttempts.WithLabelValues(msgType).Add(float64(attempts))
}

// RecordStoreOp records one store call.
func RecordStoreOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOperations.WithLabelValues(op, outcome).Inc()
}
