package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by event kind.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardrail",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by event kind.",
		},
		[]string{"kind"},
	)

	// OpDuration observes operation latency by event kind.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardrail",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	// declinesTotal counts limit declines by the gate that failed.
	declinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardrail",
			Name:      "ledger_declines_total",
			Help:      "Total declined transactions by limit kind.",
		},
		[]string{"limit"},
	)

	// balanceMutations counts committed balance changes by direction.
	balanceMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardrail",
			Name:      "ledger_balance_mutations_total",
			Help:      "Total committed balance mutations by direction.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, declinesTotal, balanceMutations)
}

// observeOp increments the operation counter and returns a function to
// observe duration.
func observeOp(kind string) func() {
	OpsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}
