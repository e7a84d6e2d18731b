package intake

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrail",
		Subsystem: "intake",
		Name:      "results_total",
		Help:      "Webhook deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})

	ingestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cardrail",
		Subsystem: "intake",
		Name:      "ingest_duration_seconds",
		Help:      "End-to-end processing time for one delivery.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
)

func observeIngest(provider string) func() {
	start := time.Now()
	return func() {
		ingestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}
