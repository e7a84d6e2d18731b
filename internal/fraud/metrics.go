package fraud

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scoreHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardrail",
		Subsystem: "fraud",
		Name:      "score",
		Help:      "Distribution of computed fraud scores.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	levelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrail",
		Subsystem: "fraud",
		Name:      "levels_total",
		Help:      "Analyses by resulting risk level.",
	}, []string{"level"})

	ruleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrail",
		Subsystem: "fraud",
		Name:      "rule_failures_total",
		Help:      "Rule families that degraded due to a failed data lookup.",
	}, []string{"family"})

	analysisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cardrail",
		Subsystem: "fraud",
		Name:      "analysis_failures_total",
		Help:      "Analyses that failed closed with the maximum score.",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrail",
		Subsystem: "fraud",
		Name:      "prevention_actions_total",
		Help:      "Prevention actions actually applied to cards.",
	}, []string{"action"})
)
