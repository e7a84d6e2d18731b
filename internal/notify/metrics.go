package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardrail",
	Subsystem: "notify",
	Name:      "deliveries_total",
	Help:      "Status-change notification deliveries by result.",
}, []string{"result"})
