package authority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lens",
		Subsystem: "authority",
		Name:      "mutations_total",
		Help:      "Artifact mutations by operation and result.",
	}, []string{"op", "result"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lens",
		Subsystem: "authority",
		Name:      "actions_total",
		Help:      "Action invocations by domain, action and result.",
	}, []string{"domain", "action", "result"})

	exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lens",
		Subsystem: "authority",
		Name:      "exports_total",
		Help:      "Collection exports by result.",
	}, []string{"result"})
)
