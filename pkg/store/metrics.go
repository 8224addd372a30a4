package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lens",
		Subsystem: "store",
		Name:      "mutations_total",
		Help:      "Optimistic mutations by operation and final phase.",
	}, []string{"op", "outcome"})

	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lens",
		Subsystem: "store",
		Name:      "loads_total",
		Help:      "Collection loads by outcome.",
	}, []string{"outcome"})

	resyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lens",
		Subsystem: "store",
		Name:      "resyncs_total",
		Help:      "Rereads forced by authority answers that could not be applied.",
	}, []string{"reason"})
)
