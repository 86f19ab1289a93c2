package netsync

import "github.com/prometheus/client_golang/prometheus"

var GeneratedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "worldsync",
	Subsystem: "generator",
	Name:      "items",
}, []string{"field"})

var AppliedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "worldsync",
	Subsystem: "applier",
	Name:      "items",
}, []string{"result"})

var ImplicitRemovals = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "worldsync",
	Subsystem: "applier",
	Name:      "implicit_removals",
})

var SkippedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "worldsync",
	Subsystem: "netsync",
	Name:      "skipped_items",
}, []string{"stage"})

// Collectors returns every netsync metric for registration by the host.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{GeneratedItems, AppliedItems, ImplicitRemovals, SkippedItems}
}

func countSkipped(ds Diagnostics) {
	for _, d := range ds {
		SkippedItems.WithLabelValues(d.Stage).Inc()
	}
}
