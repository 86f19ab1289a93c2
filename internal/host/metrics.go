package host

import "github.com/prometheus/client_golang/prometheus"

var (
	Links = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worldsync",
		Subsystem: "host",
		Name:      "links",
	})
	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worldsync",
		Subsystem: "host",
		Name:      "frames_sent_total",
	})
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worldsync",
		Subsystem: "host",
		Name:      "frames_received_total",
	})
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worldsync",
		Subsystem: "host",
		Name:      "frames_dropped_total",
		Help:      "Updates dropped because a link's outbound queue was full.",
	})
	ResyncsRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worldsync",
		Subsystem: "host",
		Name:      "resyncs_requested_total",
	})
	TickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "worldsync",
		Subsystem: "host",
		Name:      "tick_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Links, FramesSent, FramesReceived, FramesDropped, ResyncsRequested, TickSeconds}
}
