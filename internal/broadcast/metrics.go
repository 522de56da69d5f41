package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_published_total",
			Help: "Events published to broadcast channels, by event type.",
		},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		},
		[]string{"type"},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Current number of broadcast subscriptions.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped, subscribers)
}
