// Package telemetry exposes prometheus instrumentation for huddle peers.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "messages_published_total",
			Help:      "Application messages posted by the local peer.",
		},
		[]string{"channel"},
	)

	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "messages_delivered_total",
			Help:      "Application messages delivered to local subscribers.",
		},
		[]string{"channel"},
	)

	StateUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "state_updates_total",
			Help:      "Control messages that changed the local peer directory.",
		},
		[]string{"channel", "type"},
	)

	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "transport_errors_total",
			Help:      "Errors surfaced on the transport error stream.",
		},
		[]string{"channel", "type"},
	)

	PeersEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "peers_evicted_total",
			Help:      "Peers removed by the garbage collector for staleness.",
		},
		[]string{"channel"},
	)

	PeersLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "peers_live",
			Help:      "Peers currently present in the local directory, self included.",
		},
		[]string{"channel"},
	)
)

func init() {
	Registry.MustRegister(MessagesPublished, MessagesDelivered, StateUpdates, TransportErrors, PeersEvicted, PeersLive)
}

// Handler exposes the registry, e.g. mux.Handle("/metrics", telemetry.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
