// Package metrics exposes the counters the sync engine and transport use so
// silently-dropped rejects are still counted, not just logged.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every counter a single Device exposes. One Registry is
// created per device, labeled with its device id, and registered against
// whatever prometheus.Registerer the host process provides (or a fresh
// prometheus.NewRegistry() in tests, never the global DefaultRegisterer, so
// multiple simulated devices in one test process never collide).
type Registry struct {
	EventsSent       prometheus.Counter
	EventsReceived   prometheus.Counter
	Duplicates       prometheus.Counter
	Rejects          *prometheus.CounterVec
	LinkSendFailures prometheus.Counter
	BloomSent        prometheus.Counter
	BloomReceived    prometheus.Counter
}

// NewRegistry builds and registers a Registry for deviceID against reg.
func NewRegistry(reg prometheus.Registerer, deviceID string) *Registry {
	labels := prometheus.Labels{"device_id": deviceID}
	r := &Registry{
		EventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "events_sent_total",
			Help:        "Events successfully handed to the datagram link.",
			ConstLabels: labels,
		}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "events_received_total",
			Help:        "Events accepted into the local store from a peer.",
			ConstLabels: labels,
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "duplicate_events_total",
			Help:        "Inbound events whose id already existed in the store.",
			ConstLabels: labels,
		}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "rejected_events_total",
			Help:        "Inbound events dropped at EventCodec, labeled by reject kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		LinkSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "link_send_failures_total",
			Help:        "Outbound sends the DatagramLink could not deliver.",
			ConstLabels: labels,
		}),
		BloomSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "bloom_datagrams_sent_total",
			Help:        "BloomDatagrams emitted on the sync timer.",
			ConstLabels: labels,
		}),
		BloomReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reticulum",
			Name:        "bloom_datagrams_received_total",
			Help:        "BloomDatagrams received from peers.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(r.EventsSent, r.EventsReceived, r.Duplicates, r.Rejects, r.LinkSendFailures, r.BloomSent, r.BloomReceived)
	return r
}
