// Package instrument exposes the relay's prometheus metrics.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sigil",
			Name:      "connections",
			Help:      "Number of live delivery connections",
		},
	)
	framesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "frames_received_total",
			Help:      "Frames received from devices, by type",
		},
		[]string{"type"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "envelopes_total",
			Help:      "Envelopes routed, by outcome (live, published, queued, redelivered)",
		},
		[]string{"outcome"},
	)
	receipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "receipts_total",
			Help:      "Receipts newly recorded, by kind",
		},
		[]string{"kind"},
	)
	bundleFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "bundle_fetches_total",
			Help:      "Pre-key bundle fetches, by whether a one-time pre-key was included",
		},
		[]string{"one_time_key"},
	)
	lowWater = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "prekeys_low_total",
			Help:      "Times a device dropped below the one-time pre-key low-water mark",
		},
	)
	slowConsumers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sigil",
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their send buffer was full",
		},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connections, framesIn, envelopes, receipts, bundleFetches, lowWater, slowConsumers)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler { return promhttp.Handler() }

// ConnectionOpened increments the live connection gauge.
func ConnectionOpened() { connections.Inc() }

// ConnectionClosed decrements the live connection gauge.
func ConnectionClosed() { connections.Dec() }

// FrameReceived counts an inbound frame.
func FrameReceived(frameType string) { framesIn.WithLabelValues(frameType).Inc() }

// EnvelopeRouted counts one envelope by outcome.
func EnvelopeRouted(outcome string) { envelopes.WithLabelValues(outcome).Inc() }

// ReceiptRecorded counts a receipt that was not a duplicate.
func ReceiptRecorded(kind string) { receipts.WithLabelValues(kind).Inc() }

// BundleFetched counts a bundle fetch.
func BundleFetched(withOneTimeKey bool) {
	label := "false"
	if withOneTimeKey {
		label = "true"
	}
	bundleFetches.WithLabelValues(label).Inc()
}

// PreKeysLow counts a low-water signal.
func PreKeysLow() { lowWater.Inc() }

// SlowConsumer counts a connection dropped for not draining its buffer.
func SlowConsumer() { slowConsumers.Inc() }
