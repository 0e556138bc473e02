package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks joined connections by transport.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Connections currently joined to a tenant group",
	}, []string{"transport"})

	// HandshakesTotal counts connection attempts by result.
	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handshakes_total",
		Help: "Connection handshakes by transport and result",
	}, []string{"transport", "result"})

	// DeliveriesTotal counts per-connection deliveries by result
	// (ok, slow_consumer, delivery_failure).
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_deliveries_total",
		Help: "Per-connection push deliveries by result",
	}, []string{"result"})

	// BroadcastFanout observes how many members one broadcast reached.
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_broadcast_fanout",
		Help:    "Members reached per tenant broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// BackplaneMessagesTotal counts backplane messages by result
	// (routed, malformed_channel, malformed_envelope).
	BackplaneMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backplane_messages_total",
		Help: "Backplane messages received by result",
	}, []string{"result"})

	// BackplaneReconnectsTotal counts receive failures that triggered a reconnect.
	BackplaneReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_backplane_reconnects_total",
		Help: "Backplane receive failures followed by a reconnect attempt",
	})

	// BackplaneUp is 1 while the pattern subscription is live.
	BackplaneUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_backplane_up",
		Help: "1 when the backplane subscription is established",
	})
)
