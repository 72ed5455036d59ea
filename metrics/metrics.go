// Package metrics exposes Prometheus collectors for the traversal
// subsystem: NAT detection outcomes, hole punch attempts, signaling
// traffic, and relay bandwidth usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NATTypeDetected counts NAT detection results by classified type.
	NATTypeDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traverse_nat_type_detected_total",
		Help: "NAT detection results by classified type.",
	}, []string{"nat_type"})

	// HolePunchAttempts counts hole punch attempts by NAT type.
	HolePunchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traverse_hole_punch_attempts_total",
		Help: "UDP hole punch attempts by NAT type.",
	}, []string{"nat_type"})

	// HolePunchSuccess counts successful hole punches by NAT type.
	HolePunchSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traverse_hole_punch_success_total",
		Help: "Successful UDP hole punches by NAT type.",
	}, []string{"nat_type"})

	// HolePunchDuration observes the wall time of punch attempts.
	HolePunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "traverse_hole_punch_duration_seconds",
		Help:    "Duration of UDP hole punch attempts.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"nat_type"})

	// SignalingMessages counts signaling messages by kind.
	SignalingMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traverse_signaling_messages_total",
		Help: "Signaling messages processed, by kind.",
	}, []string{"kind"})

	// SessionsActive tracks the number of live rendezvous sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traverse_sessions_active",
		Help: "Currently active rendezvous sessions.",
	})

	// RelayConnectionsActive tracks open QUIC relay connections.
	RelayConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traverse_relay_connections_active",
		Help: "Currently open QUIC relay connections.",
	})

	// RelayBytes counts bytes moved through the relay by direction.
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traverse_relay_bytes_total",
		Help: "Bytes relayed, by direction (rx/tx).",
	}, []string{"direction"})

	// RelayBandwidth reports the rolling per-session bandwidth.
	RelayBandwidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "traverse_relay_bandwidth_bytes_per_second",
		Help: "Rolling bandwidth per relay session.",
	}, []string{"session_id"})
)
