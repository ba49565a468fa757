// Package metrics exposes Prometheus instrumentation for the control
// plane: replication throughput, audit persistence, and socket counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. Registered once at boot; the transport
// server serves them on /metrics.
type Metrics struct {
	// WALEvents counts decoded replication events by operation and table.
	WALEvents *prometheus.CounterVec

	// AuditFlushes counts successful change-log flushes.
	AuditFlushes prometheus.Counter

	// ConnectedClients / ConnectedGateways track live sockets per role.
	ConnectedClients  prometheus.Gauge
	ConnectedGateways prometheus.Gauge

	// FlowAuthorizations counts brokered tunnels by outcome.
	FlowAuthorizations *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		WALEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_wal_events_total",
				Help: "Replicated row changes decoded from the WAL stream",
			},
			[]string{"op", "table"},
		),
		AuditFlushes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_audit_flushes_total",
				Help: "Successful change-log batch flushes",
			},
		),
		ConnectedClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_connected_clients",
				Help: "Currently connected client sockets",
			},
		),
		ConnectedGateways: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_connected_gateways",
				Help: "Currently connected gateway sockets",
			},
		),
		FlowAuthorizations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_flow_authorizations_total",
				Help: "Connection brokering attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}
