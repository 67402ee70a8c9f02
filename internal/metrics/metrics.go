// Package metrics exposes a small Prometheus registry instrumenting every
// votecast subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every votecast counter/gauge behind one Prometheus
// registry so cmd/server can serve them from a single /metrics endpoint.
type Registry struct {
	reg *prometheus.Registry

	ElectionRounds         prometheus.Counter
	HeartbeatMisses        prometheus.Counter
	ReplicationLagOps      prometheus.Gauge
	FOMulticastRetransmits prometheus.Counter
	MembersCurrent         prometheus.Gauge
}

// New builds a fresh Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ElectionRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "votecast_election_rounds_total",
			Help: "Total number of HS election rounds started by this node.",
		}),
		HeartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "votecast_heartbeat_misses_total",
			Help: "Total number of heartbeat acknowledgements that timed out.",
		}),
		ReplicationLagOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "votecast_replication_lag_ops",
			Help: "Number of replication ops this follower has buffered out of order.",
		}),
		FOMulticastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "votecast_fomulticast_retransmits_total",
			Help: "Total number of FO-multicast message retransmissions.",
		}),
		MembersCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "votecast_members_current",
			Help: "Current number of live members in this node's MemberSet.",
		}),
	}

	reg.MustRegister(
		r.ElectionRounds,
		r.HeartbeatMisses,
		r.ReplicationLagOps,
		r.FOMulticastRetransmits,
		r.MembersCurrent,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
