package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the actor's Prometheus instruments.
type Metrics struct {
	sessions         *prometheus.CounterVec
	batches          prometheus.Counter
	records          *prometheus.CounterVec
	checksumFailures prometheus.Counter
	conflicts        *prometheus.CounterVec
	restarts         prometheus.Counter
	sessionDuration  prometheus.Histogram
	activeSessions   prometheus.Gauge
	knownPeers       prometheus.Gauge
	mailboxDepth     prometheus.Gauge
}

// NewMetrics creates the actor metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_sessions_total",
			Help: "Sync sessions finished, by result",
		}, []string{"result"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_batches_applied_total",
			Help: "Remote batches applied",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_records_received_total",
			Help: "Remote change records received, by outcome",
		}, []string{"outcome"}),
		checksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_checksum_mismatches_total",
			Help: "Batches rejected for checksum or signature mismatch",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_conflicts_detected_total",
			Help: "Conflicts detected, by kind",
		}, []string{"kind"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_actor_restarts_total",
			Help: "Times the actor loop was restarted after a crash",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultsync_session_duration_seconds",
			Help:    "Duration of completed sync sessions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_active_sessions",
			Help: "Sync sessions in flight",
		}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_known_peers",
			Help: "Peers in the actor's roster",
		}),
		mailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_mailbox_depth",
			Help: "Commands waiting in the actor mailbox",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessions, m.batches, m.records, m.checksumFailures, m.conflicts,
			m.restarts, m.sessionDuration, m.activeSessions, m.knownPeers, m.mailboxDepth,
		)
	}
	return m
}
