package manager

import "github.com/prometheus/client_golang/prometheus"

const namespace = "distant_manager"

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Server connections currently pooled by the manager.",
	})

	activeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_clients",
		Help:      "Local IPC clients currently attached to the manager.",
	})

	outstandingMailboxes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outstanding_mailboxes",
		Help:      "Requests in flight across all pooled server connections.",
	})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests proxied from local clients to pooled server connections.",
	},
		[]string{"tag"},
	)

	dialFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dial_failures_total",
		Help:      "Failed attempts to establish a pooled server connection.",
	},
		[]string{"tag"},
	)
)

func init() {
	prometheus.MustRegister(
		activeConnections,
		activeClients,
		outstandingMailboxes,
		requestsTotal,
		dialFailuresTotal,
	)
}
