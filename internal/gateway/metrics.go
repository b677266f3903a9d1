package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	wsMetricsOnce sync.Once

	wsConnections *prometheus.GaugeVec
	wsMessages    *prometheus.CounterVec
)

func initWSMetrics() {
	wsConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keyline",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently open WebSocket connections.",
		},
		[]string{"role"},
	)

	wsMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyline",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Inbound WebSocket messages by type.",
		},
		[]string{"type"},
	)

	prometheus.MustRegister(wsConnections, wsMessages)
}

func recordConnection(admin, open bool) {
	wsMetricsOnce.Do(initWSMetrics)

	role := "client"
	if admin {
		role = "admin"
	}
	if open {
		wsConnections.WithLabelValues(role).Inc()
	} else {
		wsConnections.WithLabelValues(role).Dec()
	}
}

func recordMessage(msgType string) {
	wsMetricsOnce.Do(initWSMetrics)
	wsMessages.WithLabelValues(msgType).Inc()
}
