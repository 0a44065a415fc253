package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connectionsTotal  prometheus.Counter
	activeConnections prometheus.Gauge
	rejectedTotal     *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	framesTotal       *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	unknownMessages   *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	loginsTotal       *prometheus.CounterVec
	loginDuration     prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry, namespace string) *metrics {
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &metrics{
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open connections",
		}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections refused at admission",
		}, []string{"reason"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Wire bytes by direction",
		}, []string{"direction"}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames by direction",
		}, []string{"direction"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connection-closing protocol errors by kind",
		}, []string{"kind"}),
		unknownMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_messages_total",
			Help:      "Skipped messages with unregistered ids",
		}, []string{"state"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions",
		}, []string{"from", "to"}),
		loginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		loginDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_duration_seconds",
			Help:      "Time from login start to success or failure",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}
