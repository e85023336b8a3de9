package realtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections prometheus.Gauge
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	rejected    prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = &metrics{
			connections: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "supportpanel",
				Subsystem: "realtime",
				Name:      "connections",
				Help:      "Currently registered realtime connections",
			}),
			published: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "realtime",
				Name:      "events_published_total",
				Help:      "Events fanned out, by event name",
			}, []string{"event"}),
			dropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "realtime",
				Name:      "connections_dropped_total",
				Help:      "Connections removed by the hub, by reason",
			}, []string{"reason"}),
			rejected: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "realtime",
				Name:      "handshakes_rejected_total",
				Help:      "Upgrade requests refused for a missing or invalid token",
			}),
		}
	})
	return metricsInst
}
