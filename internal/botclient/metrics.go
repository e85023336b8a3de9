package botclient

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	calls *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = &metrics{
			calls: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "botclient",
				Name:      "calls_total",
				Help:      "Calls to the bot transport, by path and outcome",
			}, []string{"path", "outcome"}),
		}
	})
	return metricsInst
}
