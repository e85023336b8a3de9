package broadcast

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	campaigns *prometheus.CounterVec
	sends     *prometheus.CounterVec
	notifies  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = &metrics{
			campaigns: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "broadcast",
				Name:      "campaigns_total",
				Help:      "Campaign state changes, by resulting status",
			}, []string{"status"}),
			sends: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "broadcast",
				Name:      "sends_total",
				Help:      "Per-recipient campaign sends, by outcome",
			}, []string{"outcome"}),
			notifies: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "broadcast",
				Name:      "queue_messages_total",
				Help:      "Queue notifications, by direction and outcome",
			}, []string{"direction", "outcome"}),
		}
	})
	return metricsInst
}
