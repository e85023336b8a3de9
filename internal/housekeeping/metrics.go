package housekeeping

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = &metrics{
			runs: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "housekeeping",
				Name:      "job_runs_total",
				Help:      "Scheduled job runs, by job and outcome",
			}, []string{"job", "outcome"}),
		}
	})
	return metricsInst
}
