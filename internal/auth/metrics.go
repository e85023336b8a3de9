package auth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	logins    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	replays   prometheus.Counter
	stepUps   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = &metrics{
			logins: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "auth",
				Name:      "logins_total",
				Help:      "Login attempts by method and outcome",
			}, []string{"method", "outcome"}),
			refreshes: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "auth",
				Name:      "refreshes_total",
				Help:      "Refresh token rotations by outcome",
			}, []string{"outcome"}),
			replays: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "auth",
				Name:      "refresh_replays_total",
				Help:      "Stale refresh tokens presented; each one revoked a session family",
			}),
			stepUps: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "auth",
				Name:      "webauthn_verifications_total",
				Help:      "WebAuthn assertions by flow and outcome",
			}, []string{"flow", "outcome"}),
		}
	})
	return metricsInst
}
