package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the session roles.
type Metrics struct {
	Sessions        *prometheus.CounterVec
	Verdicts        *prometheus.CounterVec
	IgnoredRequests *prometheus.CounterVec
	StageSeconds    *prometheus.HistogramVec
}

// NewMetrics creates the session metrics and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memopay_sessions_total",
				Help: "Finished sessions by role and outcome",
			},
			[]string{"role", "outcome"}, // outcome: done or a failure reason
		),
		Verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memopay_verdicts_total",
				Help: "Requester verdicts on received responses",
			},
			[]string{"verdict"},
		),
		IgnoredRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memopay_provider_ignored_total",
				Help: "Transactions the provider skipped while listening",
			},
			[]string{"reason"}, // underpaid, no_memo, undecodable, unreadable, not_request, foreign
		),
		StageSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memopay_stage_seconds",
				Help:    "Time spent in each session stage",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"role", "stage"},
		),
	}
}

func (m *Metrics) finish(r Result) {
	outcome := "done"
	if r.FailureReason != "" {
		outcome = string(r.FailureReason)
	}
	m.Sessions.WithLabelValues(string(r.Role), outcome).Inc()
}
