package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the ledger client.
type Metrics struct {
	RPCCalls            *prometheus.CounterVec
	Retries             *prometheus.CounterVec
	FundingAttempts     *prometheus.CounterVec
	ConfirmationSeconds prometheus.Histogram
}

// NewMetrics creates the ledger metrics and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RPCCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memopay_ledger_rpc_calls_total",
				Help: "JSON-RPC calls made to the ledger node",
			},
			[]string{"method", "outcome"}, // outcome: ok, retryable, error
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memopay_ledger_retries_total",
				Help: "Ledger calls re-attempted after a retryable failure",
			},
			[]string{"op"},
		),
		FundingAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memopay_ledger_funding_attempts_total",
				Help: "Funding (airdrop) attempts by outcome",
			},
			[]string{"outcome"}, // outcome: confirmed, failed, recovered
		),
		ConfirmationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memopay_ledger_confirmation_seconds",
				Help:    "Time from first status poll to confirmation",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),
	}
}
