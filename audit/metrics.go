package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	checked             *prometheus.CounterVec
	verificationFailed  *prometheus.CounterVec
	persistenceFailed   *prometheus.CounterVec
	alerts              *prometheus.CounterVec
	ownerFailures       prometheus.Counter
	sweepDuration       prometheus.Histogram
	lastSweepCompletion prometheus.Gauge
}

// NewMetrics registers the sweep collectors with reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		checked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expiryguard_entities_checked_total",
			Help: "Entities visited by sweeps.",
		}, []string{"kind"}),
		verificationFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expiryguard_verification_failures_total",
			Help: "Entities skipped because verification failed.",
		}, []string{"kind"}),
		persistenceFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expiryguard_persistence_failures_total",
			Help: "Entity updates that could not be written.",
		}, []string{"kind"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expiryguard_alerts_total",
			Help: "Alert evaluations that reached the ledger, by result.",
		}, []string{"result"}),
		ownerFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "expiryguard_owner_sweep_failures_total",
			Help: "Owner sweeps that could not run or aborted.",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "expiryguard_owner_sweep_duration_seconds",
			Help:    "Duration of one owner sweep.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		lastSweepCompletion: f.NewGauge(prometheus.GaugeOpts{
			Name: "expiryguard_last_sweep_completion_timestamp_seconds",
			Help: "Unix time the last full sweep finished.",
		}),
	}
}
