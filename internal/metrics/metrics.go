package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaledger_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotaledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaledger_consume_total",
			Help: "Total number of consume attempts by bucket and result.",
		},
		[]string{"bucket", "result"},
	)

	RefundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaledger_refund_total",
			Help: "Total number of refunds by bucket.",
		},
		[]string{"bucket"},
	)

	TxRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotaledger_tx_retries_total",
			Help: "Total number of serialization-conflict transaction retries.",
		},
	)

	SweepRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaledger_sweep_records_total",
			Help: "Total number of records handled by the reset sweep by result.",
		},
		[]string{"result"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quotaledger_sweep_duration_seconds",
			Help:    "Duration of full reset sweep runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ConsumeTotal,
		RefundTotal,
		TxRetriesTotal,
		SweepRecordsTotal,
		SweepDuration,
	)
}
