package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streampay_build_info",
			Help: "Build information of the streampay daemon",
		},
		[]string{"version", "commit", "date"},
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streampay_payments_total",
			Help: "Total number of processed payments by outcome",
		},
		[]string{"status"},
	)

	PaymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streampay_payment_duration_seconds",
			Help:    "Duration of payment processing including confirmation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streampay_reconcile_total",
			Help: "Total number of chain reconcile runs",
		},
		[]string{"status"},
	)

	ReconcileDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streampay_reconcile_discovered_total",
			Help: "Streams created or updated from on-chain memos",
		},
		[]string{"kind"},
	)

	SyncReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streampay_sync_reconnects_total",
			Help: "Total number of realtime sync reconnect attempts",
		},
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streampay_scheduler_runs_total",
			Help: "Total number of scheduler sweeps",
		},
		[]string{"status"},
	)
)
