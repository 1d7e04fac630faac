package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Total number of reconciliation runs by result",
	}, []string{"result"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_run_duration_seconds",
		Help:    "Duration of reconciliation runs",
		Buckets: prometheus.DefBuckets,
	})

	TransfersCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_transfers_credited_total",
		Help: "Total number of on-chain transfers credited to orders",
	}, []string{"method"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_order_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"status"})

	OrdersSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_orders_skipped_total",
		Help: "Total number of orders skipped by reason",
	}, []string{"reason"})

	OrderWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_order_write_failures_total",
		Help: "Total number of failed order payment writes",
	}, []string{"reason"})

	Overpayments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_overpayments_total",
		Help: "Total number of orders paid above their token total",
	})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_notify_failures_total",
		Help: "Total number of failed order confirmation notifications",
	})

	WindowGapBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_window_gap_blocks_total",
		Help: "Blocks between consecutive runs that fell outside the lookback window",
	})

	MalformedLogs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chain_malformed_transfer_logs_total",
		Help: "Total number of Transfer logs that could not be decoded",
	})

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_rpc_duration_seconds",
		Help:    "Latency of chain JSON-RPC calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func ObserveRPC(method string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RPCDuration.WithLabelValues(method, result).Observe(time.Since(start).Seconds())
}
