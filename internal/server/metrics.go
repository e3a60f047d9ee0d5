package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	paymentsTotal     *prometheus.CounterVec
	escrowOpsTotal    *prometheus.CounterVec
	walletTotal       *prometheus.CounterVec
	replaysTotal      *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	reconcileDepth    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftnexus_payments_total",
		Help: "Payment submissions by kind (single, split) and outcome",
	}, []string{"kind", "status"})

	escrowOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftnexus_escrow_operations_total",
		Help: "Escrow contract calls by entry point and outcome",
	}, []string{"operation", "status"})

	walletOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftnexus_wallet_connects_total",
		Help: "Signing agent connect attempts by outcome",
	}, []string{"status"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftnexus_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	}, []string{"operation"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "craftnexus_operation_duration_seconds",
		Help:    "Wall time of ledger and contract operations",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"operation"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "craftnexus_reconcile_depth",
		Help: "Submissions with an unknown outcome awaiting reconciliation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(payments, escrowOps, walletOps, replays, duration, depth)

	return &metricsRegistry{
		registry:          r,
		paymentsTotal:     payments,
		escrowOpsTotal:    escrowOps,
		walletTotal:       walletOps,
		replaysTotal:      replays,
		operationDuration: duration,
		reconcileDepth:    depth,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPayment(kind, status string) {
	m.paymentsTotal.WithLabelValues(kind, status).Inc()
}

func (m *metricsRegistry) incEscrow(operation, status string) {
	m.escrowOpsTotal.WithLabelValues(operation, status).Inc()
}

func (m *metricsRegistry) incWallet(status string) {
	m.walletTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incReplay(operation string) {
	m.replaysTotal.WithLabelValues(operation).Inc()
}

func (m *metricsRegistry) observe(operation string, started time.Time) {
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *metricsRegistry) setReconcileDepth(depth int) {
	m.reconcileDepth.Set(float64(depth))
}
