// Package metrics exposes the trader's Prometheus instrumentation and the
// HTTP endpoint that serves it.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sflog "github.com/sigflow/sigflow/log"
)

// Set holds the trader's metric instruments. One Set per process.
type Set struct {
	SignalsProcessed *prometheus.CounterVec
	OrdersPlaced     *prometheus.CounterVec
	OrderRejections  prometheus.Counter
	ReconcileRuns    prometheus.Counter
	ReconcileChanges prometheus.Counter
	OpenPositions    prometheus.Gauge
	PendingOrders    prometheus.Gauge
	AccountValue     prometheus.Gauge
	CycleDuration    prometheus.Histogram
}

// NewSet registers the trader metrics on the registry; a nil registry uses
// the default one.
func NewSet(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Set{
		SignalsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigflow_signals_total",
			Help: "Signals handled, by terminal status",
		}, []string{"status"}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigflow_orders_total",
			Help: "Entry orders submitted, by submission outcome",
		}, []string{"outcome"}),
		OrderRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "sigflow_order_rejections_total",
			Help: "Entry orders the venue rejected",
		}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "sigflow_reconcile_runs_total",
			Help: "Reconciliation passes executed",
		}),
		ReconcileChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sigflow_reconcile_changes_total",
			Help: "Reconciliation passes that changed tracked state",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sigflow_open_positions",
			Help: "Positions currently tracked",
		}),
		PendingOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sigflow_pending_orders",
			Help: "Resting entry orders currently tracked",
		}),
		AccountValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sigflow_account_value_usd",
			Help: "Last observed account value",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigflow_cycle_duration_seconds",
			Help:    "Wall time of one trading loop cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Serve runs the metrics endpoint until ctx is canceled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = sflog.LoggerFromContext(ctx)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
