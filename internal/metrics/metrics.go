package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Placement attempts by side and outcome",
		},
		[]string{"side", "outcome"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Orders recorded as filled",
		},
		[]string{"side"},
	)

	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_reconcile_actions_total",
			Help: "Corrective actions taken by the watchdog",
		},
		[]string{"action"},
	)

	WatchdogPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_watchdog_passes_total",
			Help: "Watchdog passes by result",
		},
		[]string{"result"},
	)

	Escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_watchdog_escalations_total",
			Help: "Escalations after consecutive failed passes",
		},
	)

	RealizedProfit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_realized_profit_quote",
			Help: "Realized profit of the session in the quote asset",
		},
	)

	OpenOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_open_orders",
			Help: "Non-terminal orders in the ledger at the last watchdog pass",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, Fills, ReconcileActions)
	prometheus.MustRegister(WatchdogPasses, Escalations)
	prometheus.MustRegister(RealizedProfit, OpenOrders)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint stopped", zap.Error(err))
	}
}
