// Package metrics exposes the Prometheus collectors updated by the execution core:
//
//   - trader_orders_total{status}        – orders by outcome (submitted|filled|rejected|timeout)
//   - trader_slippage_pct                – distribution of realized slippage
//   - trader_drawdown_pct                – current drawdown from peak equity (gauge)
//   - trader_circuit_breaker_halted      – 1 while the circuit breaker is halted
//   - trader_pool_reconnects_total       – gateway reconnection attempts
//   - trader_pool_idle_connections       – idle handles in the pool (gauge)
//   - trader_equity_usd                  – current account equity snapshot
//   - trader_fill_rate                   – aggregate filled/requested ratio
//   - trader_sharpe_ratio                – rolling annualized Sharpe ratio
//   - trader_daily_volume_usd            – traded notional for the current day
//   - trader_risk_blocked_total{reason}  – pre-trade rejections by reason
//   - trader_alerts_total{level}         – alerts emitted by severity
//
// Collectors are registered in init() and served by promhttp via Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders by outcome",
		},
		[]string{"status"},
	)

	slippage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_slippage_pct",
			Help:    "Realized slippage as a fraction of expected price",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.004, 0.008},
		},
	)

	orderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_order_latency_seconds",
			Help:    "Time from submission to a terminal order state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	drawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_drawdown_pct",
			Help: "Current drawdown from peak equity",
		},
	)

	breakerHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_circuit_breaker_halted",
			Help: "1 while the circuit breaker is halted, 0 otherwise",
		},
	)

	poolReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_pool_reconnects_total",
			Help: "Gateway reconnection attempts made by the connection pool",
		},
	)

	poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_pool_idle_connections",
			Help: "Idle handles currently available in the connection pool",
		},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_equity_usd",
			Help: "Account equity in USD",
		},
	)

	fillRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_fill_rate",
			Help: "Aggregate filled quantity over requested quantity",
		},
	)

	sharpe = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_sharpe_ratio",
			Help: "Annualized Sharpe ratio derived from the trade log",
		},
	)

	dailyVolume = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_daily_volume_usd",
			Help: "Traded notional for the current day in USD",
		},
	)

	riskBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_risk_blocked_total",
			Help: "Pre-trade rejections by reason",
		},
		[]string{"reason"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_alerts_total",
			Help: "Alerts emitted by severity",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(
		orders,
		slippage,
		orderLatency,
		drawdown,
		breakerHalted,
		poolReconnects,
		poolIdle,
		equity,
		fillRate,
		sharpe,
		dailyVolume,
		riskBlocked,
		alerts,
	)
}

// Handler returns the HTTP handler serving the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountOrder records one order outcome (submitted, filled, rejected, timeout).
func CountOrder(status string) { orders.WithLabelValues(status).Inc() }

// ObserveSlippage records one realized slippage observation.
func ObserveSlippage(pct float64) { slippage.Observe(pct) }

// ObserveOrderLatency records the submit-to-terminal round trip of one order.
func ObserveOrderLatency(seconds float64) { orderLatency.Observe(seconds) }

// SetDrawdown updates the current drawdown gauge.
func SetDrawdown(pct float64) { drawdown.Set(pct) }

// SetBreakerHalted flips the circuit-breaker gauge.
func SetBreakerHalted(halted bool) {
	if halted {
		breakerHalted.Set(1)
	} else {
		breakerHalted.Set(0)
	}
}

// CountPoolReconnect records one reconnection attempt.
func CountPoolReconnect() { poolReconnects.Inc() }

// SetPoolIdle updates the idle-connection gauge.
func SetPoolIdle(n int) { poolIdle.Set(float64(n)) }

// SetEquity updates the equity gauge.
func SetEquity(usd float64) { equity.Set(usd) }

// SetFillRate updates the fill-rate gauge.
func SetFillRate(rate float64) { fillRate.Set(rate) }

// SetSharpe updates the Sharpe-ratio gauge.
func SetSharpe(ratio float64) { sharpe.Set(ratio) }

// SetDailyVolume updates the daily traded-notional gauge.
func SetDailyVolume(usd float64) { dailyVolume.Set(usd) }

// CountRiskBlocked records one pre-trade rejection.
func CountRiskBlocked(reason string) { riskBlocked.WithLabelValues(reason).Inc() }

// CountAlert records one emitted alert.
func CountAlert(level string) { alerts.WithLabelValues(level).Inc() }
