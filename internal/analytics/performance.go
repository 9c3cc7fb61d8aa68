// Package analytics computes performance metrics from the replayable trade
// log. The calculations are pure: callers pass the log entries and the
// initial cash balance, and get back a metrics snapshot.
package analytics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/internal/domain"
)

const tradingDaysPerYear = 252

// PerformanceMetrics holds comprehensive performance metrics for the account.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int // position-reducing fills (realized round trips)
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64
	SharpeRatio        float64 // annualized from daily returns
	FinalEquity        float64
	ReturnOnInvestment float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	DailyReturns         map[string]float64 // keyed "2006-01-02", fractional
	DailyVolume          map[string]float64 // traded notional per day
	EquityCurve          []EquityPoint
}

// EquityPoint is one point on the equity curve.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance replays the trade log against the initial cash balance
// and derives the metrics. Entries are processed in chronological order.
func AnalyzePerformance(entries []*domain.TradeLogEntry, initialCash decimal.Decimal) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalEquity:  initialCash.InexactFloat64(),
		DailyReturns: make(map[string]float64),
		DailyVolume:  make(map[string]float64),
		EquityCurve:  make([]EquityPoint, 0, len(entries)),
	}
	if len(entries) == 0 {
		return metrics
	}

	sorted := make([]*domain.TradeLogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	account := domain.NewAccountState(initialCash)
	peak := account.Equity
	var consecutiveWins, consecutiveLosses int
	dailyEquity := make(map[string]float64) // close-of-day equity
	var dayKeys []string

	for _, e := range sorted {
		realized, closedQty := account.ApplyFill(domain.Fill{
			Symbol:        e.Symbol,
			Side:          e.Side,
			Qty:           absQty(e.Qty),
			PositionDelta: e.Qty,
			Price:         e.Price,
			Time:          e.Date,
		})

		dayKey := e.Date.Format("2006-01-02")
		if _, seen := dailyEquity[dayKey]; !seen {
			dayKeys = append(dayKeys, dayKey)
		}
		dailyEquity[dayKey] = account.Equity.InexactFloat64()
		metrics.DailyVolume[dayKey] += e.Price.Mul(decimal.NewFromInt(absQty(e.Qty))).InexactFloat64()

		if closedQty > 0 {
			pnl := realized.InexactFloat64()
			metrics.TotalTrades++
			metrics.TotalProfit += pnl
			if pnl > 0 {
				metrics.WinningTrades++
				consecutiveWins++
				consecutiveLosses = 0
				metrics.AverageWin = (metrics.AverageWin*float64(metrics.WinningTrades-1) + pnl) / float64(metrics.WinningTrades)
			} else {
				metrics.LosingTrades++
				consecutiveLosses++
				consecutiveWins = 0
				metrics.AverageLoss = (metrics.AverageLoss*float64(metrics.LosingTrades-1) + pnl) / float64(metrics.LosingTrades)
			}
			if consecutiveWins > metrics.MaxConsecutiveWins {
				metrics.MaxConsecutiveWins = consecutiveWins
			}
			if consecutiveLosses > metrics.MaxConsecutiveLosses {
				metrics.MaxConsecutiveLosses = consecutiveLosses
			}
		}

		if account.Equity.GreaterThan(peak) {
			peak = account.Equity
		}
		dd := 0.0
		if peak.IsPositive() {
			dd = peak.Sub(account.Equity).Div(peak).InexactFloat64()
		}
		if dd > metrics.MaxDrawdown {
			metrics.MaxDrawdown = dd
		}
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     e.Date,
			Value:    account.Equity.InexactFloat64(),
			Drawdown: dd,
		})
	}

	metrics.FinalEquity = account.Equity.InexactFloat64()
	initial := initialCash.InexactFloat64()
	if initial > 0 {
		metrics.ReturnOnInvestment = (metrics.FinalEquity - initial) / initial
	}
	if metrics.TotalTrades > 0 {
		metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
		if metrics.AverageLoss != 0 {
			metrics.ProfitFactor = metrics.AverageWin / -metrics.AverageLoss
		}
	}

	prev := initial
	for _, day := range dayKeys {
		eq := dailyEquity[day]
		if prev > 0 {
			metrics.DailyReturns[day] = (eq - prev) / prev
		}
		prev = eq
	}
	metrics.SharpeRatio = annualizedSharpe(metrics.DailyReturns)

	return metrics
}

// annualizedSharpe computes mean/stddev of the daily returns scaled by
// sqrt(252). A zero-variance series yields zero.
func annualizedSharpe(daily map[string]float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	var sum float64
	for _, r := range daily {
		sum += r
	}
	mean := sum / float64(len(daily))

	var variance float64
	for _, r := range daily {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(daily) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// VolumeOn returns the traded notional for the given day.
func (m *PerformanceMetrics) VolumeOn(day time.Time) float64 {
	return m.DailyVolume[day.Format("2006-01-02")]
}

// Tracker aggregates requested and filled quantities for the fill-rate
// metric, so partial fills count at their true weight. It is safe for
// concurrent use.
type Tracker struct {
	mu           sync.Mutex
	requestedQty int64
	filledQty    int64
}

// RecordOrder counts one terminal order: the quantity requested and the
// quantity that actually filled (zero for rejections and failures).
func (t *Tracker) RecordOrder(requestedQty, filledQty int64) {
	t.mu.Lock()
	t.requestedQty += requestedQty
	t.filledQty += filledQty
	t.mu.Unlock()
}

// FillRate returns total filled quantity over total requested quantity, zero
// before any submission.
func (t *Tracker) FillRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requestedQty == 0 {
		return 0
	}
	return float64(t.filledQty) / float64(t.requestedQty)
}

// Counts returns the raw requested and filled quantity totals.
func (t *Tracker) Counts() (requestedQty, filledQty int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestedQty, t.filledQty
}

func absQty(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
