// Package app wires the risk manager, executor, and decision provider into
// the trading service's main loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/config"
	"stockHftBot/internal/analytics"
	"stockHftBot/internal/connpool"
	"stockHftBot/internal/domain"
	"stockHftBot/internal/executor"
	"stockHftBot/internal/metrics"
	"stockHftBot/internal/ports"
	"stockHftBot/internal/risk"
	"stockHftBot/internal/session"
)

// analyticsEvery controls how many trading cycles pass between performance
// metric refreshes.
const analyticsEvery = 10

// TradingService orchestrates the decision/risk/execution cycle.
type TradingService struct {
	cfg       *config.Config
	logger    ports.Logger
	decisions ports.DecisionProvider
	riskMgr   *risk.Manager
	exec      *executor.Executor
	sessions  *session.Manager
	tradeLog  ports.TradeLogRepository
	alerts    ports.AlertSink
	pool      *connpool.Pool
	tracker   *analytics.Tracker

	mu            sync.Mutex
	lastPrices    map[string]decimal.Decimal
	pendingOrders []*domain.Order // accepted but unconfirmed, awaiting reconcile
	lastResetDay  string
}

// NewTradingService creates the application service.
func NewTradingService(
	cfg *config.Config,
	logger ports.Logger,
	decisions ports.DecisionProvider,
	riskMgr *risk.Manager,
	exec *executor.Executor,
	sessions *session.Manager,
	tradeLog ports.TradeLogRepository,
	alerts ports.AlertSink,
	pool *connpool.Pool,
) (*TradingService, error) {
	if cfg == nil || logger == nil || decisions == nil || riskMgr == nil ||
		exec == nil || sessions == nil || tradeLog == nil || alerts == nil || pool == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	return &TradingService{
		cfg:        cfg,
		logger:     logger,
		decisions:  decisions,
		riskMgr:    riskMgr,
		exec:       exec,
		sessions:   sessions,
		tradeLog:   tradeLog,
		alerts:     alerts,
		pool:       pool,
		tracker:    &analytics.Tracker{},
		lastPrices: make(map[string]decimal.Decimal),
	}, nil
}

// Start recovers state from the trade log, subscribes to quotes, and runs
// the trading loop until the context is cancelled or a signal arrives.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	// State recovery: the trade log is the source of truth across restarts.
	entries, err := s.tradeLog.All(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load trade log for state recovery")
		return fmt.Errorf("failed to load trade log: %w", err)
	}
	s.riskMgr.Restore(entries)
	snap := s.riskMgr.Snapshot()
	s.logger.Info(ctx, "Account state recovered from trade log", map[string]interface{}{
		"entries":   len(entries),
		"equity":    snap.Equity.StringFixed(2),
		"positions": len(snap.Positions),
	})

	// Quote stream: one pooled session is held for the service's lifetime.
	quoteHandle, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to acquire session for quote stream")
		return fmt.Errorf("failed to acquire quote session: %w", err)
	}
	defer s.pool.Release(quoteHandle)

	for _, symbol := range s.cfg.Symbols {
		sym := symbol
		if err := quoteHandle.Conn().SubscribeQuote(ctx, sym, s.handleQuote); err != nil {
			s.logger.Error(ctx, err, "Failed to subscribe to quotes", map[string]interface{}{"symbol": sym})
			return fmt.Errorf("failed to subscribe %s quotes: %w", sym, err)
		}
	}
	s.logger.Info(ctx, "Quote subscriptions active", map[string]interface{}{"symbols": s.cfg.Symbols})

	ticker := time.NewTicker(s.cfg.TradingInterval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			if s.cfg.FlattenOnShutdown {
				flattenCtx, cancelFlatten := context.WithTimeout(context.Background(), 30*time.Second)
				s.flattenAll(flattenCtx)
				cancelFlatten()
			}
			s.logger.Info(ctx, "Trading Service stopped.")
			return nil
		case <-ticker.C:
			s.maybeSessionReset(ctx)
			s.reconcilePending(ctx)
			s.runCycle(ctx)
			cycle++
			if cycle%analyticsEvery == 0 {
				s.refreshAnalytics(ctx)
			}
		}
	}
}

// handleQuote feeds price ticks into the mark-to-market path. It runs on the
// gateway read loop and must stay cheap.
func (s *TradingService) handleQuote(q ports.Quote) {
	s.mu.Lock()
	s.lastPrices[q.Symbol] = q.Price
	s.mu.Unlock()
	s.riskMgr.UpdateMark(q.Symbol, q.Price)
}

// maybeSessionReset re-anchors the daily risk state once per trading day, at
// the first cycle inside the regular session.
func (s *TradingService) maybeSessionReset(ctx context.Context) {
	if s.sessions.Current() != domain.SessionRegular {
		return
	}
	day := time.Now().Format("2006-01-02")
	s.mu.Lock()
	stale := s.lastResetDay != day
	if stale {
		s.lastResetDay = day
	}
	s.mu.Unlock()
	if stale {
		s.riskMgr.SessionReset(ctx)
	}
}

// runCycle pulls one decision and takes it through the full gate/execute/
// account sequence.
func (s *TradingService) runCycle(ctx context.Context) {
	decision, err := s.decisions.NextDecision(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to fetch decision")
		return
	}
	if decision == nil {
		return
	}

	refPrice := decision.ReferencePrice
	if !refPrice.IsPositive() {
		s.mu.Lock()
		refPrice = s.lastPrices[decision.Symbol]
		s.mu.Unlock()
	}
	if !refPrice.IsPositive() {
		s.logger.Warn(ctx, "No reference price available, skipping decision",
			map[string]interface{}{"symbol": decision.Symbol})
		return
	}

	qty := decision.Qty
	if decision.Side == domain.SideFlat {
		pos := s.riskMgr.Position(decision.Symbol)
		if pos == 0 {
			s.logger.Debug(ctx, "Flatten decision with no open position, skipping",
				map[string]interface{}{"symbol": decision.Symbol})
			return
		}
		qty = abs64(pos)
	}

	check := s.riskMgr.PreTradeCheck(ctx, decision.Symbol, decision.Side, qty, refPrice)
	if !check.Allowed {
		s.logger.Warn(ctx, "Decision blocked by risk check", map[string]interface{}{
			"symbol":  decision.Symbol,
			"side":    string(decision.Side),
			"qty":     qty,
			"reason":  string(check.Reason),
			"details": check.Details,
		})
		return
	}
	delta, err := s.riskMgr.PositionDelta(decision.Symbol, decision.Side, qty)
	if err != nil {
		s.riskMgr.ReleaseReservation(decision.Symbol, 0)
		s.logger.Error(ctx, err, "Failed to resolve position delta",
			map[string]interface{}{"symbol": decision.Symbol})
		return
	}

	var result *executor.Result
	switch decision.Side {
	case domain.SideLong:
		result, err = s.exec.Long(ctx, decision.Symbol, qty, refPrice)
	case domain.SideShort:
		result, err = s.exec.Short(ctx, decision.Symbol, qty, refPrice)
	case domain.SideFlat:
		result, err = s.exec.Flat(ctx, decision.Symbol, refPrice)
	}

	s.settle(ctx, result, err, decision.Symbol, delta, refPrice)
}

// settle resolves one execution attempt: consume or release the exposure
// reservation and feed fills into post-trade accounting.
func (s *TradingService) settle(ctx context.Context, result *executor.Result, execErr error, symbol string, delta int64, refPrice decimal.Decimal) {
	if execErr != nil {
		if s.outcomeUnknown(result, execErr) {
			// The gateway may hold a live order: the submission reached the
			// wire and the answer was lost, or the fill query failed after
			// acceptance. Never assume failure — hold the reservation and
			// resolve through reconciliation.
			s.mu.Lock()
			s.pendingOrders = append(s.pendingOrders, result.Order)
			s.mu.Unlock()
			s.logger.Warn(ctx, "Order outcome unknown, queued for reconciliation",
				map[string]interface{}{"order_id": result.Order.ID, "symbol": symbol, "error": execErr.Error()})
			if !errors.Is(execErr, ports.ErrTimeout) {
				s.sendAlert(ctx, "Order outcome unknown",
					fmt.Sprintf("order %s for %s unresolved: %v", result.Order.ID, symbol, execErr),
					domain.AlertCritical)
			}
			return
		}

		s.riskMgr.ReleaseReservation(symbol, delta)
		if result != nil && result.Order != nil {
			s.tracker.RecordOrder(result.Order.RequestedQty, 0)
		}
		s.logger.Error(ctx, execErr, "Order execution failed", map[string]interface{}{"symbol": symbol})
		if errors.Is(execErr, ports.ErrConnectionUnavailable) || errors.Is(execErr, ports.ErrPoolExhausted) {
			s.sendAlert(ctx, "Gateway connectivity degraded",
				fmt.Sprintf("order for %s failed: %v", symbol, execErr), domain.AlertCritical)
		}
		return
	}

	order := result.Order
	switch {
	case result.Fill != nil:
		s.tracker.RecordOrder(order.RequestedQty, result.Fill.Qty)
		if err := s.riskMgr.PostTradeCheck(ctx, *result.Fill, refPrice); err != nil {
			s.logger.Error(ctx, err, "Post-trade accounting failed",
				map[string]interface{}{"order_id": order.ID})
		}
		// A partial fill consumes only its own delta; hand back the rest.
		if residual := delta - result.Fill.PositionDelta; residual != 0 {
			s.riskMgr.ReleaseReservation(symbol, residual)
		}
	case order.Status == domain.OrderFilled:
		// Zero-quantity flatten no-op; nothing to account.
		s.riskMgr.ReleaseReservation(symbol, delta)
	case order.Status == domain.OrderRejected:
		s.tracker.RecordOrder(order.RequestedQty, 0)
		s.riskMgr.ReleaseReservation(symbol, delta)
		s.logger.Warn(ctx, "Order rejected", map[string]interface{}{
			"order_id": order.ID,
			"symbol":   symbol,
			"reason":   order.RejectReason,
		})
	}
}

// outcomeUnknown reports whether an execution error leaves the order's fate
// ambiguous at the gateway. Failures raised before anything reached the wire
// (pool exhaustion, reconnect exhaustion, invalid request) are unambiguous;
// everything after a submission attempt must be reconciled, not forgotten.
func (s *TradingService) outcomeUnknown(result *executor.Result, execErr error) bool {
	if result == nil || result.Order == nil {
		return false
	}
	if errors.Is(execErr, ports.ErrPoolExhausted) ||
		errors.Is(execErr, ports.ErrConnectionUnavailable) ||
		errors.Is(execErr, ports.ErrPoolClosed) ||
		errors.Is(execErr, ports.ErrInvalidRequest) {
		return false
	}
	return true
}

// reconcilePending retries resolution of accepted-but-unconfirmed orders.
// Orders are resolved at most once per cycle and never resubmitted.
func (s *TradingService) reconcilePending(ctx context.Context) {
	s.mu.Lock()
	pending := s.pendingOrders
	s.pendingOrders = nil
	s.mu.Unlock()

	for _, order := range pending {
		result, err := s.exec.Reconcile(ctx, order)
		if err != nil {
			if errors.Is(err, ports.ErrTimeout) {
				s.mu.Lock()
				s.pendingOrders = append(s.pendingOrders, order)
				s.mu.Unlock()
				continue
			}
			s.logger.Error(ctx, err, "Reconciliation failed, will retry",
				map[string]interface{}{"order_id": order.ID})
			s.mu.Lock()
			s.pendingOrders = append(s.pendingOrders, order)
			s.mu.Unlock()
			continue
		}
		s.settle(ctx, result, nil, order.Symbol, order.PositionDelta, order.RequestedPrice)
	}
}

// flattenAll closes every open position through the normal gate/execute path.
// Positions that cannot be closed (no price, risk block, closed session) are
// logged and left open.
func (s *TradingService) flattenAll(ctx context.Context) {
	snap := s.riskMgr.Snapshot()
	for symbol, pos := range snap.Positions {
		if pos == 0 {
			continue
		}
		s.mu.Lock()
		refPrice := s.lastPrices[symbol]
		s.mu.Unlock()
		if !refPrice.IsPositive() {
			s.logger.Warn(ctx, "No reference price, leaving position open",
				map[string]interface{}{"symbol": symbol, "position": pos})
			continue
		}

		check := s.riskMgr.PreTradeCheck(ctx, symbol, domain.SideFlat, abs64(pos), refPrice)
		if !check.Allowed {
			s.logger.Warn(ctx, "Shutdown flatten blocked", map[string]interface{}{
				"symbol": symbol,
				"reason": string(check.Reason),
			})
			continue
		}
		delta, err := s.riskMgr.PositionDelta(symbol, domain.SideFlat, abs64(pos))
		if err != nil {
			s.riskMgr.ReleaseReservation(symbol, 0)
			s.logger.Error(ctx, err, "Failed to resolve flatten delta",
				map[string]interface{}{"symbol": symbol})
			continue
		}

		result, execErr := s.exec.Flat(ctx, symbol, refPrice)
		s.settle(ctx, result, execErr, symbol, delta, refPrice)
	}
}

// refreshAnalytics recomputes performance metrics from the trade log and
// publishes the gauges.
func (s *TradingService) refreshAnalytics(ctx context.Context) {
	entries, err := s.tradeLog.All(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load trade log for analytics")
		return
	}
	initialCash := decimal.NewFromFloat(s.cfg.InitialCash)
	perf := analytics.AnalyzePerformance(entries, initialCash)

	metrics.SetSharpe(perf.SharpeRatio)
	metrics.SetFillRate(s.tracker.FillRate())
	metrics.SetDailyVolume(perf.VolumeOn(time.Now()))

	s.logger.Debug(ctx, "Performance metrics refreshed", map[string]interface{}{
		"trades":    perf.TotalTrades,
		"win_rate":  perf.WinRate,
		"sharpe":    perf.SharpeRatio,
		"fill_rate": s.tracker.FillRate(),
	})
}

func (s *TradingService) sendAlert(ctx context.Context, title, content string, level domain.AlertLevel) {
	if err := s.alerts.Send(ctx, domain.Alert{
		Title:     title,
		Content:   content,
		Level:     level,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Error(ctx, err, "Failed to deliver alert", map[string]interface{}{"title": title})
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
