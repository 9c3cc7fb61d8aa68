// Package risk implements the pre-trade and post-trade risk controls:
// a one-way circuit breaker, a drawdown monitor, a slippage checker, and
// the Manager that orchestrates them around the account state.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/internal/domain"
	"stockHftBot/internal/metrics"
	"stockHftBot/internal/ports"
	"stockHftBot/internal/session"
)

// Config holds the Manager's risk limits and policies.
type Config struct {
	MaxPositionPerSymbol decimal.Decimal // fraction of equity
	DailyLossLimit       decimal.Decimal // fraction; >= trips the breaker
	MaxDrawdown          decimal.Decimal // fraction; > breaches the monitor
	MaxSlippage          decimal.Decimal // fraction; > classifies excessive
	MaxOrderValue        decimal.Decimal // absolute notional cap per order
	MinOrderInterval     time.Duration
	MaxOrdersPerMinute   int
	ConsecutiveLossLimit int
	SlippageStreakLimit  int // excessive fills within the window that force a halt
	SlippageStreakWindow time.Duration
	AllowFlattenHalted   bool // permit position-closing orders while halted
	EnableShort          bool
	Now                  func() time.Time // injectable clock, defaults to time.Now
}

// Manager is the single gate every order passes through. PreTradeCheck
// serializes per symbol and reserves exposure for in-flight orders;
// PostTradeCheck is the sole writer of the account state.
type Manager struct {
	cfg      Config
	logger   ports.Logger
	alerts   ports.AlertSink
	tradeLog ports.TradeLogRepository
	sessions *session.Manager

	breaker  *CircuitBreaker
	drawdown *DrawdownMonitor
	slippage *SlippageChecker

	mu          sync.Mutex // guards account, pending, and rate state
	account     *domain.AccountState
	pending     map[string]int64 // reserved signed quantity per symbol, in-flight orders
	lastOrderAt time.Time
	orderTimes  []time.Time // submissions within the last minute
	slipTimes   []time.Time // excessive-slippage fills within the streak window

	symMu    sync.Mutex
	symLocks map[string]*sync.Mutex // serializes pre-trade checks per symbol
}

// NewManager creates the risk orchestrator seeded with the initial cash
// balance. The breaker and drawdown monitor are anchored to that equity.
func NewManager(
	cfg Config,
	sessions *session.Manager,
	tradeLog ports.TradeLogRepository,
	alerts ports.AlertSink,
	logger ports.Logger,
	initialCash decimal.Decimal,
) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager cannot be nil")
	}
	if tradeLog == nil {
		return nil, fmt.Errorf("trade log repository cannot be nil")
	}
	if alerts == nil {
		return nil, fmt.Errorf("alert sink cannot be nil")
	}
	if !initialCash.IsPositive() {
		return nil, fmt.Errorf("initial cash must be positive, got %s", initialCash)
	}
	if !cfg.MaxPositionPerSymbol.IsPositive() || !cfg.DailyLossLimit.IsPositive() ||
		!cfg.MaxDrawdown.IsPositive() || !cfg.MaxSlippage.IsPositive() ||
		!cfg.MaxOrderValue.IsPositive() {
		return nil, fmt.Errorf("risk limits must all be positive")
	}
	if cfg.MaxOrdersPerMinute <= 0 {
		return nil, fmt.Errorf("max orders per minute must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	account := domain.NewAccountState(initialCash)
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		alerts:   alerts,
		tradeLog: tradeLog,
		sessions: sessions,
		breaker: NewCircuitBreaker(BreakerConfig{
			DailyLossLimit:       cfg.DailyLossLimit,
			ConsecutiveLossLimit: cfg.ConsecutiveLossLimit,
		}, account.Equity),
		drawdown: NewDrawdownMonitor(DrawdownConfig{
			MaxDrawdown: cfg.MaxDrawdown,
		}, account.Equity),
		slippage: NewSlippageChecker(SlippageConfig{
			MaxSlippage: cfg.MaxSlippage,
		}),
		account:  account,
		pending:  make(map[string]int64),
		symLocks: make(map[string]*sync.Mutex),
	}

	m.breaker.SetTripHandler(func(reason string) {
		metrics.SetBreakerHalted(true)
		m.logger.Error(context.Background(), nil, "Circuit breaker tripped, trading halted",
			map[string]interface{}{"reason": reason})
		m.sendAlert("Circuit breaker tripped",
			fmt.Sprintf("Trading halted: %s. Manual reset required at next session.", reason),
			domain.AlertCritical)
	})
	m.drawdown.SetAlertHandler(func(level DrawdownLevel, ddPct decimal.Decimal) {
		alertLevel := domain.AlertWarning
		if level >= DrawdownCritical {
			alertLevel = domain.AlertCritical
		}
		m.logger.Warn(context.Background(), "Drawdown threshold crossed",
			map[string]interface{}{"level": level.String(), "drawdown_pct": ddPct.StringFixed(4)})
		m.sendAlert("Drawdown "+level.String(),
			fmt.Sprintf("Current drawdown %s of peak equity", ddPct.StringFixed(4)),
			alertLevel)
	})

	return m, nil
}

// PreTradeCheck validates a directional intent against every gate, in a fixed
// order: session, circuit breaker, drawdown, short policy, position exposure,
// order value, rate limits. On approval the intent's signed quantity is
// reserved against the symbol's exposure until PostTradeCheck consumes it or
// ReleaseReservation returns it. Checks for the same symbol are serialized.
func (m *Manager) PreTradeCheck(ctx context.Context, symbol string, side domain.Side, qty int64, refPrice decimal.Decimal) domain.RiskCheckResult {
	now := m.cfg.Now()

	if qty <= 0 || !refPrice.IsPositive() {
		return m.blocked(domain.ReasonOrderValue, fmt.Sprintf("invalid intent: qty=%d price=%s", qty, refPrice), now)
	}

	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	// Session gate.
	current := m.sessions.Current()
	if !m.sessions.IsTradeable(current) {
		return m.blocked(domain.ReasonSessionClosed,
			fmt.Sprintf("session %s does not permit trading", current), now)
	}

	// Circuit breaker. Position-closing orders may bypass a halt when the
	// flatten policy allows it.
	flattening := side == domain.SideFlat
	if !m.breaker.Allow() && !(flattening && m.cfg.AllowFlattenHalted) {
		return m.blocked(domain.ReasonCircuitBreaker,
			fmt.Sprintf("halted: %s", m.breaker.TripReason()), now)
	}

	// Drawdown gate. Closing positions is always allowed under a breach.
	if m.drawdown.IsBreached() && !flattening {
		return m.blocked(domain.ReasonDrawdownBreached,
			fmt.Sprintf("drawdown %s exceeds limit %s",
				m.drawdown.CurrentDrawdown().StringFixed(4), m.cfg.MaxDrawdown.StringFixed(4)), now)
	}

	if side == domain.SideShort && !m.cfg.EnableShort {
		return m.blocked(domain.ReasonShortDisabled, "short selling is disabled", now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delta, err := m.positionDeltaLocked(symbol, side, qty)
	if err != nil {
		return m.blocked(domain.ReasonOrderValue, err.Error(), now)
	}

	// Exposure gate counts both the open position and reserved in-flight
	// quantity, so two concurrent orders cannot jointly exceed the limit.
	projected := m.account.Positions[symbol] + m.pending[symbol] + delta
	exposure := refPrice.Mul(decimal.NewFromInt(abs64(projected)))
	maxExposure := m.account.Equity.Mul(m.cfg.MaxPositionPerSymbol)
	if !flattening && exposure.GreaterThan(maxExposure) {
		return m.blocked(domain.ReasonPositionLimit,
			fmt.Sprintf("projected exposure %s exceeds limit %s", exposure.StringFixed(2), maxExposure.StringFixed(2)), now)
	}

	orderValue := refPrice.Mul(decimal.NewFromInt(qty))
	if orderValue.GreaterThan(m.cfg.MaxOrderValue) {
		return m.blocked(domain.ReasonOrderValue,
			fmt.Sprintf("order value %s exceeds cap %s", orderValue.StringFixed(2), m.cfg.MaxOrderValue.StringFixed(2)), now)
	}

	// Rate limits.
	if !m.lastOrderAt.IsZero() && now.Sub(m.lastOrderAt) < m.cfg.MinOrderInterval {
		return m.blocked(domain.ReasonOrderRate,
			fmt.Sprintf("minimum interval %s between orders not elapsed", m.cfg.MinOrderInterval), now)
	}
	m.pruneOrderTimesLocked(now)
	if len(m.orderTimes) >= m.cfg.MaxOrdersPerMinute {
		return m.blocked(domain.ReasonOrderRate,
			fmt.Sprintf("order rate cap %d/min reached", m.cfg.MaxOrdersPerMinute), now)
	}

	// All gates passed: reserve the exposure and record the submission.
	m.pending[symbol] += delta
	m.lastOrderAt = now
	m.orderTimes = append(m.orderTimes, now)

	return domain.RiskCheckResult{Allowed: true, Reason: domain.ReasonOK, Timestamp: now}
}

// pruneOrderTimesLocked drops submissions older than one minute so the
// per-minute rate cap counts only the rolling window. Caller holds m.mu.
func (m *Manager) pruneOrderTimesLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := m.orderTimes[:0]
	for _, t := range m.orderTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.orderTimes = kept
}

// PositionDelta resolves a directional intent to the signed quantity it
// applies to the symbol's position. For flat intents the quantity offsets
// the current open position.
func (m *Manager) PositionDelta(symbol string, side domain.Side, qty int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionDeltaLocked(symbol, side, qty)
}

func (m *Manager) positionDeltaLocked(symbol string, side domain.Side, qty int64) (int64, error) {
	switch side {
	case domain.SideLong:
		return qty, nil
	case domain.SideShort:
		return -qty, nil
	case domain.SideFlat:
		pos := m.account.Positions[symbol]
		if pos > 0 {
			return -min64(qty, pos), nil
		}
		if pos < 0 {
			return min64(qty, -pos), nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}
}

// ReleaseReservation returns exposure reserved by an approved check whose
// order was rejected or never reached the gateway.
func (m *Manager) ReleaseReservation(symbol string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[symbol] -= delta
	if m.pending[symbol] == 0 {
		delete(m.pending, symbol)
	}
}

// PostTradeCheck applies a confirmed fill to the account, consumes the
// reservation, appends the trade log entry, and feeds the breaker, drawdown
// monitor, and slippage checker. It is the only writer of account state.
func (m *Manager) PostTradeCheck(ctx context.Context, fill domain.Fill, expectedPrice decimal.Decimal) error {
	m.mu.Lock()

	realized, closedQty := m.account.ApplyFill(fill)

	m.pending[fill.Symbol] -= fill.PositionDelta
	if m.pending[fill.Symbol] == 0 {
		delete(m.pending, fill.Symbol)
	}

	entry := &domain.TradeLogEntry{
		Date:              fill.Time,
		Symbol:            fill.Symbol,
		Side:              fill.Side,
		Qty:               fill.PositionDelta,
		Price:             fill.Price,
		ResultingPosition: m.account.Positions[fill.Symbol],
		ResultingCash:     m.account.Cash,
	}
	equity := m.account.Equity
	m.mu.Unlock()

	// Persistence failure must not block accounting; the in-memory state is
	// already updated and the failure is surfaced out of band.
	if _, err := m.tradeLog.Append(ctx, entry); err != nil {
		m.logger.Error(ctx, err, "Failed to append trade log entry",
			map[string]interface{}{"symbol": fill.Symbol, "order_id": fill.OrderID})
		m.sendAlert("Trade log write failed",
			fmt.Sprintf("entry for order %s could not be persisted: %v", fill.OrderID, err),
			domain.AlertWarning)
	}

	m.breaker.UpdateEquity(equity, realized, closedQty > 0)
	level := m.drawdown.Update(equity)

	metrics.SetEquity(equity.InexactFloat64())
	metrics.SetDrawdown(m.drawdown.CurrentDrawdown().InexactFloat64())

	res := m.slippage.Check(expectedPrice, fill.Price)
	metrics.ObserveSlippage(res.SlippagePct.InexactFloat64())
	if res.Excessive {
		m.logger.Warn(ctx, "Excessive slippage on fill", map[string]interface{}{
			"symbol":       fill.Symbol,
			"order_id":     fill.OrderID,
			"expected":     expectedPrice.StringFixed(2),
			"filled":       fill.Price.StringFixed(2),
			"slippage_pct": res.SlippagePct.StringFixed(4),
		})
		m.recordSlippageViolation(fill.Time)
	}

	m.logger.Debug(ctx, "Fill applied", map[string]interface{}{
		"symbol":         fill.Symbol,
		"delta":          fill.PositionDelta,
		"price":          fill.Price.StringFixed(2),
		"realized_pnl":   realized.StringFixed(2),
		"equity":         equity.StringFixed(2),
		"drawdown_level": level.String(),
	})

	return nil
}

// recordSlippageViolation tracks excessive fills inside a rolling window and
// force-trips the breaker when the streak limit is reached.
func (m *Manager) recordSlippageViolation(at time.Time) {
	m.mu.Lock()
	cutoff := at.Add(-m.cfg.SlippageStreakWindow)
	kept := m.slipTimes[:0]
	for _, t := range m.slipTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.slipTimes = append(kept, at)
	streak := len(m.slipTimes)
	m.mu.Unlock()

	if m.cfg.SlippageStreakLimit > 0 && streak >= m.cfg.SlippageStreakLimit {
		m.breaker.ForceTrip(fmt.Sprintf("%d excessive-slippage fills within %s", streak, m.cfg.SlippageStreakWindow))
	}
}

// Restore replays persisted trade log entries into the account state. It is
// meant for startup recovery, before any trading begins; the breaker and
// drawdown monitor are re-anchored to the reconstructed equity.
func (m *Manager) Restore(entries []*domain.TradeLogEntry) {
	m.mu.Lock()
	for _, e := range entries {
		m.account.ApplyFill(domain.Fill{
			Symbol:        e.Symbol,
			Side:          e.Side,
			Qty:           abs64(e.Qty),
			PositionDelta: e.Qty,
			Price:         e.Price,
			Time:          e.Date,
		})
	}
	m.account.SessionStartEquity = m.account.Equity
	m.account.RealizedPnLToday = decimal.Zero
	equity := m.account.Equity
	m.mu.Unlock()

	m.breaker.Reset(equity)
	m.drawdown.Update(equity)
	metrics.SetEquity(equity.InexactFloat64())
}

// UpdateMark re-marks a symbol from the quote feed and feeds the resulting
// equity into the breaker and drawdown monitor. Unrealized losses count
// toward the daily loss limit.
func (m *Manager) UpdateMark(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.account.SetMark(symbol, price)
	equity := m.account.Equity
	m.mu.Unlock()

	m.breaker.UpdateEquity(equity, decimal.Zero, false)
	m.drawdown.Update(equity)
	metrics.SetEquity(equity.InexactFloat64())
	metrics.SetDrawdown(m.drawdown.CurrentDrawdown().InexactFloat64())
}

// SessionReset re-anchors the daily risk state at a trading-session boundary.
// It is the only path out of a breaker halt. The drawdown peak and breach
// flag deliberately survive; see AcknowledgeDrawdown.
func (m *Manager) SessionReset(ctx context.Context) {
	m.mu.Lock()
	equity := m.account.Equity
	m.account.SessionStartEquity = equity
	m.account.RealizedPnLToday = decimal.Zero
	m.orderTimes = nil
	m.slipTimes = nil
	m.lastOrderAt = time.Time{}
	m.mu.Unlock()

	m.breaker.Reset(equity)
	metrics.SetBreakerHalted(false)

	m.logger.Info(ctx, "Session reset complete", map[string]interface{}{
		"session_start_equity": equity.StringFixed(2),
	})
}

// AcknowledgeDrawdown clears the sticky drawdown breach after operator
// review. The peak is not reset, so a renewed decline re-breaches sooner.
func (m *Manager) AcknowledgeDrawdown(ctx context.Context) {
	m.drawdown.Reset()
	m.logger.Warn(ctx, "Drawdown breach acknowledged, trading re-enabled",
		map[string]interface{}{"peak_equity": m.drawdown.Peak().StringFixed(2)})
}

// ForceHalt trips the circuit breaker immediately, e.g. on operator command
// or a sustained connectivity failure.
func (m *Manager) ForceHalt(reason string) {
	m.breaker.ForceTrip(reason)
}

// Halted reports whether the circuit breaker currently blocks new orders.
func (m *Manager) Halted() bool {
	return !m.breaker.Allow()
}

// Breaker exposes the circuit breaker for status reads.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// Drawdown exposes the drawdown monitor for status reads.
func (m *Manager) Drawdown() *DrawdownMonitor { return m.drawdown }

// Slippage exposes the slippage checker for status reads.
func (m *Manager) Slippage() *SlippageChecker { return m.slippage }

// Snapshot returns a deep copy of the current account state.
func (m *Manager) Snapshot() *domain.AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account.Clone()
}

// Position returns the current signed position for a symbol.
func (m *Manager) Position(symbol string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account.Positions[symbol]
}

// PendingReservation returns the reserved in-flight quantity for a symbol.
func (m *Manager) PendingReservation(symbol string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[symbol]
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.symMu.Lock()
	defer m.symMu.Unlock()
	lock, ok := m.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symLocks[symbol] = lock
	}
	return lock
}

func (m *Manager) blocked(reason domain.RiskReason, details string, at time.Time) domain.RiskCheckResult {
	metrics.CountRiskBlocked(string(reason))
	return domain.RiskCheckResult{Allowed: false, Reason: reason, Details: details, Timestamp: at}
}

// sendAlert delivers asynchronously: trip and drawdown handlers fire on the
// quote read loop, which must never stall behind a slow sink.
func (m *Manager) sendAlert(title, content string, level domain.AlertLevel) {
	alert := domain.Alert{
		Title:     title,
		Content:   content,
		Level:     level,
		Timestamp: m.cfg.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.alerts.Send(ctx, alert); err != nil {
			m.logger.Error(ctx, err, "Failed to deliver alert", map[string]interface{}{"title": title})
		}
	}()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
