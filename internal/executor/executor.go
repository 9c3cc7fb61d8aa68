// Package executor turns approved trading decisions into gateway orders and
// resolves their outcomes. It owns the submit/poll lifecycle but never risk
// policy: callers gate intents through the risk manager first.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockHftBot/internal/connpool"
	"stockHftBot/internal/domain"
	"stockHftBot/internal/metrics"
	"stockHftBot/internal/ports"
	"stockHftBot/internal/session"
)

const defaultPollInterval = 200 * time.Millisecond

// PositionSource answers current signed positions; used to size flatten
// orders. The risk manager satisfies this.
type PositionSource interface {
	Position(symbol string) int64
}

// Config holds the executor's timing policy.
type Config struct {
	OrderTimeout time.Duration // budget for submit plus fill confirmation
	PollInterval time.Duration // fill-query cadence, defaults to 200ms
	Now          func() time.Time
}

// Result is the terminal (or timed-out) outcome of one execution attempt.
// Fill is nil unless the order filled.
type Result struct {
	Order *domain.Order
	Fill  *domain.Fill
}

// Executor submits orders through the connection pool and polls them to a
// terminal state. An order that cannot be confirmed within the timeout is
// left pending for Reconcile; the executor never resubmits on its own.
type Executor struct {
	cfg       Config
	pool      *connpool.Pool
	sessions  *session.Manager
	positions PositionSource
	logger    ports.Logger
}

// New creates an executor.
func New(cfg Config, pool *connpool.Pool, sessions *session.Manager, positions PositionSource, logger ports.Logger) (*Executor, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager cannot be nil")
	}
	if positions == nil {
		return nil, fmt.Errorf("position source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.OrderTimeout <= 0 {
		return nil, fmt.Errorf("order timeout must be positive")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{cfg: cfg, pool: pool, sessions: sessions, positions: positions, logger: logger}, nil
}

// Long opens or adds to a long position.
func (e *Executor) Long(ctx context.Context, symbol string, qty int64, refPrice decimal.Decimal) (*Result, error) {
	return e.execute(ctx, symbol, domain.SideLong, qty, qty, refPrice)
}

// Short opens or adds to a short position.
func (e *Executor) Short(ctx context.Context, symbol string, qty int64, refPrice decimal.Decimal) (*Result, error) {
	return e.execute(ctx, symbol, domain.SideShort, qty, -qty, refPrice)
}

// Flat closes the symbol's open position, long or short. With no open
// position it succeeds immediately as a zero-quantity no-op.
func (e *Executor) Flat(ctx context.Context, symbol string, refPrice decimal.Decimal) (*Result, error) {
	pos := e.positions.Position(symbol)
	if pos == 0 {
		e.logger.Debug(ctx, "Flatten is a no-op, no open position",
			map[string]interface{}{"symbol": symbol})
		return &Result{Order: &domain.Order{
			ID:         uuid.New().String(),
			Symbol:     symbol,
			Side:       domain.SideFlat,
			SubmitTime: e.cfg.Now(),
			Status:     domain.OrderFilled,
		}}, nil
	}
	return e.execute(ctx, symbol, domain.SideFlat, abs64(pos), -pos, refPrice)
}

// execute runs one full order lifecycle: acquire a session, submit, poll to
// a terminal state within the order timeout.
func (e *Executor) execute(ctx context.Context, symbol string, side domain.Side, qty, delta int64, refPrice decimal.Decimal) (*Result, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", ports.ErrInvalidRequest, qty)
	}

	order := &domain.Order{
		ID:             uuid.New().String(),
		Symbol:         symbol,
		Side:           side,
		RequestedQty:   qty,
		PositionDelta:  delta,
		RequestedPrice: refPrice,
		SubmitTime:     e.cfg.Now(),
		Status:         domain.OrderPending,
	}
	res := &Result{Order: order}

	handle, err := e.pool.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("acquiring gateway session: %w", err)
	}
	defer e.pool.Release(handle)

	req := ports.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        symbol,
		Side:          wireSide(delta),
		Qty:           qty,
	}
	// Market orders only during the regular session; outside it the order is
	// priced as a limit at the reference price.
	if !e.sessions.MarketOrdersAllowed(e.sessions.Current()) {
		req.LimitPrice = refPrice
	}

	deadline := e.cfg.Now().Add(e.cfg.OrderTimeout)
	submitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	submit, err := handle.Conn().SubmitOrder(submitCtx, req)
	if err != nil {
		handle.MarkBroken()
		metrics.CountOrder("error")
		return res, fmt.Errorf("submitting order %s: %w", order.ID, err)
	}
	if submit.Status == ports.SubmitRejected {
		order.Status = domain.OrderRejected
		order.RejectReason = submit.Reason
		metrics.CountOrder("rejected")
		e.logger.Warn(ctx, "Order rejected by gateway", map[string]interface{}{
			"order_id": order.ID,
			"symbol":   symbol,
			"reason":   submit.Reason,
		})
		return res, nil
	}
	order.GatewayOrderID = submit.GatewayOrderID

	return e.pollFill(submitCtx, handle.Conn(), res)
}

// pollFill queries the order's execution state until it reaches a terminal
// status or the context deadline expires. On expiry the order stays pending;
// the caller resolves it later with Reconcile.
func (e *Executor) pollFill(ctx context.Context, conn ports.BrokerConn, res *Result) (*Result, error) {
	order := res.Order
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		report, err := conn.QueryFill(ctx, order.GatewayOrderID)
		if err != nil {
			if ctx.Err() != nil {
				metrics.CountOrder("timeout")
				return res, fmt.Errorf("order %s unresolved: %w", order.ID, ports.ErrTimeout)
			}
			return res, fmt.Errorf("querying fill for order %s: %w", order.ID, err)
		}
		if done := e.applyReport(order, report, res); done {
			return res, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			metrics.CountOrder("timeout")
			e.logger.Warn(context.Background(), "Order confirmation timed out, left pending",
				map[string]interface{}{"order_id": order.ID, "gateway_order_id": order.GatewayOrderID})
			return res, fmt.Errorf("order %s unresolved: %w", order.ID, ports.ErrTimeout)
		}
	}
}

// Reconcile resolves the state of a previously submitted order whose outcome
// is unknown. It performs a single query; a still-pending answer returns
// ErrTimeout again so the caller can retry on its own schedule. Orders whose
// acceptance was never acknowledged are queried by client order ID, which the
// gateway resolves alongside its own.
func (e *Executor) Reconcile(ctx context.Context, order *domain.Order) (*Result, error) {
	if order.IsTerminal() {
		return &Result{Order: order}, nil
	}
	queryID := order.GatewayOrderID
	if queryID == "" {
		queryID = order.ID
	}

	handle, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring gateway session: %w", err)
	}
	defer e.pool.Release(handle)

	res := &Result{Order: order}
	report, err := handle.Conn().QueryFill(ctx, queryID)
	if err != nil {
		handle.MarkBroken()
		return res, fmt.Errorf("reconciling order %s: %w", order.ID, err)
	}
	if done := e.applyReport(order, report, res); !done {
		return res, fmt.Errorf("order %s still pending: %w", order.ID, ports.ErrTimeout)
	}
	return res, nil
}

// applyReport folds a fill report into the order. Returns true when the
// order reached a terminal state.
func (e *Executor) applyReport(order *domain.Order, report *ports.FillReport, res *Result) bool {
	switch report.Status {
	case ports.FillDone:
		order.Status = domain.OrderFilled
		metrics.ObserveOrderLatency(e.cfg.Now().Sub(order.SubmitTime).Seconds())
		fillDelta := report.Qty
		if order.PositionDelta < 0 {
			fillDelta = -report.Qty
		}
		res.Fill = &domain.Fill{
			OrderID:       order.ID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Qty:           report.Qty,
			PositionDelta: fillDelta,
			Price:         report.Price,
			Time:          report.Time,
		}
		metrics.CountOrder("filled")
		e.logger.Info(context.Background(), "Order filled", map[string]interface{}{
			"order_id": order.ID,
			"symbol":   order.Symbol,
			"qty":      report.Qty,
			"price":    report.Price.StringFixed(2),
		})
		return true
	case ports.FillRejected:
		order.Status = domain.OrderRejected
		order.RejectReason = report.Reason
		metrics.CountOrder("rejected")
		e.logger.Warn(context.Background(), "Order rejected after acceptance", map[string]interface{}{
			"order_id": order.ID,
			"symbol":   order.Symbol,
			"reason":   report.Reason,
		})
		return true
	default:
		return false
	}
}

func wireSide(delta int64) domain.Side {
	if delta < 0 {
		return domain.SideShort
	}
	return domain.SideLong
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
