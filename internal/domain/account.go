package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountState is the single source of truth for cash, positions and equity.
// Exactly one live instance exists per process, owned by the risk manager;
// every other component sees copies produced by Clone.
type AccountState struct {
	Cash               decimal.Decimal
	Positions          map[string]int64           // signed quantity per symbol
	AvgCosts           map[string]decimal.Decimal // average entry price per open symbol
	Marks              map[string]decimal.Decimal // last known price per symbol
	Equity             decimal.Decimal            // cash + mark-to-market of positions
	PeakEquity         decimal.Decimal
	SessionStartEquity decimal.Decimal
	RealizedPnLToday   decimal.Decimal
}

// NewAccountState returns an account holding only cash.
func NewAccountState(initialCash decimal.Decimal) *AccountState {
	return &AccountState{
		Cash:               initialCash,
		Positions:          make(map[string]int64),
		AvgCosts:           make(map[string]decimal.Decimal),
		Marks:              make(map[string]decimal.Decimal),
		Equity:             initialCash,
		PeakEquity:         initialCash,
		SessionStartEquity: initialCash,
	}
}

// ApplyFill mutates the account with one fill and returns the realized PnL
// and quantity of any closed lot. Cash moves by the signed notional; average
// cost tracks the open lot; equity is re-marked using the fill price.
func (a *AccountState) ApplyFill(f Fill) (realized decimal.Decimal, closedQty int64) {
	realized = decimal.Zero
	delta := f.PositionDelta
	if delta == 0 {
		return realized, 0
	}

	pos := a.Positions[f.Symbol]
	avg := a.AvgCosts[f.Symbol]

	a.Cash = a.Cash.Sub(f.Price.Mul(decimal.NewFromInt(delta)))

	switch {
	case pos == 0 || sameSign(pos, delta):
		// Opening or adding: average cost blends in the new lot.
		total := abs64(pos) + abs64(delta)
		a.AvgCosts[f.Symbol] = avg.Mul(decimal.NewFromInt(abs64(pos))).
			Add(f.Price.Mul(decimal.NewFromInt(abs64(delta)))).
			Div(decimal.NewFromInt(total))
	default:
		// Reducing or flipping: realize PnL on the closed quantity.
		closedQty = min64(abs64(pos), abs64(delta))
		perShare := f.Price.Sub(avg)
		if pos < 0 {
			perShare = avg.Sub(f.Price)
		}
		realized = perShare.Mul(decimal.NewFromInt(closedQty))
		a.RealizedPnLToday = a.RealizedPnLToday.Add(realized)
		if abs64(delta) > abs64(pos) {
			// Flipped through zero: the remainder opens at the fill price.
			a.AvgCosts[f.Symbol] = f.Price
		}
	}

	newPos := pos + delta
	if newPos == 0 {
		delete(a.Positions, f.Symbol)
		delete(a.AvgCosts, f.Symbol)
	} else {
		a.Positions[f.Symbol] = newPos
	}

	a.SetMark(f.Symbol, f.Price)
	return realized, closedQty
}

// SetMark updates the last known price for a symbol and recomputes equity.
// PeakEquity only ever increases.
func (a *AccountState) SetMark(symbol string, price decimal.Decimal) {
	a.Marks[symbol] = price
	a.recomputeEquity()
}

func (a *AccountState) recomputeEquity() {
	eq := a.Cash
	for sym, qty := range a.Positions {
		mark, ok := a.Marks[sym]
		if !ok {
			mark = a.AvgCosts[sym]
		}
		eq = eq.Add(mark.Mul(decimal.NewFromInt(qty)))
	}
	a.Equity = eq
	if eq.GreaterThan(a.PeakEquity) {
		a.PeakEquity = eq
	}
}

// Clone returns a deep copy suitable for read-only consumers.
func (a *AccountState) Clone() *AccountState {
	c := &AccountState{
		Cash:               a.Cash,
		Positions:          make(map[string]int64, len(a.Positions)),
		AvgCosts:           make(map[string]decimal.Decimal, len(a.AvgCosts)),
		Marks:              make(map[string]decimal.Decimal, len(a.Marks)),
		Equity:             a.Equity,
		PeakEquity:         a.PeakEquity,
		SessionStartEquity: a.SessionStartEquity,
		RealizedPnLToday:   a.RealizedPnLToday,
	}
	for k, v := range a.Positions {
		c.Positions[k] = v
	}
	for k, v := range a.AvgCosts {
		c.AvgCosts[k] = v
	}
	for k, v := range a.Marks {
		c.Marks[k] = v
	}
	return c
}

// TradeLogEntry is one append-only record per fill. Qty is signed (+buy, -sell)
// so the log is replayable from an empty account plus initial cash.
type TradeLogEntry struct {
	ID                int64
	Date              time.Time
	Symbol            string
	Side              Side
	Qty               int64 // signed position delta
	Price             decimal.Decimal
	ResultingPosition int64
	ResultingCash     decimal.Decimal
}

// ReplayTradeLog reconstructs an AccountState deterministically from the
// append-only trade log and the configured initial cash.
func ReplayTradeLog(initialCash decimal.Decimal, entries []*TradeLogEntry) *AccountState {
	a := NewAccountState(initialCash)
	for _, e := range entries {
		a.ApplyFill(Fill{
			Symbol:        e.Symbol,
			Side:          e.Side,
			Qty:           abs64(e.Qty),
			PositionDelta: e.Qty,
			Price:         e.Price,
			Time:          e.Date,
		})
	}
	return a
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
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
