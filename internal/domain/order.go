package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a single order request submitted to the brokerage gateway.
// RequestedPrice is a reference price used for slippage and exposure math,
// not a limit price (the gateway receives a limit only outside regular hours).
type Order struct {
	ID             string          // Client order ID (UUID), assigned at creation
	GatewayOrderID string          // Gateway-assigned ID, set once accepted
	Symbol         string          // Trading symbol (e.g., "TQQQ")
	Side           Side            // Directional intent (long, short, flat)
	RequestedQty   int64           // Unsigned requested quantity
	PositionDelta  int64           // Signed quantity the order applies to the position (+buy, -sell)
	RequestedPrice decimal.Decimal // Reference price at submission time
	SubmitTime     time.Time       // When the order was submitted
	Status         OrderStatus     // Current lifecycle state
	RejectReason   string          // Gateway rejection reason, verbatim (if rejected)
}

// IsTerminal reports whether the order has left the pending state.
func (o *Order) IsTerminal() bool {
	return o.Status != OrderPending
}

// Fill records a confirmed execution for an order. Immutable once recorded.
type Fill struct {
	OrderID       string          // Client order ID of the originating order
	Symbol        string          // Trading symbol
	Side          Side            // Logical side of the originating order
	Qty           int64           // Unsigned filled quantity
	PositionDelta int64           // Signed quantity applied to the position
	Price         decimal.Decimal // Average fill price
	Time          time.Time       // Fill confirmation time
}

// Decision is a directional intent produced by the external decision process.
type Decision struct {
	Symbol         string
	Side           Side
	Qty            int64
	ReferencePrice decimal.Decimal
	Rationale      string
}

// Alert is a structured event emitted towards the alert sink.
type Alert struct {
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Level     AlertLevel `json:"level"`
	Timestamp time.Time  `json:"timestamp"`
}
