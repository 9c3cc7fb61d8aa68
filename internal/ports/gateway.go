package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/internal/domain"
)

// SubmitStatus is the business outcome of an order submission. Gateway
// responses are modeled as a closed set rather than loose payloads; transport
// failures are reported separately as errors.
type SubmitStatus int

const (
	SubmitAccepted SubmitStatus = iota
	SubmitRejected
)

// SubmitResult holds the gateway's answer to submit-order.
type SubmitResult struct {
	Status         SubmitStatus
	GatewayOrderID string
	Reason         string // verbatim gateway reason when rejected
}

// FillStatus is the state of an order as reported by query-fill.
type FillStatus int

const (
	FillPending FillStatus = iota
	FillDone
	FillRejected
)

// FillReport holds the gateway's answer to query-fill.
type FillReport struct {
	Status FillStatus
	Qty    int64
	Price  decimal.Decimal
	Time   time.Time
	Reason string
}

// OrderRequest is the wire-level order sent to the gateway. LimitPrice zero
// means a market order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.Side // long or short only at the wire
	Qty           int64
	LimitPrice    decimal.Decimal
}

// Quote is one immutable price tick from the gateway's quote stream.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// BrokerConn is a single authenticated session to the brokerage gateway.
// All calls may fail with a connectivity error independent of business outcome.
type BrokerConn interface {
	// SubmitOrder places an order and returns the gateway's accept/reject answer.
	SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error)

	// QueryFill resolves the execution state of a previously submitted order.
	// Accepts the gateway order ID, or the client order ID when the
	// acceptance was never acknowledged.
	QueryFill(ctx context.Context, orderID string) (*FillReport, error)

	// SubscribeQuote starts streaming price ticks for a symbol to the handler.
	SubscribeQuote(ctx context.Context, symbol string, handler func(Quote)) error

	// Ping verifies the session is alive.
	Ping(ctx context.Context) error

	// Close tears the session down.
	Close() error
}

// BrokerDialer establishes new gateway sessions; owned by the connection pool.
type BrokerDialer interface {
	Dial(ctx context.Context) (BrokerConn, error)
}
