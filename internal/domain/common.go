package domain

// Side represents the directional intent of an order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// OrderStatus represents the lifecycle state of an order.
// An order is terminal once its status leaves OrderPending.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// TradingEnv selects the brokerage gateway environment.
type TradingEnv string

const (
	EnvLive      TradingEnv = "live"
	EnvSimulated TradingEnv = "simulated"
)

// Session identifies the trading-hours window active at a point in time.
// Exactly one session is active at any instant.
type Session int

const (
	SessionClosed Session = iota
	SessionPreMarket
	SessionRegular
	SessionAfterHours
)

// String returns the string representation of the Session.
func (s Session) String() string {
	switch s {
	case SessionPreMarket:
		return "pre_market"
	case SessionRegular:
		return "regular"
	case SessionAfterHours:
		return "after_hours"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AlertLevel indicates the severity of an emitted alert event.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)
