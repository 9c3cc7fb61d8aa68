package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BreakerStatus is the state of the intraday circuit breaker.
type BreakerStatus int

const (
	BreakerNormal BreakerStatus = iota
	BreakerHalted
)

// String returns the string representation of the BreakerStatus.
func (s BreakerStatus) String() string {
	switch s {
	case BreakerNormal:
		return "normal"
	case BreakerHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	DailyLossLimit       decimal.Decimal // fraction of session-start equity; loss >= limit trips
	ConsecutiveLossLimit int             // losing closes in a row that trip independently
}

// CircuitBreaker halts trading when the intraday loss reaches the configured
// limit. The transition Normal -> Halted is one-way within a session: only an
// explicit Reset, issued at a session boundary, returns it to Normal.
type CircuitBreaker struct {
	mu                 sync.Mutex
	cfg                BreakerConfig
	status             BreakerStatus
	sessionStartEquity decimal.Decimal
	dailyLossPct       decimal.Decimal
	haltedSince        time.Time
	tripReason         string
	consecutiveLosses  int
	onTrip             func(reason string)
}

// NewCircuitBreaker creates a breaker in the Normal state with the given
// session-start equity.
func NewCircuitBreaker(cfg BreakerConfig, sessionStartEquity decimal.Decimal) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:                cfg,
		status:             BreakerNormal,
		sessionStartEquity: sessionStartEquity,
	}
}

// SetTripHandler registers a callback invoked once per trip, outside the lock.
func (cb *CircuitBreaker) SetTripHandler(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// Allow reports whether trading is permitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status == BreakerNormal
}

// Status returns the current breaker state.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}

// DailyLossPct returns the last computed intraday loss fraction (>= 0).
func (cb *CircuitBreaker) DailyLossPct() decimal.Decimal {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.dailyLossPct
}

// TripReason returns the reason recorded when the breaker halted.
func (cb *CircuitBreaker) TripReason() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripReason
}

// HaltedSince returns when the breaker tripped, if halted.
func (cb *CircuitBreaker) HaltedSince() (time.Time, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != BreakerHalted {
		return time.Time{}, false
	}
	return cb.haltedSince, true
}

// UpdateEquity re-evaluates the trip conditions against the current equity.
// closedTrade marks an update caused by a closing fill, with its realized PnL,
// which feeds the consecutive-loss counter.
func (cb *CircuitBreaker) UpdateEquity(currentEquity decimal.Decimal, tradePnL decimal.Decimal, closedTrade bool) {
	cb.mu.Lock()

	if cb.sessionStartEquity.IsPositive() {
		cb.dailyLossPct = cb.sessionStartEquity.Sub(currentEquity).Div(cb.sessionStartEquity)
		if cb.dailyLossPct.IsNegative() {
			cb.dailyLossPct = decimal.Zero
		}
	}

	if closedTrade {
		if tradePnL.IsNegative() {
			cb.consecutiveLosses++
		} else if tradePnL.IsPositive() {
			cb.consecutiveLosses = 0
		}
	}

	if cb.status == BreakerHalted {
		cb.mu.Unlock()
		return
	}

	var reason string
	switch {
	case cb.dailyLossPct.GreaterThanOrEqual(cb.cfg.DailyLossLimit):
		reason = "daily loss " + cb.dailyLossPct.StringFixed(4) + " reached limit " + cb.cfg.DailyLossLimit.StringFixed(4)
	case cb.cfg.ConsecutiveLossLimit > 0 && cb.consecutiveLosses >= cb.cfg.ConsecutiveLossLimit:
		reason = "consecutive losing trades reached limit"
	}
	if reason == "" {
		cb.mu.Unlock()
		return
	}
	cb.trip(reason)
}

// ForceTrip halts the breaker immediately, e.g. on an operator action or a
// slippage-streak policy decision.
func (cb *CircuitBreaker) ForceTrip(reason string) {
	cb.mu.Lock()
	if cb.status == BreakerHalted {
		cb.mu.Unlock()
		return
	}
	cb.trip(reason)
}

// trip transitions to Halted and releases the lock before notifying.
func (cb *CircuitBreaker) trip(reason string) {
	cb.status = BreakerHalted
	cb.haltedSince = time.Now()
	cb.tripReason = reason
	handler := cb.onTrip
	cb.mu.Unlock()
	if handler != nil {
		handler(reason)
	}
}

// Reset returns the breaker to Normal for a new session. This is the only
// path out of the Halted state.
func (cb *CircuitBreaker) Reset(sessionStartEquity decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.status = BreakerNormal
	cb.sessionStartEquity = sessionStartEquity
	cb.dailyLossPct = decimal.Zero
	cb.haltedSince = time.Time{}
	cb.tripReason = ""
	cb.consecutiveLosses = 0
}
