package domain

import "time"

// RiskReason identifies why a pre-trade check rejected (or passed) an intent.
type RiskReason string

const (
	ReasonOK               RiskReason = "ok"
	ReasonSessionClosed    RiskReason = "session_closed"
	ReasonCircuitBreaker   RiskReason = "circuit_breaker_tripped"
	ReasonDrawdownBreached RiskReason = "drawdown_breached"
	ReasonPositionLimit    RiskReason = "position_limit"
	ReasonOrderValue       RiskReason = "order_value"
	ReasonOrderRate        RiskReason = "order_rate"
	ReasonShortDisabled    RiskReason = "short_disabled"
)

// RiskCheckResult is the outcome of a single pre-trade check.
// Produced fresh per check, never mutated.
type RiskCheckResult struct {
	Allowed   bool
	Reason    RiskReason
	Details   string
	Timestamp time.Time
}

// AlertWorthy reports whether a rejection warrants an alert rather than a log line.
func (r RiskCheckResult) AlertWorthy() bool {
	return r.Reason == ReasonCircuitBreaker || r.Reason == ReasonDrawdownBreached
}
