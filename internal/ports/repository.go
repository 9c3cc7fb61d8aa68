package ports

import (
	"context"
	"time"

	"stockHftBot/internal/domain"
)

// TradeLogRepository defines the interface for the append-only trade log.
// The log must be replayable: applying all entries to an empty account plus
// initial cash reconstructs the final account state exactly.
type TradeLogRepository interface {
	// Append saves a new trade log entry and returns its assigned ID.
	Append(ctx context.Context, entry *domain.TradeLogEntry) (int64, error)
	// All retrieves every entry in insertion order.
	All(ctx context.Context) ([]*domain.TradeLogEntry, error)
	// Since retrieves entries recorded at or after the given time, in insertion order.
	Since(ctx context.Context, t time.Time) ([]*domain.TradeLogEntry, error)
	// CountToday counts entries recorded today.
	CountToday(ctx context.Context) (int, error)
}

// AlertSink receives structured alert events (circuit-breaker trips, drawdown
// breaches, slippage streaks, sustained connectivity failures). Delivery
// latency is the transport's concern, not the caller's.
type AlertSink interface {
	Send(ctx context.Context, alert domain.Alert) error
}

// DecisionProvider supplies directional intents from the external decision
// process (the AI layer). Returning nil with nil error means "no action".
type DecisionProvider interface {
	NextDecision(ctx context.Context) (*domain.Decision, error)
}
