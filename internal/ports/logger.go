package ports

import "context"

// Logger is the leveled logging port used across the trading core. Field
// maps carry structured context (symbol, order_id, reason); implementations
// merge them left to right. Keeping the core on this interface leaves the
// backend swappable (standard log, zerolog, zap) without touching risk or
// execution code.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs a message at Info level.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs a message at Warning level.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs an error alongside its message at Error level.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
