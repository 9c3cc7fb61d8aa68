package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Gateway Specific Errors
	ErrConnectionFailed      = errors.New("failed to connect to the brokerage gateway")
	ErrConnectionUnavailable = errors.New("no healthy gateway connection available")
	ErrPoolExhausted         = errors.New("connection pool exhausted")
	ErrPoolClosed            = errors.New("connection pool is shut down")
	ErrGatewayRejected       = errors.New("order rejected by gateway")
	ErrAuthenticationFailed  = errors.New("gateway authentication failed")
	ErrOrderNotFound         = errors.New("order not found on the gateway")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)
