package bus

import "errors"

// Domain-specific errors for bus operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidTopic is returned for malformed topics or topic patterns.
	ErrInvalidTopic = errors.New("bus: invalid topic")

	// ErrUnauthorized is returned when credentials conflict with the
	// connection's or the broker refuses access.
	ErrUnauthorized = errors.New("bus: unauthorized")

	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrClosed is returned after the bus has been closed.
	ErrClosed = errors.New("bus: closed")

	// ErrNilHandler is returned when Subscribe is called without a handler.
	ErrNilHandler = errors.New("bus: handler cannot be nil")
)
