package estimator

import "errors"

// Domain-specific errors for the estimator.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotReady is returned until the filter has been seeded with a first
	// observation.
	ErrNotReady = errors.New("estimator: not ready")

	// ErrOutlierRejected is returned when a sample is discarded. The prior
	// estimate is kept.
	ErrOutlierRejected = errors.New("estimator: outlier rejected")

	// ErrUnknownChannel is returned for observations on unconfigured channels.
	ErrUnknownChannel = errors.New("estimator: unknown channel")

	// ErrInvalidConfig is returned for non-positive noise parameters.
	ErrInvalidConfig = errors.New("estimator: invalid config")
)
