// Package estimator implements the growth-rate filter: a Kalman filter over
// [optical density, growth rate] that fuses one or more noisy observation
// channels.
//
// A Filter reports ErrNotReady until seeded with a first observation.
// Samples that are non-finite, too far from the prediction, or that would
// leave the covariance non positive semi-definite are rejected with
// ErrOutlierRejected and the prior estimate is kept. Callers treat both
// errors as recoverable.
//
// Matrix algebra uses gonum.org/v1/gonum/mat.
package estimator
