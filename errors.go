package flare

import "errors"

var (
	// ErrMaskConfig reports a malformed hyperparameter mask. Returned from
	// model construction; never recovered internally.
	ErrMaskConfig = errors.New("flare: invalid hyperparameter mask")

	// ErrNotPositiveDefinite reports a covariance matrix that failed
	// Cholesky factorization.
	ErrNotPositiveDefinite = errors.New("flare: covariance matrix not positive definite")

	// ErrStaleFactors reports a prediction attempted while the cached
	// factorization disagrees with the training set size.
	ErrStaleFactors = errors.New("flare: factorization out of date with training set")

	// ErrNoStrategy reports that no optimization branch executed.
	ErrNoStrategy = errors.New("flare: no optimization strategy executed")

	// ErrUnsupportedFormat reports an unrecognized model persistence format.
	ErrUnsupportedFormat = errors.New("flare: unsupported model format")
)
