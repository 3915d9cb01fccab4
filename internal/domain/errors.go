package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrLockHeld             = errors.New("lock already held")
	ErrStaleTransition      = errors.New("market is no longer in the expected status")
	ErrCreationInFlight     = errors.New("market creation already in flight")
	ErrValidationRejected   = errors.New("validation rejected")
	ErrOracleUnavailable    = errors.New("oracle unavailable")
	ErrEvidenceInsufficient = errors.New("evidence insufficient")
	ErrDeploymentFailed     = errors.New("deployment failed")
	ErrCorrelationFull      = errors.New("correlation registry at capacity")
)
