package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// Admission errors are synchronous and caller-correctable.
	ErrSessionNotRecruiting = errors.New("session is not recruiting")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrAlreadyParticipating = errors.New("already participating")
	ErrNotParticipating     = errors.New("not participating")

	// ErrInvalidStatus is returned when an operation is requested against a
	// session whose lifecycle state does not allow it.
	ErrInvalidStatus = errors.New("invalid session status")

	// Configuration errors are raised at session creation and block it.
	ErrInvalidPricingTable = errors.New("invalid pricing table")
	ErrInvalidTimeline     = errors.New("invalid timeline")
	ErrInvalidCapacity     = errors.New("invalid capacity")

	// Payment errors are operational failures of the external gateway.
	ErrPaymentFailed = errors.New("payment failed")
	ErrRefundFailed  = errors.New("refund failed")

	// Infrastructure errors.
	ErrLockHeld    = errors.New("lock already held")
	ErrRateLimited = errors.New("rate limited")
)
