package status

import "errors"

// Caller-visible decisions. These propagate unchanged to handlers.
var (
	ErrNotFound       = errors.New("store: record not found")
	ErrInvalidInput   = errors.New("input: malformed identifier")
	ErrQuotaExhausted = errors.New("voucher: event quota exhausted")
	ErrAlreadyUsed    = errors.New("voucher: voucher already used")
	ErrLockConflict   = errors.New("lease: event is locked by another user")
	ErrNotHolder      = errors.New("lease: caller is not the lease holder")
	ErrLeaseInvalid   = errors.New("lease: lease expired or not held")
)

// Faults absorbed by bounded internal retry.
var (
	ErrTransientConflict    = errors.New("store: transient write conflict")
	ErrCodeCollision        = errors.New("voucher: code collision")
	ErrRetryBudgetExhausted = errors.New("store: retry budget exhausted")
)

// Job pipeline.
var (
	ErrDeliveryFailure = errors.New("job: delivery failed")
	ErrUnrecoverable   = errors.New("job: unrecoverable failure")
	ErrJobNotFound     = errors.New("job: job not found")
	ErrJobNotFailed    = errors.New("job: job is not in failed state")
	ErrUnknownJobKind  = errors.New("job: unknown job kind")
	ErrBadTransition   = errors.New("job: invalid state transition")
)

// IsRetryable reports whether err is a store fault worth retrying with a fresh attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict) || errors.Is(err, ErrCodeCollision)
}
