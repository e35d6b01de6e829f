package mergelock

import "pkt.systems/mergelock/internal/core"

// Failure is the error type returned by queue operations.
type Failure = core.Failure

// Sentinels for errors.Is checks against queue operation errors.
var (
	ErrUserAlreadyQueued   = core.ErrUserAlreadyQueued
	ErrUserNotQueued       = core.ErrUserNotQueued
	ErrNotLockHolder       = core.ErrNotLockHolder
	ErrAlreadyAtBack       = core.ErrAlreadyAtBack
	ErrPartialFailure      = core.ErrPartialFailure
	ErrStoreUnavailable    = core.ErrStoreUnavailable
	ErrInvalidUsername     = core.ErrInvalidUsername
	ErrUserNotRegistered   = core.ErrUserNotRegistered
	ErrVerifierUnavailable = core.ErrVerifierUnavailable
)

// Retryable reports whether a failed operation may be retried.
func Retryable(err error) bool {
	return core.Retryable(err)
}
