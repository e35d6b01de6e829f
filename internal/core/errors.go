package core

import (
	"errors"
	"fmt"

	"pkt.systems/mergelock/internal/storage"
)

// Failure codes reported by the engine.
const (
	CodeUserAlreadyQueued   = "user_already_queued"
	CodeUserNotQueued       = "user_not_queued"
	CodeNotLockHolder       = "not_lock_holder"
	CodeAlreadyAtBack       = "already_at_back"
	CodePartialFailure      = "partial_failure"
	CodeStoreUnavailable    = "store_unavailable"
	CodeInvalidUsername     = "invalid_username"
	CodeUserNotRegistered   = "user_not_registered"
	CodeVerifierUnavailable = "verifier_unavailable"
)

// Failure captures transport-neutral error details that adapters (CLI,
// webhooks) can map to their own representation.
type Failure struct {
	Code   string
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := f.Code
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches any Failure carrying the same code, so callers can compare
// against the sentinels below with errors.Is.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Code == f.Code
}

// Sentinels for errors.Is checks.
var (
	ErrUserAlreadyQueued   = &Failure{Code: CodeUserAlreadyQueued}
	ErrUserNotQueued       = &Failure{Code: CodeUserNotQueued}
	ErrNotLockHolder       = &Failure{Code: CodeNotLockHolder}
	ErrAlreadyAtBack       = &Failure{Code: CodeAlreadyAtBack}
	ErrPartialFailure      = &Failure{Code: CodePartialFailure}
	ErrStoreUnavailable    = &Failure{Code: CodeStoreUnavailable}
	ErrInvalidUsername     = &Failure{Code: CodeInvalidUsername}
	ErrUserNotRegistered   = &Failure{Code: CodeUserNotRegistered}
	ErrVerifierUnavailable = &Failure{Code: CodeVerifierUnavailable}
)

func fail(code, detail string, cause error) *Failure {
	return &Failure{Code: code, Detail: detail, Err: cause}
}

// Code extracts the failure code from err, or "" when err is not a Failure.
func Code(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the operation (after
// re-reading the queue where the failure says so).
func Retryable(err error) bool {
	switch Code(err) {
	case "", CodeInvalidUsername, CodeUserNotRegistered:
		return false
	case CodeStoreUnavailable, CodeVerifierUnavailable:
		return storage.IsTransient(err)
	default:
		return true
	}
}
