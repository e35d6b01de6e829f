package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Content type used for entry records persisted by object-store backends.
const ContentTypeJSON = "application/json"

// MaxUsernameBytes bounds the length of a queue username.
const MaxUsernameBytes = 256

// Sentinel errors returned by every backend.
var (
	// ErrAlreadyExists indicates InsertIfAbsent found an entry for the username.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrNotFound indicates the requested username has no entry.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotImplemented indicates the backend lacks the requested capability.
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("storage: closed")
	// ErrInvalidUsername indicates the username cannot be used as a store key.
	ErrInvalidUsername = errors.New("storage: invalid username")
)

// Entry is one participant's queue membership record.
type Entry struct {
	Username    string `json:"username"`
	OrderingKey int64  `json:"ordering_key"`
}

// Store defines the entry storage contract expected by the queue engine.
//
// The conditional primitives are atomic per username and the backend, not the
// caller, enforces them. ScanAll gives no snapshot guarantee: each entry may
// reflect a different point in time.
type Store interface {
	// InsertIfAbsent persists entry unless its username is already present,
	// in which case ErrAlreadyExists is returned.
	InsertIfAbsent(ctx context.Context, entry Entry) error
	// ReplaceIfPresent overwrites the ordering key of an existing entry and
	// returns ErrNotFound when the username is absent.
	ReplaceIfPresent(ctx context.Context, entry Entry) error
	// DeleteIfPresent removes the entry and returns ErrNotFound when absent.
	DeleteIfPresent(ctx context.Context, username string) error
	// ScanAll returns every current entry in no particular order.
	ScanAll(ctx context.Context) ([]Entry, error)
	// Close releases backend resources.
	Close() error
}

// Describer is implemented by backends that can report a human readable
// identity (scheme, bucket, table, path) for logs.
type Describer interface {
	Describe() string
}

// Describe returns the backend description when available.
func Describe(store Store) string {
	if d, ok := store.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", store)
}

// ValidateUsername checks that username can be stored by every backend.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if username != strings.TrimSpace(username) {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidUsername)
	}
	if len(username) > MaxUsernameBytes {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUsername, MaxUsernameBytes)
	}
	for _, r := range username {
		if r == '/' || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidUsername, r)
		}
	}
	return nil
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// IsConditional reports whether err is one of the conditional-write outcomes
// (ErrAlreadyExists or ErrNotFound) rather than an I/O failure.
func IsConditional(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound)
}
