package core

import (
	"errors"
	"fmt"
	"testing"

	"pkt.systems/mergelock/internal/storage"
)

func TestFailureMatchesByCode(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := fmt.Errorf("wrapped: %w", fail(CodeStoreUnavailable, "scan", cause))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected code match through wrapping")
	}
	if errors.Is(err, ErrPartialFailure) {
		t.Fatalf("different codes must not match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := Code(err); got != CodeStoreUnavailable {
		t.Fatalf("Code = %q", got)
	}
	if got := err.Error(); got != "wrapped: store_unavailable: scan: disk full" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	transient := storage.NewTransientError(errors.New("reset"))
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "already queued", err: ErrUserAlreadyQueued, want: true},
		{name: "not queued", err: ErrUserNotQueued, want: true},
		{name: "not holder", err: ErrNotLockHolder, want: true},
		{name: "already at back", err: ErrAlreadyAtBack, want: true},
		{name: "partial", err: fail(CodePartialFailure, "", transient), want: true},
		{name: "store transient", err: fail(CodeStoreUnavailable, "", transient), want: true},
		{name: "store permanent", err: fail(CodeStoreUnavailable, "", errors.New("denied")), want: false},
		{name: "invalid username", err: ErrInvalidUsername, want: false},
		{name: "not registered", err: ErrUserNotRegistered, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
