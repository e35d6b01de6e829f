package core

import (
	"context"
	"fmt"
	"strings"
)

// UserVerifier confirms that a username belongs to a known participant before
// it may join. Returning an error wrapping ErrUserNotRegistered rejects the
// join; any other error is reported as ErrVerifierUnavailable.
type UserVerifier interface {
	Verify(ctx context.Context, username string) error
}

// VerifierFunc adapts a function to UserVerifier.
type VerifierFunc func(ctx context.Context, username string) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, username string) error {
	return f(ctx, username)
}

// AllowList is a static UserVerifier.
type AllowList struct {
	users map[string]struct{}
}

// NewAllowList builds an AllowList from users. Blank names are ignored.
func NewAllowList(users ...string) *AllowList {
	set := make(map[string]struct{}, len(users))
	for _, user := range users {
		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		set[user] = struct{}{}
	}
	return &AllowList{users: set}
}

// Len returns the number of allowed users.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.users)
}

// Verify rejects usernames that are not on the list.
func (a *AllowList) Verify(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a != nil {
		if _, ok := a.users[username]; ok {
			return nil
		}
	}
	return fmt.Errorf("%q is not on the allow list: %w", username, ErrUserNotRegistered)
}
