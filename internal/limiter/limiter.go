// Package limiter throttles calls to the upstream protocol and guards login attempts.
package limiter

import (
	"context"
	"time"
)

// Guard controls repeated failed login steps and temporary lockouts per (user, phone).
type Guard interface {
	// Allow reports whether a login step is currently allowed and an optional retry-after.
	Allow(ctx context.Context, userID string, phoneHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, userID string, phoneHash []byte) error
	// Failure records a rejected code or password; may place a temporary block.
	Failure(ctx context.Context, userID string, phoneHash []byte) (bool, time.Duration, error)
}

// Nop is a Guard that never blocks.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error                      { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
