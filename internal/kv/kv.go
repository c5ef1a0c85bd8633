// Package kv defines the distributed key/value store used for handle metadata,
// processed markers and shared response cache entries.
package kv

import (
	"context"
	"time"
)

// Store is a byte-valued key/value store with per-key expiry.
// A ttl of zero means the key does not expire.
type Store interface {
	// Get returns the value or errs.ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes the value unconditionally.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX writes the value only if the key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// Exists reports whether a live value is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Expire resets the expiry of an existing key; errs.ErrNotFound if absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes the key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
