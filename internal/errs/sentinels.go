// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates a session or live handle is gone or failed validation.
	ErrExpired = errors.New("session expired")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates a call was refused or aborted by a rate limiter.
	ErrRateLimited = errors.New("rate limited")

	// ErrBlocked indicates too many failed login attempts for a phone number.
	ErrBlocked = errors.New("too many attempts")

	// ErrInvalidCode indicates the upstream rejected a verification code.
	ErrInvalidCode = errors.New("invalid verification code")

	// ErrInvalidPassword indicates the upstream rejected a two-factor password.
	ErrInvalidPassword = errors.New("invalid two-factor password")

	// ErrUpstream wraps generic failures of the upstream protocol.
	ErrUpstream = errors.New("upstream failure")

	// ErrCacheMiss indicates a cache backend has no live entry for a key.
	ErrCacheMiss = errors.New("cache miss")
)
