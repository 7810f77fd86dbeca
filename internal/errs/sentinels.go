// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across keystore/broker layers.
var (
	// ErrNotFound indicates the root document or a required key is absent
	// where presence was assumed (refresh, expire, token lookup).
	ErrNotFound = errors.New("not found")

	// ErrNotBound indicates a mutation on an embedded entity that has not
	// been attached to a parent document path yet.
	ErrNotBound = errors.New("entity not bound")

	// ErrInvalidOperation indicates a call with conflicting arguments, e.g.
	// refresh with both include and exclude field sets.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrTypeMismatch indicates a stream payload that fails validation for
	// its declared kind.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInconsistentState indicates exactly one key of a required key pair
	// exists. Repairable by configuration, otherwise fatal.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrLockTimeout indicates the distributed lock was not acquired within
	// the blocking timeout. Callers may retry.
	ErrLockTimeout = errors.New("lock acquire timeout")

	// ErrStaleWrite indicates a concurrent modification was detected by the
	// optimistic watch. Callers should retry the whole read/modify/write.
	ErrStaleWrite = errors.New("stale write")

	// ErrInvalidToken indicates a capability token whose secret is gone or
	// whose ciphertext does not decrypt.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoValidToken indicates polling for a fresh user token timed out.
	ErrNoValidToken = errors.New("no valid token")

	// ErrUnauthorized indicates failed credential verification.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates an attempt to create a record whose key is
	// already taken.
	ErrAlreadyExists = errors.New("already exists")
)
