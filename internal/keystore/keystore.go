// Package keystore defines the contract this service expects from the
// remote key-value store: JSON documents addressed by legacy dot paths,
// append-only streams, key expiry, optimistic WATCH transactions and a
// blocking distributed lock. The redis implementation lives in this
// package; an in-memory implementation for tests lives in storetest.
package keystore

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a single stream record in arrival order.
type Entry struct {
	ID     string
	Fields map[string]string
}

// XAddArgs describes a stream append with optional post-append trimming.
type XAddArgs struct {
	Stream string
	Values map[string]any

	// MaxLen > 0 trims the stream to roughly MaxLen after the append.
	// Exact forces a strict trim; Limit caps removals per call and is only
	// honored for approximate trims.
	MaxLen int64
	Exact  bool
	Limit  int64

	// NoMkStream makes the append fail with ErrNotFound instead of creating
	// a missing stream key.
	NoMkStream bool
}

// Pipe queues commands inside a MULTI/EXEC body. Queued commands are applied
// atomically when the body commits.
type Pipe interface {
	JSONSet(key, path string, value any)
	JSONArrAppend(key, path string, values ...any)
	JSONArrTrim(key, path string, start, stop int)
	JSONClear(key, path string)
	Set(key, value string)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	Persist(key string)
	// XInit creates an empty stream key (XADD MAXLEN 0).
	XInit(key string)
}

// Tx is the body of an optimistic transaction: reads observe the watched
// snapshot, writes go through a single Pipelined MULTI/EXEC.
type Tx interface {
	Exists(ctx context.Context, keys ...string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Pipelined(ctx context.Context, fn func(Pipe) error) error
}

// Lock is a held distributed lock. Release is safe to defer; releasing a
// lock that already auto-expired is not an error surfaced to callers.
type Lock interface {
	Release(ctx context.Context) error
}

// Store is the key-value store contract.
//
// TTL semantics: a missing key yields ErrNotFound, a persistent key yields
// zero, otherwise the remaining time to live is returned.
type Store interface {
	// JSONGet fetches the given document paths and returns them keyed by the
	// exact requested path. A missing key or path yields ErrNotFound.
	JSONGet(ctx context.Context, key string, paths ...string) (map[string]json.RawMessage, error)

	// JSONSetNX writes value at path only if it is absent and reports
	// whether anything was created.
	JSONSetNX(ctx context.Context, key, path string, value any) (bool, error)

	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	// XAdd appends to a stream and returns the new entry id. With
	// NoMkStream set, an absent stream yields ErrNotFound.
	XAdd(ctx context.Context, args XAddArgs) (string, error)

	// XRead returns entries strictly after the given id ("$" means entries
	// arriving from now on). block < 0 returns immediately, block == 0
	// waits indefinitely for at least one entry, block > 0 waits at most
	// that long. No entries is not an error; the result is empty.
	XRead(ctx context.Context, key, from string, count int64, block time.Duration) ([]Entry, error)

	XLen(ctx context.Context, key string) (int64, error)

	// Watch runs fn under WATCH of the given keys. A concurrent touch of a
	// watched key between watch and commit aborts the transaction with
	// ErrStaleWrite.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// TxPipelined runs fn as a plain MULTI/EXEC batch without watching.
	TxPipelined(ctx context.Context, fn func(Pipe) error) error

	// Lock blocks until the named lock is acquired or acquireTimeout
	// elapses (ErrLockTimeout). A held lock auto-expires after ttl even if
	// never released.
	Lock(ctx context.Context, key string, ttl, acquireTimeout time.Duration) (Lock, error)
}
