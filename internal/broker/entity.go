package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore"
)

// entity is the shared document-access core. Root entities are bound at
// construction (path "", the document root); embedded entities start
// unbound and are attached to a parent key and dot path on load. Every
// mutation runs under the root key's lock plus an optimistic watch, so a
// concurrent delete or overwrite surfaces as ErrStaleWrite instead of a
// silent lost update.
type entity struct {
	b     *Broker
	key   string
	path  string
	bound bool
}

func (e *entity) bindTo(b *Broker, key, path string) {
	e.b = b
	e.key = key
	e.path = path
	e.bound = true
}

func (e *entity) fieldPath(field string) string {
	return e.path + "." + field
}

// fetchFields loads the named document fields and returns them keyed by
// field name.
func (e *entity) fetchFields(ctx context.Context, fields []string) (map[string]json.RawMessage, error) {
	paths := make([]string, len(fields))
	for i, f := range fields {
		paths[i] = e.fieldPath(f)
	}
	raw, err := e.b.store.JSONGet(ctx, e.key, paths...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields))
	for i, f := range fields {
		if v, ok := raw[paths[i]]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// mutate wraps one locked, watched read/modify/write cycle on the root key.
func (e *entity) mutate(ctx context.Context, fn func(p keystore.Pipe) error) error {
	if e.b == nil || !e.bound {
		return fmt.Errorf("mutate: %w", errs.ErrNotBound)
	}
	lock, err := e.b.store.Lock(ctx, e.key+lockSuffix, e.b.cfg.LockTTL, e.b.cfg.LockAcquireTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			e.b.log.Warn("lock release", zap.String("key", e.key), zap.Error(rerr))
		}
	}()
	return e.b.store.Watch(ctx, func(tx keystore.Tx) error {
		n, err := tx.Exists(ctx, e.key)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("mutate %s: %w", e.key, errs.ErrNotFound)
		}
		return tx.Pipelined(ctx, fn)
	}, e.key)
}

func (e *entity) appendField(ctx context.Context, field string, values ...any) error {
	return e.mutate(ctx, func(p keystore.Pipe) error {
		p.JSONArrAppend(e.key, e.fieldPath(field), values...)
		return nil
	})
}

func (e *entity) trimField(ctx context.Context, field string, start, stop int) error {
	return e.mutate(ctx, func(p keystore.Pipe) error {
		p.JSONArrTrim(e.key, e.fieldPath(field), start, stop)
		return nil
	})
}

func (e *entity) setField(ctx context.Context, field string, value any) error {
	return e.mutate(ctx, func(p keystore.Pipe) error {
		p.JSONSet(e.key, e.fieldPath(field), value)
		return nil
	})
}

// updateField merges entries into a map field, one JSON set per key.
func (e *entity) updateField(ctx context.Context, field string, entries map[string]any) error {
	return e.mutate(ctx, func(p keystore.Pipe) error {
		for k, v := range entries {
			p.JSONSet(e.key, e.fieldPath(field)+"."+k, v)
		}
		return nil
	})
}

func (e *entity) clearField(ctx context.Context, field string) error {
	return e.mutate(ctx, func(p keystore.Pipe) error {
		p.JSONClear(e.key, e.fieldPath(field))
		return nil
	})
}

// expireCascade applies one lifetime to every key atomically. ttl > 0 sets
// the TTL; ttl <= 0 persists. The raw store call never sees a negative
// value (redis would treat it as a delete).
func (e *entity) expireCascade(ctx context.Context, ttl time.Duration, keys []string) error {
	return e.b.store.TxPipelined(ctx, func(p keystore.Pipe) error {
		expireKeys(p, ttl, keys)
		return nil
	})
}

func expireKeys(p keystore.Pipe, ttl time.Duration, keys []string) {
	for _, k := range keys {
		if ttl > 0 {
			p.Expire(k, ttl)
		} else {
			p.Persist(k)
		}
	}
}

// resolveFields picks the refresh set: explicit include, everything except
// exclude, or the type default. Passing both include and exclude is
// ErrInvalidOperation.
func resolveFields(all, include, exclude, def []string) ([]string, error) {
	if include != nil && exclude != nil {
		return nil, fmt.Errorf("refresh: both include and exclude: %w", errs.ErrInvalidOperation)
	}
	switch {
	case include != nil:
		return intersect(all, include), nil
	case exclude != nil:
		return subtract(all, exclude), nil
	default:
		return def, nil
	}
}

func intersect(all, want []string) []string {
	var out []string
	for _, f := range all {
		if slices.Contains(want, f) {
			out = append(out, f)
		}
	}
	return out
}

func subtract(all, drop []string) []string {
	var out []string
	for _, f := range all {
		if !slices.Contains(drop, f) {
			out = append(out, f)
		}
	}
	return out
}
