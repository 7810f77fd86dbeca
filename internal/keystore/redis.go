package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/chatbone/broker/internal/errs"
)

// Client implements Store on top of go-redis with RedisJSON and the
// redislock mutual-exclusion primitive.
type Client struct {
	rdb    *redis.Client
	locker *redislock.Client
}

var _ Store = (*Client)(nil)

// NewClient wraps an already-connected redis client. The caller owns the
// client lifecycle.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, locker: redislock.New(rdb)}
}

// normPath maps our root-path convention ("") onto the legacy redis one.
func normPath(path string) string {
	if path == "" {
		return "."
	}
	return path
}

func (c *Client) JSONGet(ctx context.Context, key string, paths ...string) (map[string]json.RawMessage, error) {
	args := make([]string, len(paths))
	for i, p := range paths {
		args[i] = normPath(p)
	}
	res, err := c.rdb.JSONGet(ctx, key, args...).Result()
	if err != nil {
		return nil, mapJSONErr(key, err)
	}
	if res == "" {
		return nil, fmt.Errorf("jsonget %s: %w", key, errs.ErrNotFound)
	}
	out := make(map[string]json.RawMessage, len(paths))
	if len(paths) == 1 {
		out[paths[0]] = json.RawMessage(res)
		return out, nil
	}
	if err := json.Unmarshal([]byte(res), &out); err != nil {
		return nil, fmt.Errorf("jsonget %s: decode reply: %w", key, err)
	}
	return out, nil
}

func (c *Client) JSONSetNX(ctx context.Context, key, path string, value any) (bool, error) {
	buf, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("jsonsetnx %s: %w", key, err)
	}
	if err := c.rdb.JSONSetMode(ctx, key, normPath(path), string(buf), "NX").Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
	}
	return v, err
}

func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Exists(ctx, keys...).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	return normalizeTTL(key, d, err)
}

func (c *Client) XAdd(ctx context.Context, args XAddArgs) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream:     args.Stream,
		NoMkStream: args.NoMkStream,
		MaxLen:     args.MaxLen,
		Approx:     !args.Exact,
		Limit:      args.Limit,
		Values:     args.Values,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, errs.ErrNotFound)
	}
	return id, err
}

func (c *Client) XRead(ctx context.Context, key, from string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, from},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprint(v)
			}
			out = append(out, Entry{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (c *Client) XLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.XLen(ctx, key).Result()
}

func (c *Client) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&redisTx{tx: tx})
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("watch %v: %w", keys, errs.ErrStaleWrite)
	}
	return err
}

func (c *Client) TxPipelined(ctx context.Context, fn func(Pipe) error) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(&redisPipe{ctx: ctx, p: p})
	})
	return err
}

func (c *Client) Lock(ctx context.Context, key string, ttl, acquireTimeout time.Duration) (Lock, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	l, err := c.locker.Obtain(acquireCtx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock %s after %s: %w", key, acquireTimeout, errs.ErrLockTimeout)
		}
		return nil, err
	}
	return &redisLock{l: l}, nil
}

type redisLock struct{ l *redislock.Lock }

func (r *redisLock) Release(ctx context.Context) error {
	if err := r.l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}

type redisTx struct{ tx *redis.Tx }

func (t *redisTx) Exists(ctx context.Context, keys ...string) (int64, error) {
	return t.tx.Exists(ctx, keys...).Result()
}

func (t *redisTx) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := t.tx.TTL(ctx, key).Result()
	return normalizeTTL(key, d, err)
}

func (t *redisTx) Pipelined(ctx context.Context, fn func(Pipe) error) error {
	_, err := t.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(&redisPipe{ctx: ctx, p: p})
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("exec: %w", errs.ErrStaleWrite)
	}
	return err
}

type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (r *redisPipe) JSONSet(key, path string, value any) {
	buf, err := json.Marshal(value)
	if err != nil {
		// Surfaces on EXEC as an argument error; values come from our own
		// document structs so this does not happen in practice.
		buf = []byte("null")
	}
	r.p.JSONSet(r.ctx, key, normPath(path), string(buf))
}

func (r *redisPipe) JSONArrAppend(key, path string, values ...any) {
	args := make([]any, 0, len(values))
	for _, v := range values {
		buf, err := json.Marshal(v)
		if err != nil {
			buf = []byte("null")
		}
		args = append(args, string(buf))
	}
	r.p.JSONArrAppend(r.ctx, key, path, args...)
}

func (r *redisPipe) JSONArrTrim(key, path string, start, stop int) {
	r.p.JSONArrTrimWithArgs(r.ctx, key, path, &redis.JSONArrTrimArgs{Start: start, Stop: &stop})
}

func (r *redisPipe) JSONClear(key, path string) {
	r.p.JSONClear(r.ctx, key, path)
}

func (r *redisPipe) Set(key, value string) {
	r.p.Set(r.ctx, key, value, 0)
}

func (r *redisPipe) Del(keys ...string) {
	r.p.Del(r.ctx, keys...)
}

func (r *redisPipe) Expire(key string, ttl time.Duration) {
	r.p.Expire(r.ctx, key, ttl)
}

func (r *redisPipe) Persist(key string) {
	r.p.Persist(r.ctx, key)
}

func (r *redisPipe) XInit(key string) {
	// XADD MAXLEN 0 creates the stream key and immediately trims the
	// placeholder entry away, leaving an empty stream.
	r.p.Do(r.ctx, "xadd", key, "maxlen", "0", "*", "init", "init")
}

// normalizeTTL maps redis TTL replies (-2 missing, -1 persistent) onto the
// Store contract (ErrNotFound / zero).
func normalizeTTL(key string, d time.Duration, err error) (time.Duration, error) {
	if err != nil {
		return 0, err
	}
	switch d {
	case -2:
		return 0, fmt.Errorf("ttl %s: %w", key, errs.ErrNotFound)
	case -1:
		return 0, nil
	}
	return d, nil
}

func mapJSONErr(key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("jsonget %s: %w", key, errs.ErrNotFound)
	}
	// Legacy-path JSON.GET reports a missing path as an error reply.
	if strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("jsonget %s: %w", key, errs.ErrNotFound)
	}
	return err
}
