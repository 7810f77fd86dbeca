package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore"
)

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

var sessionFields = []string{"messages", "summaries", "urls"}

// ChatSession is an embedded entity: it has no store key of its own and
// lives inside a parent UserData document. A session built by
// NewChatSession is a plain value until the parent persists it and it is
// re-read through UserData.GetChatSessions (or a non-lazy token verify),
// which binds it to the parent's key and path. Mutations on an unbound
// session fail with ErrNotBound.
type ChatSession struct {
	entity

	ID        uuid.UUID `json:"id"`
	Messages  []Message `json:"messages"`
	Summaries []string  `json:"summaries"`
	URLs      []string  `json:"urls"`
}

// NewChatSession builds an unbound session value for attaching to a user.
func NewChatSession() *ChatSession {
	return &ChatSession{Messages: []Message{}, Summaries: []string{}, URLs: []string{}}
}

// Bound reports whether the session is attached to a parent document.
func (c *ChatSession) Bound() bool { return c.bound }

// CS2ASStreamRKey is the client-to-assistant stream key for this session.
func (c *ChatSession) CS2ASStreamRKey() string { return sessionStreamRKey(c.ID, "cs2as") }

// AS2CSStreamRKey is the assistant-to-client stream key for this session.
func (c *ChatSession) AS2CSStreamRKey() string { return sessionStreamRKey(c.ID, "as2cs") }

// subRKeys lists every store key whose lifetime follows the parent's.
func (c *ChatSession) subRKeys() []string {
	return []string{c.CS2ASStreamRKey(), c.AS2CSStreamRKey()}
}

func (c *ChatSession) AppendMessages(ctx context.Context, msgs ...Message) error {
	return c.appendField(ctx, "messages", toAny(msgs)...)
}

func (c *ChatSession) TrimMessages(ctx context.Context, start, stop int) error {
	return c.trimField(ctx, "messages", start, stop)
}

func (c *ChatSession) ClearMessages(ctx context.Context) error {
	return c.clearField(ctx, "messages")
}

func (c *ChatSession) AppendSummaries(ctx context.Context, summaries ...string) error {
	return c.appendField(ctx, "summaries", toAny(summaries)...)
}

func (c *ChatSession) TrimSummaries(ctx context.Context, start, stop int) error {
	return c.trimField(ctx, "summaries", start, stop)
}

func (c *ChatSession) AppendURLs(ctx context.Context, urls ...string) error {
	return c.appendField(ctx, "urls", toAny(urls)...)
}

func (c *ChatSession) SetURLs(ctx context.Context, urls []string) error {
	if urls == nil {
		urls = []string{}
	}
	return c.setField(ctx, "urls", urls)
}

// Refresh reloads the session's fields from its bound path and returns a
// new bound instance.
func (c *ChatSession) Refresh(ctx context.Context) (*ChatSession, error) {
	if c.b == nil || !c.bound {
		return nil, fmt.Errorf("refresh session: %w", errs.ErrNotBound)
	}
	raw, err := c.b.store.JSONGet(ctx, c.key, c.path)
	if err != nil {
		return nil, err
	}
	fresh := NewChatSession()
	if err := json.Unmarshal(raw[c.path], fresh); err != nil {
		return nil, err
	}
	fresh.entity = c.entity
	return fresh, nil
}

// StreamOpts scopes a GetStreams acquisition.
type StreamOpts struct {
	// WriteOnly / ReadOnly restrict which handles are built; both set is
	// ErrInvalidOperation, both clear yields all four.
	WriteOnly bool
	ReadOnly  bool
	// AcquireTimeout overrides the configured lock acquire timeout.
	AcquireTimeout time.Duration
	// NoRaiseOnLockFail leaves the write handles nil on ErrLockTimeout
	// instead of failing the whole acquisition.
	NoRaiseOnLockFail bool
}

// StreamHandles is one direction's write/read pair; either side may be nil
// depending on the requested roles.
type StreamHandles[T Payload] struct {
	Write *WriteStream[T]
	Read  *ReadStream[T]
}

// Streams is a scoped acquisition of a session's stream pair. Close must
// run on every exit path; it releases the write-role locks.
type Streams struct {
	AS2CS StreamHandles[AS2CS]
	CS2AS StreamHandles[CS2AS]

	log   *zap.Logger
	locks []keystore.Lock
}

// Close releases the write-role locks, if any were taken. Safe to call
// more than once.
func (s *Streams) Close(ctx context.Context) error {
	var first error
	for _, l := range s.locks {
		if err := l.Release(ctx); err != nil {
			s.log.Warn("stream lock release", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	s.locks = nil
	return first
}

// GetStreams lazily initializes the session's stream keys (their TTL
// synced to the parent document) and hands out stream handles. Requesting
// the write role takes an exclusive lock on both directions for the
// lifetime of the returned Streams, so at most one writer scope is active
// per session; read-only acquisition takes no lock and is unbounded in
// concurrent readers.
func (c *ChatSession) GetStreams(ctx context.Context, opts StreamOpts) (*Streams, error) {
	if opts.WriteOnly && opts.ReadOnly {
		return nil, fmt.Errorf("get streams: write-only and read-only: %w", errs.ErrInvalidOperation)
	}
	if c.b == nil || !c.bound {
		return nil, fmt.Errorf("get streams: %w", errs.ErrNotBound)
	}
	if err := c.initStreamKeys(ctx); err != nil {
		return nil, err
	}

	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = c.b.cfg.LockAcquireTimeout
	}

	streams := &Streams{log: c.b.log}
	if !opts.ReadOnly {
		locks, err := c.lockWriteRole(ctx, acquireTimeout)
		switch {
		case err == nil:
			streams.locks = locks
			streams.AS2CS.Write = newWriteStream[AS2CS](c.b.store, c.AS2CSStreamRKey())
			streams.CS2AS.Write = newWriteStream[CS2AS](c.b.store, c.CS2ASStreamRKey())
			c.b.log.Debug("write streams acquired", zap.Stringer("session", c.ID))
		case errors.Is(err, errs.ErrLockTimeout) && opts.NoRaiseOnLockFail:
			c.b.log.Debug("write streams acquire failed, continuing read-only",
				zap.Stringer("session", c.ID), zap.Duration("timeout", acquireTimeout))
		default:
			return nil, err
		}
	}
	if !opts.WriteOnly {
		streams.AS2CS.Read = newReadStream[AS2CS](c.b.store, c.AS2CSStreamRKey())
		streams.CS2AS.Read = newReadStream[CS2AS](c.b.store, c.CS2ASStreamRKey())
	}
	return streams, nil
}

// lockWriteRole locks both directions; on failure nothing stays held.
func (c *ChatSession) lockWriteRole(ctx context.Context, acquireTimeout time.Duration) ([]keystore.Lock, error) {
	var locks []keystore.Lock
	for _, key := range []string{c.CS2ASStreamRKey(), c.AS2CSStreamRKey()} {
		l, err := c.b.store.Lock(ctx, key+lockSuffix, c.b.cfg.LockTTL, acquireTimeout)
		if err != nil {
			for _, held := range locks {
				_ = held.Release(ctx)
			}
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// initStreamKeys transactionally creates the stream key pair. The pair is
// an invariant: exactly one key existing is corruption, repaired when
// configured, otherwise ErrInconsistentState. Watch aborts are retried a
// bounded number of times.
func (c *ChatSession) initStreamKeys(ctx context.Context) error {
	keys := []string{c.CS2ASStreamRKey(), c.AS2CSStreamRKey()}
	backoff := retry.WithMaxRetries(uint64(c.b.cfg.StreamInitRetries), retry.NewConstant(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.b.store.Watch(ctx, func(tx keystore.Tx) error {
			n0, err := tx.Exists(ctx, keys[0])
			if err != nil {
				return err
			}
			n1, err := tx.Exists(ctx, keys[1])
			if err != nil {
				return err
			}
			switch {
			case n0 > 0 && n1 > 0:
				return nil
			case n0 == 0 && n1 == 0:
				return c.createStreamKeys(ctx, tx, keys)
			default:
				missing := keys[0]
				if n0 > 0 {
					missing = keys[1]
				}
				if !c.b.cfg.RepairStreamKeys {
					return fmt.Errorf("stream key %s missing from pair: %w", missing, errs.ErrInconsistentState)
				}
				c.b.log.Error("stream key pair corrupted, recreating missing key",
					zap.String("missing", missing))
				return c.createStreamKeys(ctx, tx, []string{missing})
			}
		}, keys...)
		if errors.Is(err, errs.ErrStaleWrite) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// createStreamKeys queues creation of the given stream keys with their
// lifetime copied from the parent document.
func (c *ChatSession) createStreamKeys(ctx context.Context, tx keystore.Tx, keys []string) error {
	ttl, err := tx.TTL(ctx, c.key)
	if err != nil {
		return err
	}
	return tx.Pipelined(ctx, func(p keystore.Pipe) error {
		for _, k := range keys {
			p.XInit(k)
		}
		expireKeys(p, ttl, keys)
		return nil
	})
}

func toAny[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
