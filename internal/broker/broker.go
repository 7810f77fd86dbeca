// Package broker implements the redis-backed session broker: user and chat
// session documents with cascading expiry, locked field mutation, the
// assistant/client stream pair and encrypted capability tokens.
package broker

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/chatbone/broker/internal/keystore"
)

// Key scheme. The prefixes reproduce the layout of the data already in
// production ("<declaring-module>:<TypeName>"), so they must not change.
const (
	userKeyPrefix    = "chatbone.broker:UserData"
	sessionKeyPrefix = "chatbone.broker:ChatSessionData"
	lockSuffix       = ":<LOCK>"
)

func userRKey(id uuid.UUID) string {
	return userKeyPrefix + ":" + id.String()
}

func secretRKey(token string) string {
	return userKeyPrefix + ":<encrypted_token>:" + token
}

func sessionStreamRKey(id uuid.UUID, direction string) string {
	return sessionKeyPrefix + ":" + id.String() + ":<" + direction + "_stream>"
}

// Config tunes locking and stream-key initialization.
type Config struct {
	// LockTTL bounds how long a successfully acquired lock survives if its
	// holder crashes.
	LockTTL time.Duration
	// LockAcquireTimeout is the default blocking timeout for acquiring a
	// lock; exceeding it yields ErrLockTimeout.
	LockAcquireTimeout time.Duration
	// StreamInitRetries bounds retries of the transactional stream-key
	// initialization when the optimistic watch aborts.
	StreamInitRetries int
	// RepairStreamKeys recreates a missing stream key when exactly one of
	// the pair exists instead of failing with ErrInconsistentState.
	RepairStreamKeys bool
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = 5 * time.Second
	}
	if c.StreamInitRetries <= 0 {
		c.StreamInitRetries = 3
	}
	return c
}

// Broker owns the store handle and configuration; entities are created
// through it. The store connection lifecycle belongs to the caller.
type Broker struct {
	store keystore.Store
	log   *zap.Logger
	cfg   Config
}

func New(store keystore.Store, log *zap.Logger, cfg Config) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{store: store, log: log, cfg: cfg.withDefaults()}
}

// NewUser builds a full user record ready to Save.
func (b *Broker) NewUser(id uuid.UUID, username, password string) *UserData {
	u := &UserData{
		ID:           id,
		Username:     username,
		Password:     password,
		Summaries:    []string{},
		ChatSessions: map[uuid.UUID]*ChatSession{},
	}
	u.entity = entity{b: b, key: userRKey(id), path: "", bound: true}
	return u
}

// User builds a bare handle for an existing record; call Refresh to load
// fields.
func (b *Broker) User(id uuid.UUID) *UserData {
	return b.NewUser(id, "", "")
}
