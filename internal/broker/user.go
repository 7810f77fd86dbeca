package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/chatbone/broker/internal/crypto"
	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore"
)

// UserToken is the lifetime stamp of the user's current login. It lives
// inside the user document and is checked by VerifyValidUser.
type UserToken struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token exists and has not expired at now.
func (t *UserToken) Valid(now time.Time) bool {
	if t == nil || t.ID.IsNil() {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// Refreshable user fields. The id is fixed at construction and is never
// refreshed from the store.
var userFields = []string{
	"username", "password", "summaries", "chat_sessions",
	"encrypted_secret_token", "user_token",
}

// defaultRefreshFields keeps the cheap default: only the secret token
// reference, which is the field most likely rotated behind our back.
var defaultRefreshFields = []string{"encrypted_secret_token"}

// UserData is the root entity: one JSON document per user, holding
// credentials, rolling summaries, the owned chat sessions and the
// capability-token reference. Instances from NewUser are bound and ready
// to Save; refresh methods return new instances rather than mutating the
// receiver in place.
type UserData struct {
	entity

	ID                   uuid.UUID                  `json:"id"`
	Username             string                     `json:"username"`
	Password             string                     `json:"password"`
	Summaries            []string                   `json:"summaries"`
	ChatSessions         map[uuid.UUID]*ChatSession `json:"chat_sessions"`
	EncryptedSecretToken string                     `json:"encrypted_secret_token"`
	// UserToken stays in the document even when unset so the field path
	// always resolves.
	UserToken *UserToken `json:"user_token"`
}

// RKey is the user's document key.
func (u *UserData) RKey() string { return userRKey(u.ID) }

// subRKeys lists every dependent key currently known to this instance:
// the secret key behind the encrypted token, if any, and the stream pair
// of every loaded session. Sessions not loaded into ChatSessions are not
// covered; refresh first when a full cascade matters.
func (u *UserData) subRKeys() []string {
	var keys []string
	if u.EncryptedSecretToken != "" {
		keys = append(keys, secretRKey(u.EncryptedSecretToken))
	}
	for _, s := range u.ChatSessions {
		keys = append(keys, s.subRKeys()...)
	}
	return keys
}

// Save writes the document only if its key is absent and reports whether
// it was created. When the document already exists the instance's token
// reference is re-read from the store so a stale handle does not shadow a
// rotated secret.
func (u *UserData) Save(ctx context.Context) (bool, error) {
	created, err := u.b.store.JSONSetNX(ctx, u.key, u.path, u)
	if err != nil {
		return false, fmt.Errorf("save user %s: %w", u.ID, err)
	}
	if created {
		u.b.log.Debug("user created", zap.Stringer("id", u.ID))
		return true, nil
	}
	fields, err := u.fetchFields(ctx, []string{"encrypted_secret_token"})
	if err != nil {
		return false, err
	}
	if raw, ok := fields["encrypted_secret_token"]; ok {
		if err := json.Unmarshal(raw, &u.EncryptedSecretToken); err != nil {
			return false, err
		}
	}
	return false, nil
}

// SaveTTL saves and then applies a lifetime to the document key: ttl > 0
// sets it, ttl <= 0 persists.
func (u *UserData) SaveTTL(ctx context.Context, ttl time.Duration) (bool, error) {
	created, err := u.Save(ctx)
	if err != nil {
		return created, err
	}
	if err := u.expireCascade(ctx, ttl, []string{u.key}); err != nil {
		return created, err
	}
	return created, nil
}

// Refresh re-reads the default field set and returns a new instance.
func (u *UserData) Refresh(ctx context.Context) (*UserData, error) {
	return u.refresh(ctx, nil, nil)
}

// RefreshFields re-reads only the named fields.
func (u *UserData) RefreshFields(ctx context.Context, fields ...string) (*UserData, error) {
	return u.refresh(ctx, fields, nil)
}

// RefreshExcept re-reads every refreshable field except the named ones.
func (u *UserData) RefreshExcept(ctx context.Context, fields ...string) (*UserData, error) {
	if fields == nil {
		fields = []string{}
	}
	return u.refresh(ctx, nil, fields)
}

// refresh overlays the fetched fields onto the instance's current state
// and returns the merged copy. The receiver is left untouched; a missing
// document surfaces as ErrNotFound.
func (u *UserData) refresh(ctx context.Context, include, exclude []string) (*UserData, error) {
	fields, err := resolveFields(userFields, include, exclude, defaultRefreshFields)
	if err != nil {
		return nil, err
	}
	fetched, err := u.fetchFields(ctx, fields)
	if err != nil {
		return nil, err
	}

	cur, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(cur, &merged); err != nil {
		return nil, err
	}
	for f, raw := range fetched {
		merged[f] = raw
	}
	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	fresh := &UserData{}
	if err := json.Unmarshal(buf, fresh); err != nil {
		return nil, err
	}
	fresh.entity = u.entity
	fresh.bindSessions()
	return fresh, nil
}

// bindSessions attaches every loaded session to its document path.
func (u *UserData) bindSessions() {
	for id, s := range u.ChatSessions {
		s.ID = id
		s.bindTo(u.b, u.key, ".chat_sessions." + id.String())
	}
}

// Expire applies one lifetime to the document and every dependent key
// atomically. ttl <= 0 persists the whole family instead.
func (u *UserData) Expire(ctx context.Context, ttl time.Duration) error {
	return u.expireCascade(ctx, ttl, append([]string{u.key}, u.subRKeys()...))
}

// Delete removes the document and every dependent key, returning how many
// keys existed.
func (u *UserData) Delete(ctx context.Context) (int64, error) {
	return u.b.store.Del(ctx, append([]string{u.key}, u.subRKeys()...)...)
}

// identity is the plaintext sealed into an encrypted token.
func (u *UserData) identity() string {
	return u.ID.String() + "@" + u.Username + "@" + u.Password
}

// GetEncryptedToken returns the user's capability token, minting a fresh
// one unless skipIfExist is set and a token is already stored. Minting
// rotates the secret: the old secret key is deleted in the same
// transaction that stores the new one, so the old token stops opening
// immediately. The secret key inherits the document's lifetime.
func (u *UserData) GetEncryptedToken(ctx context.Context, skipIfExist bool) (string, error) {
	if u.b == nil || !u.bound {
		return "", fmt.Errorf("get token: %w", errs.ErrNotBound)
	}
	fields, err := u.fetchFields(ctx, []string{"encrypted_secret_token"})
	if err != nil {
		return "", err
	}
	var stored string
	if raw, ok := fields["encrypted_secret_token"]; ok {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return "", err
		}
	}
	if skipIfExist && stored != "" {
		u.EncryptedSecretToken = stored
		return stored, nil
	}

	secret, err := crypto.NewSecret()
	if err != nil {
		return "", err
	}
	token, err := crypto.SealIdentity(secret, u.identity())
	if err != nil {
		return "", err
	}

	lock, err := u.b.store.Lock(ctx, u.key+lockSuffix, u.b.cfg.LockTTL, u.b.cfg.LockAcquireTimeout)
	if err != nil {
		return "", err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			u.b.log.Warn("lock release", zap.String("key", u.key), zap.Error(rerr))
		}
	}()

	err = u.b.store.Watch(ctx, func(tx keystore.Tx) error {
		n, err := tx.Exists(ctx, u.key)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("get token %s: %w", u.key, errs.ErrNotFound)
		}
		ttl, err := tx.TTL(ctx, u.key)
		if err != nil {
			return err
		}
		return tx.Pipelined(ctx, func(p keystore.Pipe) error {
			if stored != "" {
				p.Del(secretRKey(stored))
			}
			p.Set(secretRKey(token), base64.RawStdEncoding.EncodeToString(secret))
			expireKeys(p, ttl, []string{secretRKey(token)})
			p.JSONSet(u.key, u.fieldPath("encrypted_secret_token"), token)
			return nil
		})
	}, u.key)
	if err != nil {
		return "", err
	}

	u.EncryptedSecretToken = token
	u.b.log.Debug("token rotated", zap.Stringer("id", u.ID))
	return token, nil
}

// SetUserToken stamps the user's login token on the document.
func (u *UserData) SetUserToken(ctx context.Context, t UserToken) error {
	if err := u.setField(ctx, "user_token", t); err != nil {
		return err
	}
	u.UserToken = &t
	return nil
}

// AppendSummaries appends to the user's rolling summaries.
func (u *UserData) AppendSummaries(ctx context.Context, summaries ...string) error {
	return u.appendField(ctx, "summaries", toAny(summaries)...)
}

// TrimSummaries keeps summaries[start..stop], both inclusive.
func (u *UserData) TrimSummaries(ctx context.Context, start, stop int) error {
	return u.trimField(ctx, "summaries", start, stop)
}

// PutChatSessions writes sessions into the document's session map and
// binds them to it. Sessions without an id are assigned a time-ordered
// one first.
func (u *UserData) PutChatSessions(ctx context.Context, sessions ...*ChatSession) error {
	entries := make(map[string]any, len(sessions))
	for _, s := range sessions {
		if s.ID.IsNil() {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("assign session id: %w", err)
			}
			s.ID = id
		}
		entries[s.ID.String()] = s
	}
	if err := u.updateField(ctx, "chat_sessions", entries); err != nil {
		return err
	}
	for _, s := range sessions {
		s.bindTo(u.b, u.key, ".chat_sessions."+s.ID.String())
		u.ChatSessions[s.ID] = s
	}
	return nil
}

// GetChatSessions loads the named sessions (or every session when no ids
// are given), binds them and merges them into ChatSessions. A requested
// id that is not in the document yields ErrNotFound.
func (u *UserData) GetChatSessions(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*ChatSession, error) {
	if u.b == nil || !u.bound {
		return nil, fmt.Errorf("get sessions: %w", errs.ErrNotBound)
	}
	out := make(map[uuid.UUID]*ChatSession)

	if len(ids) == 0 {
		fields, err := u.fetchFields(ctx, []string{"chat_sessions"})
		if err != nil {
			return nil, err
		}
		raw, ok := fields["chat_sessions"]
		if !ok {
			return nil, fmt.Errorf("get sessions %s: %w", u.key, errs.ErrNotFound)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	} else {
		paths := make([]string, len(ids))
		for i, id := range ids {
			paths[i] = u.fieldPath("chat_sessions") + "." + id.String()
		}
		raw, err := u.b.store.JSONGet(ctx, u.key, paths...)
		if err != nil {
			return nil, err
		}
		for i, id := range ids {
			s := NewChatSession()
			if err := json.Unmarshal(raw[paths[i]], s); err != nil {
				return nil, err
			}
			out[id] = s
		}
	}

	if u.ChatSessions == nil {
		u.ChatSessions = make(map[uuid.UUID]*ChatSession, len(out))
	}
	for id, s := range out {
		s.ID = id
		s.bindTo(u.b, u.key, ".chat_sessions."+id.String())
		u.ChatSessions[id] = s
	}
	return out, nil
}

// VerifyEncryptedToken resolves a capability token back to its user. The
// token is opened under its stored secret, the embedded identity is
// checked against the live document, and the returned instance is fully
// loaded (sessions skipped when lazy). Any failure to resolve or open is
// ErrInvalidToken; only a token whose secret exists but whose user
// document is gone reports ErrNotFound.
func (b *Broker) VerifyEncryptedToken(ctx context.Context, token string, lazy bool) (*UserData, error) {
	encoded, err := b.store.Get(ctx, secretRKey(token))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("no secret for token: %w", errs.ErrInvalidToken)
		}
		return nil, err
	}
	secret, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", errs.ErrInvalidToken)
	}
	identity, err := crypto.OpenIdentity(secret, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, errs.ErrInvalidToken)
	}
	parts := strings.SplitN(identity, "@", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed identity: %w", errs.ErrInvalidToken)
	}
	id, err := uuid.FromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("identity id: %w", errs.ErrInvalidToken)
	}

	u := b.User(id)
	u.Username, u.Password = parts[1], parts[2]
	exclude := []string{}
	if lazy {
		exclude = append(exclude, "chat_sessions")
	}
	fresh, err := u.RefreshExcept(ctx, exclude...)
	if err != nil {
		return nil, err
	}
	if fresh.Username != parts[1] || fresh.Password != parts[2] {
		return nil, fmt.Errorf("identity mismatch: %w", errs.ErrInvalidToken)
	}
	fresh.EncryptedSecretToken = token
	return fresh, nil
}

// VerifyValidUser resolves the token and waits until the user carries a
// valid login stamp, polling every poll up to timeout. A user document
// that does not exist fails immediately with ErrNotFound; running out of
// time yields ErrNoValidToken.
func (b *Broker) VerifyValidUser(ctx context.Context, token string, timeout, poll time.Duration) (*UserData, error) {
	var user *UserData
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(poll))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, err := b.VerifyEncryptedToken(ctx, token, true)
		if err != nil {
			if errors.Is(err, errs.ErrInvalidToken) {
				return retry.RetryableError(err)
			}
			return err
		}
		if !u.UserToken.Valid(time.Now()) {
			return retry.RetryableError(fmt.Errorf("user %s: login stamp missing or expired", u.ID))
		}
		user = u
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", err, errs.ErrNoValidToken)
	}
	return user, nil
}
