// Package storetest provides an in-memory keystore.Store used by package
// tests: JSON documents with legacy dot paths, streams, key expiry, WATCH
// transactions and blocking locks, all with the same observable semantics
// as the redis-backed client.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore"
)

// Store is an in-memory keystore.Store. The zero value is not usable; call
// New.
type Store struct {
	mu      sync.Mutex
	docs    map[string]any
	strs    map[string]string
	streams map[string][]keystore.Entry
	exp     map[string]time.Time
	ver     map[string]uint64
	locks   map[string]chan struct{}
	notify  chan struct{}
	seq     int64

	// AfterWatch, when set, runs between the watch snapshot and the
	// transaction body. Tests use it to interleave concurrent writes.
	AfterWatch func(keys []string)
}

var _ keystore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		docs:    make(map[string]any),
		strs:    make(map[string]string),
		streams: make(map[string][]keystore.Entry),
		exp:     make(map[string]time.Time),
		ver:     make(map[string]uint64),
		locks:   make(map[string]chan struct{}),
		notify:  make(chan struct{}),
	}
}

func (s *Store) JSONGet(_ context.Context, key string, paths ...string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	doc, ok := s.docs[key]
	if !ok {
		return nil, fmt.Errorf("jsonget %s: %w", key, errs.ErrNotFound)
	}
	out := make(map[string]json.RawMessage, len(paths))
	for _, p := range paths {
		v, ok := getPath(doc, p)
		if !ok {
			return nil, fmt.Errorf("jsonget %s %s: %w", key, p, errs.ErrNotFound)
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[p] = buf
	}
	return out, nil
}

func (s *Store) JSONSetNX(_ context.Context, key, path string, value any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	if isRoot(path) {
		if s.exists(key) {
			return false, nil
		}
		s.docs[key] = normalize(value)
		s.touch(key)
		return true, nil
	}
	doc, ok := s.docs[key]
	if !ok {
		return false, fmt.Errorf("jsonsetnx %s: %w", key, errs.ErrNotFound)
	}
	if _, ok := getPath(doc, path); ok {
		return false, nil
	}
	if err := setPath(doc, path, normalize(value)); err != nil {
		return false, err
	}
	s.touch(key)
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	v, ok := s.strs[key]
	if !ok {
		return "", fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
	}
	return v, nil
}

func (s *Store) Exists(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		s.reap(k)
		if s.exists(k) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		s.reap(k)
		if s.exists(k) {
			n++
		}
		s.drop(k)
		s.touch(k)
	}
	s.wake()
	return n, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	if !s.exists(key) {
		return 0, fmt.Errorf("ttl %s: %w", key, errs.ErrNotFound)
	}
	at, ok := s.exp[key]
	if !ok {
		return 0, nil
	}
	return time.Until(at), nil
}

func (s *Store) XAdd(_ context.Context, args keystore.XAddArgs) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(args.Stream)
	entries, ok := s.streams[args.Stream]
	if !ok && args.NoMkStream {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, errs.ErrNotFound)
	}
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"
	fields := make(map[string]string, len(args.Values))
	for k, v := range args.Values {
		fields[k] = toString(v)
	}
	entries = append(entries, keystore.Entry{ID: id, Fields: fields})
	if excess := int64(len(entries)) - args.MaxLen; args.MaxLen > 0 && excess > 0 {
		if !args.Exact && args.Limit > 0 && excess > args.Limit {
			excess = args.Limit
		}
		entries = entries[excess:]
	}
	s.streams[args.Stream] = entries
	s.touch(args.Stream)
	s.wake()
	return id, nil
}

func (s *Store) XRead(ctx context.Context, key, from string, count int64, block time.Duration) ([]keystore.Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}

	s.mu.Lock()
	s.reap(key)
	if from == "$" {
		from = "0-0"
		if entries := s.streams[key]; len(entries) > 0 {
			from = entries[len(entries)-1].ID
		}
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		s.reap(key)
		var out []keystore.Entry
		for _, e := range s.streams[key] {
			if idAfter(e.ID, from) {
				out = append(out, e)
				if count > 0 && int64(len(out)) == count {
					break
				}
			}
		}
		notify := s.notify
		s.mu.Unlock()

		if len(out) > 0 || block < 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-notify:
		}
	}
}

func (s *Store) XLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	return int64(len(s.streams[key])), nil
}

func (s *Store) Watch(ctx context.Context, fn func(keystore.Tx) error, keys ...string) error {
	s.mu.Lock()
	snap := make(map[string]uint64, len(keys))
	for _, k := range keys {
		s.reap(k)
		snap[k] = s.ver[k]
	}
	s.mu.Unlock()

	if s.AfterWatch != nil {
		s.AfterWatch(keys)
	}
	return fn(&tx{s: s, snap: snap})
}

func (s *Store) TxPipelined(_ context.Context, fn func(keystore.Pipe) error) error {
	p := &pipe{}
	if err := fn(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(p)
}

func (s *Store) Lock(ctx context.Context, key string, ttl, acquireTimeout time.Duration) (keystore.Lock, error) {
	s.mu.Lock()
	sem, ok := s.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[key] = sem
	}
	s.mu.Unlock()

	t := time.NewTimer(acquireTimeout)
	defer t.Stop()
	select {
	case sem <- struct{}{}:
	case <-t.C:
		return nil, fmt.Errorf("lock %s after %s: %w", key, acquireTimeout, errs.ErrLockTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l := &memLock{sem: sem}
	l.expire = time.AfterFunc(ttl, l.release)
	return l, nil
}

type memLock struct {
	once   sync.Once
	sem    chan struct{}
	expire *time.Timer
}

func (l *memLock) release() {
	l.once.Do(func() {
		l.expire.Stop()
		<-l.sem
	})
}

func (l *memLock) Release(context.Context) error {
	l.release()
	return nil
}

type tx struct {
	s    *Store
	snap map[string]uint64
}

func (t *tx) Exists(ctx context.Context, keys ...string) (int64, error) {
	return t.s.Exists(ctx, keys...)
}

func (t *tx) TTL(ctx context.Context, key string) (time.Duration, error) {
	return t.s.TTL(ctx, key)
}

func (t *tx) Pipelined(_ context.Context, fn func(keystore.Pipe) error) error {
	p := &pipe{}
	if err := fn(p); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for k, v := range t.snap {
		if t.s.ver[k] != v {
			return fmt.Errorf("exec watch %s: %w", k, errs.ErrStaleWrite)
		}
	}
	return t.s.apply(p)
}

// pipe records queued commands; apply runs them atomically under the store
// mutex.
type op struct {
	key   string
	apply func(s *Store) error
}

type pipe struct{ ops []op }

var _ keystore.Pipe = (*pipe)(nil)

func (p *pipe) add(key string, fn func(s *Store) error) {
	p.ops = append(p.ops, op{key: key, apply: fn})
}

func (p *pipe) JSONSet(key, path string, value any) {
	v := normalize(value)
	p.add(key, func(s *Store) error {
		if isRoot(path) {
			s.docs[key] = v
			return nil
		}
		doc, ok := s.docs[key]
		if !ok {
			return fmt.Errorf("jsonset %s: %w", key, errs.ErrNotFound)
		}
		return setPath(doc, path, v)
	})
}

func (p *pipe) JSONArrAppend(key, path string, values ...any) {
	vs := make([]any, 0, len(values))
	for _, v := range values {
		vs = append(vs, normalize(v))
	}
	p.add(key, func(s *Store) error {
		doc, ok := s.docs[key]
		if !ok {
			return fmt.Errorf("arrappend %s: %w", key, errs.ErrNotFound)
		}
		cur, ok := getPath(doc, path)
		if !ok {
			return fmt.Errorf("arrappend %s %s: %w", key, path, errs.ErrNotFound)
		}
		arr, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("arrappend %s %s: not an array", key, path)
		}
		return setPath(doc, path, append(arr, vs...))
	})
}

func (p *pipe) JSONArrTrim(key, path string, start, stop int) {
	p.add(key, func(s *Store) error {
		doc, ok := s.docs[key]
		if !ok {
			return fmt.Errorf("arrtrim %s: %w", key, errs.ErrNotFound)
		}
		cur, ok := getPath(doc, path)
		if !ok {
			return fmt.Errorf("arrtrim %s %s: %w", key, path, errs.ErrNotFound)
		}
		arr, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("arrtrim %s %s: not an array", key, path)
		}
		return setPath(doc, path, trimSlice(arr, start, stop))
	})
}

func (p *pipe) JSONClear(key, path string) {
	p.add(key, func(s *Store) error {
		doc, ok := s.docs[key]
		if !ok {
			return fmt.Errorf("clear %s: %w", key, errs.ErrNotFound)
		}
		cur, ok := getPath(doc, path)
		if !ok {
			return fmt.Errorf("clear %s %s: %w", key, path, errs.ErrNotFound)
		}
		switch cur.(type) {
		case []any:
			return setPath(doc, path, []any{})
		case map[string]any:
			return setPath(doc, path, map[string]any{})
		case float64:
			return setPath(doc, path, float64(0))
		}
		return nil
	})
}

func (p *pipe) Set(key, value string) {
	p.add(key, func(s *Store) error {
		s.strs[key] = value
		return nil
	})
}

func (p *pipe) Del(keys ...string) {
	for _, k := range keys {
		key := k
		p.add(key, func(s *Store) error {
			s.drop(key)
			return nil
		})
	}
}

func (p *pipe) Expire(key string, ttl time.Duration) {
	p.add(key, func(s *Store) error {
		if s.exists(key) {
			s.exp[key] = time.Now().Add(ttl)
		}
		return nil
	})
}

func (p *pipe) Persist(key string) {
	p.add(key, func(s *Store) error {
		delete(s.exp, key)
		return nil
	})
}

func (p *pipe) XInit(key string) {
	p.add(key, func(s *Store) error {
		if _, ok := s.streams[key]; !ok {
			s.streams[key] = []keystore.Entry{}
		}
		return nil
	})
}

// apply runs queued ops; caller holds the mutex.
func (s *Store) apply(p *pipe) error {
	for _, o := range p.ops {
		if err := o.apply(s); err != nil {
			return err
		}
		s.touch(o.key)
	}
	s.wake()
	return nil
}

// ---- internals, caller holds the mutex ----

func (s *Store) exists(key string) bool {
	if _, ok := s.docs[key]; ok {
		return true
	}
	if _, ok := s.strs[key]; ok {
		return true
	}
	_, ok := s.streams[key]
	return ok
}

func (s *Store) drop(key string) {
	delete(s.docs, key)
	delete(s.strs, key)
	delete(s.streams, key)
	delete(s.exp, key)
}

func (s *Store) touch(key string) {
	s.ver[key]++
}

func (s *Store) reap(key string) {
	if at, ok := s.exp[key]; ok && time.Now().After(at) {
		s.drop(key)
		s.touch(key)
	}
}

func (s *Store) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func normalize(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil
	}
	return out
}

func isRoot(path string) bool {
	return path == "" || path == "."
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "."), ".")
}

func getPath(doc any, path string) (any, bool) {
	if isRoot(path) {
		return doc, true
	}
	cur := doc
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc any, path string, value any) error {
	segs := splitPath(path)
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		m, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("path %s: %w", path, errs.ErrNotFound)
		}
		cur, ok = m[seg]
		if !ok {
			return fmt.Errorf("path %s: %w", path, errs.ErrNotFound)
		}
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return fmt.Errorf("path %s: %w", path, errs.ErrNotFound)
	}
	m[segs[len(segs)-1]] = value
	return nil
}

// trimSlice keeps the inclusive [start, stop] range with redis ARRTRIM
// clamping rules.
func trimSlice(arr []any, start, stop int) []any {
	n := len(arr)
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start >= n || start > stop {
		return []any{}
	}
	return arr[start : stop+1]
}

func idAfter(id, from string) bool {
	am, as := parseID(id)
	bm, bs := parseID(from)
	if am != bm {
		return am > bm
	}
	return as > bs
}

func parseID(id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		seq = "0"
	}
	m, _ := strconv.ParseInt(ms, 10, 64)
	sq, _ := strconv.ParseInt(seq, 10, 64)
	return m, sq
}
