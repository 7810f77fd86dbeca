package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbone/broker/internal/errs"
	"github.com/chatbone/broker/internal/keystore"
)

func TestStore_JSONDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	doc := map[string]any{"name": "alice", "tags": []string{"a"}}
	created, err := s.JSONSetNX(ctx, "k", "", doc)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.JSONSetNX(ctx, "k", "", map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.False(t, created, "second root set must not overwrite")

	got, err := s.JSONGet(ctx, "k", ".name")
	require.NoError(t, err)
	assert.JSONEq(t, `"alice"`, string(got[".name"]))

	_, err = s.JSONGet(ctx, "k", ".missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.JSONGet(ctx, "absent", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.TxPipelined(ctx, func(p keystore.Pipe) error {
		p.JSONArrAppend("k", ".tags", "b", "c")
		p.JSONArrTrim("k", ".tags", 1, 2)
		return nil
	}))
	got, err = s.JSONGet(ctx, "k", ".tags")
	require.NoError(t, err)
	assert.JSONEq(t, `["b","c"]`, string(got[".tags"]))
}

func TestStore_TTLContract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, err := s.TTL(ctx, "absent")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.JSONSetNX(ctx, "k", "", map[string]any{})
	require.NoError(t, err)

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, ttl, "persistent key reports zero")

	require.NoError(t, s.TxPipelined(ctx, func(p keystore.Pipe) error {
		p.Expire("k", time.Hour)
		return nil
	}))
	ttl, err = s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, s.TxPipelined(ctx, func(p keystore.Pipe) error {
		p.Persist("k")
		return nil
	}))
	ttl, err = s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	// An expired key behaves as deleted.
	require.NoError(t, s.TxPipelined(ctx, func(p keystore.Pipe) error {
		p.Expire("k", time.Millisecond)
		return nil
	}))
	time.Sleep(5 * time.Millisecond)
	_, err = s.TTL(ctx, "k")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_Streams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, err := s.XAdd(ctx, keystore.XAddArgs{Stream: "st", Values: map[string]any{"v": "x"}, NoMkStream: true})
	assert.ErrorIs(t, err, errs.ErrNotFound, "nomkstream on absent key")

	require.NoError(t, s.TxPipelined(ctx, func(p keystore.Pipe) error {
		p.XInit("st")
		return nil
	}))
	n, err := s.XLen(ctx, "st")
	require.NoError(t, err)
	assert.Zero(t, n, "initialized stream is empty")

	var ids []string
	for _, v := range []string{"a", "b", "c"} {
		id, err := s.XAdd(ctx, keystore.XAddArgs{Stream: "st", Values: map[string]any{"v": v}, NoMkStream: true})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := s.XRead(ctx, "st", "0", 10, -1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Fields["v"])
	assert.Equal(t, "c", entries[2].Fields["v"])

	entries, err = s.XRead(ctx, "st", ids[0], 10, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Fields["v"])

	// "$" sees only entries arriving after the call; bounded block drains
	// to empty without error.
	entries, err = s.XRead(ctx, "st", "$", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = s.XAdd(ctx, keystore.XAddArgs{Stream: "st", Values: map[string]any{"v": "d"}, NoMkStream: true})
	}()
	entries, err = s.XRead(ctx, "st", ids[2], 10, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d", entries[0].Fields["v"])

	// MaxLen trims from the oldest end.
	_, err = s.XAdd(ctx, keystore.XAddArgs{Stream: "st", Values: map[string]any{"v": "e"}, MaxLen: 2, Exact: true, NoMkStream: true})
	require.NoError(t, err)
	n, err = s.XLen(ctx, "st")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestStore_WatchStaleWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, err := s.JSONSetNX(ctx, "k", "", map[string]any{"n": 0})
	require.NoError(t, err)

	s.AfterWatch = func([]string) {
		_ = s.TxPipelined(ctx, func(p keystore.Pipe) error {
			p.JSONSet("k", ".n", 1)
			return nil
		})
	}
	err = s.Watch(ctx, func(tx keystore.Tx) error {
		return tx.Pipelined(ctx, func(p keystore.Pipe) error {
			p.JSONSet("k", ".n", 2)
			return nil
		})
	}, "k")
	assert.ErrorIs(t, err, errs.ErrStaleWrite)

	s.AfterWatch = nil
	err = s.Watch(ctx, func(tx keystore.Tx) error {
		return tx.Pipelined(ctx, func(p keystore.Pipe) error {
			p.JSONSet("k", ".n", 3)
			return nil
		})
	}, "k")
	require.NoError(t, err)

	got, err := s.JSONGet(ctx, "k", ".n")
	require.NoError(t, err)
	assert.JSONEq(t, "3", string(got[".n"]))
}

func TestStore_Locks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	l1, err := s.Lock(ctx, "L", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = s.Lock(ctx, "L", time.Minute, 20*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrLockTimeout)

	require.NoError(t, l1.Release(ctx))
	require.NoError(t, l1.Release(ctx), "double release is harmless")

	l2, err := s.Lock(ctx, "L", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))

	// A never-released lock frees itself after its ttl.
	_, err = s.Lock(ctx, "L", 20*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	l3, err := s.Lock(ctx, "L", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, l3.Release(ctx))
}
