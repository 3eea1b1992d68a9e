package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore_GetSetDel(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Del(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_SetExpiry(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_ListAppendCapped(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ListAppendCapped(ctx, "ring", []byte(v), 3, 0))
	}

	got, err := s.ListRange(ctx, "ring", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c"), []byte("d")}, got)
}

func TestBoltStore_ListRangeLimit(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.ListAppendCapped(ctx, "ring", []byte(v), 0, 0))
	}

	got, err := s.ListRange(ctx, "ring", 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, got)
}

func TestBoltStore_SetAddAndDiff(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "followers", 0, "a", "b", "c"))

	members, err := s.SetMembers(ctx, "followers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	added, removed, err := s.SetDiff(ctx, "followers", []string{"b", "c", "d"}, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d"}, added)
	assert.ElementsMatch(t, []string{"a"}, removed)

	members, err = s.SetMembers(ctx, "followers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c", "d"}, members)
}

func TestBoltStore_Incr(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	v, err := s.Incr(ctx, "counter", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Incr(ctx, "counter", 4, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestBoltStore_LockUnlock(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	token, err := s.Lock(ctx, "stream:1:lock", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = s.Lock(ctx, "stream:1:lock", "owner-b", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	err = s.Unlock(ctx, "stream:1:lock", "wrong-token")
	assert.ErrorIs(t, err, ErrLockMismatch)

	require.NoError(t, s.Unlock(ctx, "stream:1:lock", token))

	token2, err := s.Lock(ctx, "stream:1:lock", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token2)
}

func TestBoltStore_LockExpires(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	_, err := s.Lock(ctx, "k", "owner-a", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	token, err := s.Lock(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}
