package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "id1", sampleRecord("alice"), time.Minute))
	require.NoError(t, s.Put(ctx, "forever", sampleRecord("alice"), 0))

	clock.Advance(59 * time.Second)
	_, err := s.Get(ctx, "id1")
	require.NoError(t, err)

	// refresh slides the expiry
	require.NoError(t, s.Put(ctx, "id1", sampleRecord("alice"), time.Minute))
	clock.Advance(30 * time.Second)
	_, err = s.Get(ctx, "id1")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = s.Get(ctx, "id1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("alice")
	require.NoError(t, s.Put(ctx, "id1", rec, time.Minute))

	rec.Status = "closed"
	got, err := s.Get(ctx, "id1")
	require.NoError(t, err)
	assert.Equal(t, "ready", got.Status)
}

func TestMemoryStore_ListAndDelete(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a1", sampleRecord("alice"), time.Minute))
	require.NoError(t, s.Put(ctx, "a2", sampleRecord("alice"), time.Second))
	require.NoError(t, s.Put(ctx, "b1", sampleRecord("bob"), time.Minute))

	clock.Advance(2 * time.Second)
	items, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0].ID)

	require.NoError(t, s.Delete(ctx, "a1"))
	require.NoError(t, s.Delete(ctx, "missing"))
	items, err = s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, s.Ping(ctx))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "conn:abc", Key("abc"))
	assert.Equal(t, "abc", IDFromKey("conn:abc"))
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, int64(1700000000123), Millis(ts))
	assert.True(t, ts.Equal(Time(1700000000123)))
}
