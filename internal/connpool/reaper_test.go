package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReap_EvictsIdleHandles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	idle, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)
	idleSession := env.dialer.lastSession()
	busy, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)

	env.clock.Advance(4 * time.Minute)
	_, err = env.pool.GetConnection(ctx, busy, "alice")
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, env.pool.reap(ctx))
	assert.True(t, idleSession.isClosed())
	_, ok := env.pool.lookup(idle)
	assert.False(t, ok)
	_, ok = env.pool.lookup(busy)
	assert.True(t, ok)

	_, err = env.store.MemoryStore.Get(ctx, busy)
	assert.NoError(t, err)
	assert.Equal(t, 1, env.eventCount(EventExpired))

	// the evicted id can no longer be obtained
	_, err = env.pool.GetConnection(ctx, idle, "alice")
	assert.ErrorIs(t, err, ErrNotFoundOrDenied)
}

func TestReap_ExactlyAtIdleTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.IdleTimeout = time.Minute })
	ctx := context.Background()

	_, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)

	env.clock.Advance(time.Minute - time.Millisecond)
	assert.Equal(t, 0, env.pool.reap(ctx))
	env.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, env.pool.reap(ctx))
	assert.Equal(t, 0, env.store.Len())
}

func TestReap_EvictsErroredHandles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	id, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)
	h, _ := env.pool.lookup(id)
	h.shutdown(StatusError)

	assert.Equal(t, 1, env.pool.reap(ctx))
	assert.Equal(t, 0, env.localCount())
	assert.Equal(t, 0, env.store.Len())
}

func TestReap_SkipsHandlesInUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	id, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)
	h, _ := env.pool.lookup(id)

	env.clock.Advance(10 * time.Minute)
	h.opMu.Lock()
	assert.Equal(t, 0, env.pool.reap(ctx))
	h.opMu.Unlock()
	assert.Equal(t, 1, env.pool.reap(ctx))
}

func TestReap_RepublishesUsedHandles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	id, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)
	h, err := env.pool.GetConnection(ctx, id, "alice")
	require.NoError(t, err)
	before, err := env.store.MemoryStore.Get(ctx, id)
	require.NoError(t, err)

	env.clock.Advance(90 * time.Second)
	require.NoError(t, h.Mkdir(ctx, "/logs"))
	assert.True(t, h.dirty())

	assert.Equal(t, 0, env.pool.reap(ctx))
	assert.False(t, h.dirty())
	after, err := env.store.MemoryStore.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.LastUsedAt+(90*time.Second).Milliseconds(), after.LastUsedAt)
}

func TestRunReaper_ProbesDegradedStore(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ReapInterval = 10 * time.Millisecond })
	env.store.down.Store(true)
	ctx := context.Background()

	id, err := env.pool.CreateConnection(ctx, "alice", ftpConfig())
	require.NoError(t, err)
	require.False(t, env.pool.Stats().DistributedStoreConnected)

	env.pool.Start(ctx)
	env.store.down.Store(false)

	require.Eventually(t, func() bool {
		return env.pool.Stats().DistributedStoreConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := env.store.MemoryStore.Get(ctx, id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
