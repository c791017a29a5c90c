package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"blocksnap/pkg/types"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func newTestService(t *testing.T, store Store, clock *fakeClock) *Service {
	t.Helper()
	return New(context.Background(), Options{
		NodeTimeout:     time.Hour,
		CleanupInterval: 10 * time.Millisecond,
		Store:           store,
		Logger:          testLogger(t),
		Clock:           clock.Now,
	})
}

func TestRegister(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, newFakeClock())
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "node-a", "10.0.0.1:7000", types.AllCapabilities))
	assert.Equal(t, 1, store.Writes(), "registration persists before returning")

	active := svc.ListActive(context.Background())
	require.Len(t, active, 1)
	assert.Equal(t, types.NodeID("node-a"), active[0].NodeID)
	assert.True(t, active[0].Capabilities.Has(types.CapBroadcast))
}

func TestRegister_MissingFields(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, newFakeClock())
	ctx := context.Background()

	assert.ErrorIs(t, svc.Register(ctx, "", "10.0.0.1:7000", types.AllCapabilities), ErrMissingFields)
	assert.ErrorIs(t, svc.Register(ctx, "node-a", "  ", types.AllCapabilities), ErrMissingFields)
	assert.Equal(t, 0, svc.Len())
	assert.Equal(t, 0, store.Writes())
}

func TestRegister_Upserts(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, NewMemoryStore(), clock)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "node-a", "old:7000", types.AllCapabilities))
	clock.Advance(time.Minute)
	require.NoError(t, svc.Register(ctx, "node-a", "new:7000", types.NewCapabilities(types.CapVerify)))

	active := svc.ListActive(context.Background())
	require.Len(t, active, 1)
	assert.Equal(t, "new:7000", active[0].Endpoint)
	assert.False(t, active[0].Capabilities.Has(types.CapBroadcast))
	assert.Equal(t, clock.Now(), active[0].LastSeen)
}

func TestHeartbeat(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "node-a", "10.0.0.1:7000", types.AllCapabilities))
	clock.Advance(50 * time.Minute)
	require.NoError(t, svc.Heartbeat(ctx, "node-a"))
	assert.Equal(t, 2, store.Writes())

	// Still active 50 minutes after the heartbeat, 100 after registering
	clock.Advance(50 * time.Minute)
	assert.Len(t, svc.ListActive(context.Background()), 1)
}

func TestHeartbeat_UnknownNode(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, newFakeClock())

	err := svc.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Equal(t, 0, svc.Len())
	assert.Equal(t, 0, store.Writes())
}

func TestExpiry(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, NewMemoryStore(), clock)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "stale", "10.0.0.1:7000", types.AllCapabilities))
	clock.Advance(30 * time.Minute)
	require.NoError(t, svc.Register(ctx, "fresh", "10.0.0.2:7000", types.AllCapabilities))
	clock.Advance(31 * time.Minute)

	active := svc.ListActive(context.Background())
	require.Len(t, active, 1)
	assert.Equal(t, types.NodeID("fresh"), active[0].NodeID)
	assert.Equal(t, 2, svc.Len(), "list_active filters without mutating")

	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, svc.Len())

	// Expired nodes must register again
	assert.ErrorIs(t, svc.Heartbeat(ctx, "stale"), ErrNodeNotFound)
}

func TestCleanupLoop(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, NewMemoryStore(), clock)

	require.NoError(t, svc.Register(context.Background(), "node-a", "10.0.0.1:7000", types.AllCapabilities))
	clock.Advance(2 * time.Hour)

	svc.Start()
	defer svc.Stop()

	assert.Eventually(t, func() bool { return svc.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, newFakeClock())
	ctx := context.Background()

	store.FailWith(errors.New("disk full"))
	err := svc.Register(ctx, "node-a", "10.0.0.1:7000", types.AllCapabilities)
	require.Error(t, err)
	assert.Equal(t, 0, svc.Len())

	store.FailWith(nil)
	require.NoError(t, svc.Register(ctx, "node-a", "10.0.0.1:7000", types.AllCapabilities))
	assert.Equal(t, 1, svc.Len())
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	svc := newTestService(t, NewFileStore(dir), clock)
	require.NoError(t, svc.Register(context.Background(), "node-a", "10.0.0.1:7000", types.AllCapabilities))

	restarted := newTestService(t, NewFileStore(dir), clock)
	active := restarted.ListActive(context.Background())
	require.Len(t, active, 1)
	assert.Equal(t, "10.0.0.1:7000", active[0].Endpoint)
	assert.True(t, active[0].Capabilities.Has(types.CapVerify))
}

func TestFileStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, NodesFile), []byte("{{{"), 0644))

	svc := newTestService(t, NewFileStore(dir), newFakeClock())
	assert.Equal(t, 0, svc.Len())

	// And it can still persist over the corrupt file
	require.NoError(t, svc.Register(context.Background(), "node-a", "10.0.0.1:7000", types.AllCapabilities))
	restarted := newTestService(t, NewFileStore(dir), newFakeClock())
	assert.Equal(t, 1, restarted.Len())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("BLOCKSNAP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOCKSNAP_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	store := NewRedisStore(RedisOptions{Addr: addr, Key: "blocksnap:test:" + t.Name()})
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	require.NoError(t, store.Put(ctx, types.NodeRecord{NodeID: "node-a", Endpoint: "10.0.0.1:7000", Capabilities: types.AllCapabilities}))
	require.NoError(t, store.Put(ctx, types.NodeRecord{NodeID: "node-b", Endpoint: "10.0.0.2:7000", Capabilities: types.AllCapabilities}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", loaded["node-a"].Endpoint)
	assert.Equal(t, "10.0.0.2:7000", loaded["node-b"].Endpoint)

	require.NoError(t, store.Delete(ctx, "node-a"))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, loaded, types.NodeID("node-a"))
	assert.Contains(t, loaded, types.NodeID("node-b"))
	require.NoError(t, store.client.Del(ctx, store.key).Err())
}

func TestSharedStore_ReplicasKeepEachOthersNodes(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	a := newTestService(t, store, clock)
	b := newTestService(t, store, clock)
	ctx := context.Background()

	require.NoError(t, a.Register(ctx, "node-1", "10.0.0.1:7000", types.AllCapabilities))
	require.NoError(t, b.Register(ctx, "node-2", "10.0.0.2:7000", types.AllCapabilities))

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	assert.Len(t, a.ListActive(ctx), 2)
	assert.Len(t, b.ListActive(ctx), 2)

	// node-1 registered through a but heartbeats to b
	clock.Advance(50 * time.Minute)
	require.NoError(t, b.Heartbeat(ctx, "node-1"))
	clock.Advance(20 * time.Minute)

	removed, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	active := b.ListActive(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, types.NodeID("node-1"), active[0].NodeID)
}

func TestFileStore_KeepsUntouchedRecords(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, types.NodeRecord{NodeID: "node-a", Endpoint: "10.0.0.1:7000"}))
	require.NoError(t, store.Put(ctx, types.NodeRecord{NodeID: "node-b", Endpoint: "10.0.0.2:7000"}))
	require.NoError(t, store.Delete(ctx, "node-a"))

	loaded, err := NewFileStore(dir).Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "10.0.0.2:7000", loaded["node-b"].Endpoint)
}

func TestStartAfterStop(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, NewMemoryStore(), clock)
	ctx := context.Background()

	svc.Start()
	svc.Stop()
	svc.Stop()

	require.NoError(t, svc.Register(ctx, "node-a", "10.0.0.1:7000", types.AllCapabilities))
	clock.Advance(2 * time.Hour)

	svc.Start()
	defer svc.Stop()

	assert.Eventually(t, func() bool { return svc.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
