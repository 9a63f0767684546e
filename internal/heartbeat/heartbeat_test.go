package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/postured/internal/storage/memory"
	"github.com/kestrelsec/postured/internal/types"
)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return New(store, rdb), store
}

func seedAgent(t *testing.T, m *Manager, store *memory.Store, id string, status types.AgentStatus) *types.Agent {
	t.Helper()
	ctx := context.Background()
	a := &types.Agent{
		ID:       id,
		TenantID: "t1",
		GUID:     "guid-" + id,
		Hostname: "host-" + id,
		Version:  "1.0.0",
		Status:   status,
	}
	require.NoError(t, store.PutAgent(ctx, a))
	require.NoError(t, m.Seed(ctx))
	return a
}

func pendingCount(t *testing.T, m *Manager) int64 {
	t.Helper()
	n, err := m.rdb.SCard(context.Background(), pendingKey).Result()
	require.NoError(t, err)
	return n
}

func TestHeartbeatTransitionsToOnlineAndSyncs(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	seedAgent(t, m, store, "a1", types.AgentOffline)

	meta := Meta{Hostname: "host-a1", Version: "1.0.0", IPAddress: "10.0.0.5"}
	require.NoError(t, m.RecordHeartbeat(ctx, "a1", meta))
	assert.EqualValues(t, 1, pendingCount(t, m), "status transition stages an update")

	n, err := m.syncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, pendingCount(t, m))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, got.Status)
	assert.Equal(t, "10.0.0.5", got.IPAddress)
	assert.NotZero(t, got.LastHeartbeat)
}

func TestSteadyStateHeartbeatsDoNotStageUpdates(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	seedAgent(t, m, store, "a1", types.AgentOffline)

	meta := Meta{Hostname: "host-a1", Version: "1.0.0"}
	require.NoError(t, m.RecordHeartbeat(ctx, "a1", meta))
	_, err := m.syncOnce(ctx)
	require.NoError(t, err)

	// Same metadata, already online: cache-only.
	require.NoError(t, m.RecordHeartbeat(ctx, "a1", meta))
	require.NoError(t, m.RecordHeartbeat(ctx, "a1", meta))
	assert.Zero(t, pendingCount(t, m))

	// A version bump stages again.
	meta.Version = "1.1.0"
	require.NoError(t, m.RecordHeartbeat(ctx, "a1", meta))
	assert.EqualValues(t, 1, pendingCount(t, m))
}

func TestUnknownAgentRejected(t *testing.T) {
	m, _ := newManager(t)
	err := m.RecordHeartbeat(context.Background(), "ghost", Meta{})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestStaleCheckMarksSilentAgentOffline(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	seedAgent(t, m, store, "a1", types.AgentOffline)

	start := types.NowMillis()
	now := start
	m.now = func() types.Millis { return now }

	// Ten minutes of regular heartbeats.
	for i := 0; i <= 10; i++ {
		now = start + types.Millis(i)*60_000
		require.NoError(t, m.RecordHeartbeat(ctx, "a1", Meta{Hostname: "host-a1", Version: "1.0.0"}))
	}
	_, err := m.syncOnce(ctx)
	require.NoError(t, err)

	// Silent but not yet past the window: nothing happens.
	now += 120_000
	require.NoError(t, m.checkStale(ctx))
	assert.Zero(t, pendingCount(t, m))

	// Past 180 s of silence: offline, one staged update.
	now += 70_000
	require.NoError(t, m.checkStale(ctx))
	assert.EqualValues(t, 1, pendingCount(t, m))

	n, err := m.syncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a single batch carries the status change")

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, got.Status)

	// Re-running the checker stages nothing new.
	require.NoError(t, m.checkStale(ctx))
	assert.Zero(t, pendingCount(t, m))
}

func TestFailedBatchIsRequeued(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	seedAgent(t, m, store, "a1", types.AgentOffline)

	require.NoError(t, m.RecordHeartbeat(ctx, "a1", Meta{Hostname: "host-a1"}))
	require.NoError(t, store.Close())

	_, err := m.syncOnce(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 1, pendingCount(t, m), "failed batch goes back on the pending set")
}

func TestLaterUpdateOverwritesStagedPayload(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	seedAgent(t, m, store, "a1", types.AgentOffline)

	require.NoError(t, m.RecordHeartbeat(ctx, "a1", Meta{Hostname: "host-a1", Version: "1.0.0"}))
	require.NoError(t, m.RecordHeartbeat(ctx, "a1", Meta{Hostname: "host-a1", Version: "2.0.0"}))
	assert.EqualValues(t, 1, pendingCount(t, m), "one payload per agent in flight")

	n, err := m.syncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version, "batch carries the latest payload")
}

func TestStopFlushesPending(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	seedAgent(t, m, store, "a1", types.AgentOffline)

	m.StaleCheckInterval = time.Hour
	m.SyncInterval = time.Hour
	m.Start()

	require.NoError(t, m.RecordHeartbeat(ctx, "a1", Meta{Hostname: "host-a1"}))
	require.NoError(t, m.Stop(ctx))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, got.Status, "stop flushes staged updates")

	err = m.rdb.Ping(ctx).Err()
	assert.Error(t, err, "cache client is closed after stop")
}
