package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/storage/memory"
	"github.com/kestrelsec/postured/internal/types"
)

func fetched(syncID string, hasMore bool, records ...types.FetchedRecord) *types.FetchedEvent {
	return &types.FetchedEvent{
		SyncID:          syncID,
		TenantID:        "t1",
		DataSourceID:    "ds1",
		IntegrationID:   "i-m365",
		IntegrationSlug: "microsoft-365",
		EntityType:      types.TypeIdentities,
		Records:         records,
		HasMore:         hasMore,
	}
}

func record(externalID string, raw map[string]interface{}) types.FetchedRecord {
	return types.FetchedRecord{
		ExternalID:     externalID,
		DataHash:       types.ComputeDataHash(types.TypeIdentities, raw),
		RawData:        raw,
		NormalizedData: map[string]interface{}{"displayName": raw["displayName"]},
	}
}

func entities(t *testing.T, store *memory.Store, includeDeleted bool) []*types.Entity {
	t.Helper()
	out, err := store.ListEntities(context.Background(), storage.EntityByDataSourceType, storage.EntityKey{
		DataSourceID: "ds1", EntityType: types.TypeIdentities, IncludeDeleted: includeDeleted,
	})
	require.NoError(t, err)
	return out
}

func TestHandleCreatesUpdatesAndMarksUnchanged(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	p := New(store, fabric, nil)
	ctx := context.Background()

	ada := map[string]interface{}{"id": "u1", "displayName": "Ada"}
	bob := map[string]interface{}{"id": "u2", "displayName": "Bob"}
	require.NoError(t, p.Handle(ctx, fetched("s1", false, record("u1", ada), record("u2", bob))))

	got := entities(t, store, false)
	require.Len(t, got, 2)

	// Second sync: Ada unchanged, Bob renamed.
	bob2 := map[string]interface{}{"id": "u2", "displayName": "Robert"}
	require.NoError(t, p.Handle(ctx, fetched("s2", false, record("u1", ada), record("u2", bob2))))

	adaEnt, err := store.GetEntityByExternalID(ctx, "ds1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "s2", adaEnt.SyncID, "unchanged entity restamped")
	assert.Equal(t, types.ComputeDataHash(types.TypeIdentities, ada), adaEnt.DataHash)

	bobEnt, err := store.GetEntityByExternalID(ctx, "ds1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "s2", bobEnt.SyncID)
	assert.Equal(t, "Robert", bobEnt.RawData["displayName"])
}

func TestFinalBatchSweeps(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	p := New(store, fabric, nil)
	ctx := context.Background()

	u1 := map[string]interface{}{"id": "u1", "displayName": "Ada"}
	u2 := map[string]interface{}{"id": "u2", "displayName": "Bob"}
	require.NoError(t, p.Handle(ctx, fetched("s1", false, record("u1", u1), record("u2", u2))))

	// Next sync only returns u1; u2 must be swept on the final batch.
	require.NoError(t, p.Handle(ctx, fetched("s2", false, record("u1", u1))))

	live := entities(t, store, false)
	require.Len(t, live, 1)
	assert.Equal(t, "u1", live[0].ExternalID)

	all := entities(t, store, true)
	assert.Len(t, all, 2)
}

func TestNonFinalBatchDoesNotSweep(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	p := New(store, fabric, nil)
	ctx := context.Background()

	u1 := map[string]interface{}{"id": "u1"}
	u2 := map[string]interface{}{"id": "u2"}
	require.NoError(t, p.Handle(ctx, fetched("s1", false, record("u1", u1), record("u2", u2))))

	// Paged sync: first page has more, so nothing is swept yet.
	require.NoError(t, p.Handle(ctx, fetched("s2", true, record("u1", u1))))
	assert.Len(t, entities(t, store, false), 2)

	require.NoError(t, p.Handle(ctx, fetched("s2", false, record("u2", u2))))
	assert.Len(t, entities(t, store, false), 2)
}

func TestReplayIsIdempotent(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	p := New(store, fabric, nil)
	ctx := context.Background()

	raw := map[string]interface{}{"id": "u1", "displayName": "Ada"}
	ev := fetched("s1", false, record("u1", raw))
	require.NoError(t, p.Handle(ctx, ev))

	before, err := store.GetEntityByExternalID(ctx, "ds1", "u1")
	require.NoError(t, err)

	require.NoError(t, p.Handle(ctx, ev))

	after, err := store.GetEntityByExternalID(ctx, "ds1", "u1")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "replay must not create a second entity")
	assert.Len(t, entities(t, store, true), 1)
}

func TestHandlePublishesProcessedEvent(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	p := New(store, fabric, nil)
	ctx := context.Background()

	events := make(chan types.ProcessedEvent, 2)
	stop, err := fabric.Subscribe("processed.*", "test", func(ctx context.Context, data []byte) error {
		var ev types.ProcessedEvent
		if err := queue.Decode(data, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)
	defer stop()

	raw := map[string]interface{}{"id": "u1"}
	require.NoError(t, p.Handle(ctx, fetched("s1", false, record("u1", raw))))

	ev := <-events
	assert.Equal(t, "s1", ev.SyncID)
	assert.Equal(t, types.TypeIdentities, ev.EntityType)
	assert.True(t, ev.Final)
	assert.Len(t, ev.ChangedEntityIDs, 1)
}

func TestChurnFieldChangeIsUnchanged(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	p := New(store, fabric, nil)
	ctx := context.Background()

	v1 := map[string]interface{}{"id": "u1", "displayName": "Ada",
		"signInActivity": map[string]interface{}{"lastSignInDateTime": "2026-08-01T00:00:00Z"}}
	require.NoError(t, p.Handle(ctx, fetched("s1", false, record("u1", v1))))

	first, err := store.GetEntityByExternalID(ctx, "ds1", "u1")
	require.NoError(t, err)

	// Only the churn field moves; the hash, and therefore the stored raw
	// data, must not change.
	v2 := map[string]interface{}{"id": "u1", "displayName": "Ada",
		"signInActivity": map[string]interface{}{"lastSignInDateTime": "2026-08-20T00:00:00Z"}}
	require.NoError(t, p.Handle(ctx, fetched("s2", false, record("u1", v2))))

	second, err := store.GetEntityByExternalID(ctx, "ds1", "u1")
	require.NoError(t, err)
	assert.Equal(t, first.DataHash, second.DataHash)
	assert.Equal(t, "s2", second.SyncID)
	assert.Equal(t, "2026-08-01T00:00:00Z",
		second.RawData["signInActivity"].(map[string]interface{})["lastSignInDateTime"],
		"unchanged records keep the previously stored raw data")
}
