package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

func newTestEntity(id, ds, ext string, et types.EntityType, syncID string) *types.Entity {
	return &types.Entity{
		ID:           id,
		TenantID:     "t1",
		DataSourceID: ds,
		ExternalID:   ext,
		EntityType:   et,
		SyncID:       syncID,
		LastSeenAt:   1000,
		UpdatedAt:    1000,
	}
}

func TestEntityUpsertAndExternalLookup(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := newTestEntity("e1", "ds1", "ext1", types.TypeIdentities, "s1")
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	got, err := s.GetEntityByExternalID(ctx, "ds1", "ext1")
	if err != nil {
		t.Fatalf("GetEntityByExternalID: %v", err)
	}
	if got.ID != "e1" {
		t.Errorf("got %s, want e1", got.ID)
	}

	// Mutating the returned record must not affect the store.
	got.ExternalID = "mutated"
	again, _ := s.GetEntityByExternalID(ctx, "ds1", "ext1")
	if again == nil || again.ExternalID != "ext1" {
		t.Error("store shared memory with caller")
	}

	if _, err := s.GetEntityByExternalID(ctx, "ds1", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEntitiesByIndex(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PutEntity(ctx, newTestEntity("e1", "ds1", "x1", types.TypeIdentities, "s1"))
	s.PutEntity(ctx, newTestEntity("e2", "ds1", "x2", types.TypeIdentities, "s1"))
	s.PutEntity(ctx, newTestEntity("e3", "ds1", "x3", types.TypeGroups, "s1"))
	s.PutEntity(ctx, newTestEntity("e4", "ds2", "x1", types.TypeIdentities, "s2"))

	ids, err := s.ListEntities(ctx, storage.EntityByDataSourceType, storage.EntityKey{
		DataSourceID: "ds1", EntityType: types.TypeIdentities,
	})
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("by_data_source_type returned %d rows, want 2", len(ids))
	}

	// Missing key fields must be rejected, not degrade to a scan.
	if _, err := s.ListEntities(ctx, storage.EntityByDataSourceType, storage.EntityKey{DataSourceID: "ds1"}); !errors.Is(err, storage.ErrBadIndex) {
		t.Errorf("expected ErrBadIndex, got %v", err)
	}
	if _, err := s.ListEntities(ctx, "bogus", storage.EntityKey{}); !errors.Is(err, storage.ErrBadIndex) {
		t.Errorf("expected ErrBadIndex for unknown index, got %v", err)
	}
}

func TestSweepEntities(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PutEntity(ctx, newTestEntity("e1", "ds1", "x1", types.TypeIdentities, "old"))
	s.PutEntity(ctx, newTestEntity("e2", "ds1", "x2", types.TypeIdentities, "new"))
	s.PutEntity(ctx, newTestEntity("e3", "ds1", "x3", types.TypeGroups, "old")) // other type, untouched

	swept, err := s.SweepEntities(ctx, "ds1", types.TypeIdentities, "new", 2000)
	if err != nil {
		t.Fatalf("SweepEntities: %v", err)
	}
	if len(swept) != 1 || swept[0] != "e1" {
		t.Fatalf("swept = %v, want [e1]", swept)
	}

	// Swept entity is gone from live lookups but present with IncludeDeleted.
	if _, err := s.GetEntityByExternalID(ctx, "ds1", "x1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("swept entity still live")
	}
	all, _ := s.ListEntities(ctx, storage.EntityByDataSourceType, storage.EntityKey{
		DataSourceID: "ds1", EntityType: types.TypeIdentities, IncludeDeleted: true,
	})
	if len(all) != 2 {
		t.Errorf("IncludeDeleted list returned %d, want 2", len(all))
	}

	// Sweeping again is a no-op.
	swept, _ = s.SweepEntities(ctx, "ds1", types.TypeIdentities, "new", 3000)
	if len(swept) != 0 {
		t.Errorf("second sweep swept %v", swept)
	}

	// Groups were untouched.
	if _, err := s.GetEntityByExternalID(ctx, "ds1", "x3"); err != nil {
		t.Errorf("group entity swept by identity sweep: %v", err)
	}
}

func TestMarkEntitiesSeen(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutEntity(ctx, newTestEntity("e1", "ds1", "x1", types.TypeIdentities, "old"))

	if err := s.MarkEntitiesSeen(ctx, []string{"e1", "missing"}, "new", 5000); err != nil {
		t.Fatalf("MarkEntitiesSeen: %v", err)
	}
	e, _ := s.GetEntity(ctx, "e1")
	if e.SyncID != "new" || e.LastSeenAt != 5000 {
		t.Errorf("entity not stamped: %+v", e)
	}

	// The sync index follows the new syncId.
	rows, _ := s.ListEntities(ctx, storage.EntityBySyncID, storage.EntityKey{DataSourceID: "ds1", SyncID: "new"})
	if len(rows) != 1 {
		t.Errorf("by_sync_id after restamp returned %d rows", len(rows))
	}
}

func TestPurgeDeletedEntities(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := newTestEntity("e1", "ds1", "x1", types.TypeIdentities, "s")
	deletedAt := types.Millis(100)
	old.DeletedAt = &deletedAt
	s.PutEntity(ctx, old)
	s.PutEntity(ctx, newTestEntity("e2", "ds1", "x2", types.TypeIdentities, "s"))

	n, err := s.PurgeDeletedEntities(ctx, 200)
	if err != nil {
		t.Fatalf("PurgeDeletedEntities: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.GetEntity(ctx, "e1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("purged entity still present")
	}
	if _, err := s.GetEntity(ctx, "e2"); err != nil {
		t.Error("live entity purged")
	}
}

func TestJobPendingUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := &types.ScheduledJob{ID: "j1", TenantID: "t1", DataSourceID: "ds1", Action: "sync.identities", Status: types.JobPending, Priority: 5}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	dup := &types.ScheduledJob{ID: "j2", TenantID: "t1", DataSourceID: "ds1", Action: "sync.identities", Status: types.JobPending}
	if err := s.CreateJob(ctx, dup); err == nil {
		t.Error("duplicate pending job allowed")
	}

	// Different action is fine.
	other := &types.ScheduledJob{ID: "j3", TenantID: "t1", DataSourceID: "ds1", Action: "sync.groups", Status: types.JobPending}
	if err := s.CreateJob(ctx, other); err != nil {
		t.Errorf("CreateJob for other action: %v", err)
	}

	has, _ := s.HasPendingJob(ctx, "ds1", "sync.identities")
	if !has {
		t.Error("HasPendingJob = false, want true")
	}
}

func TestClaimJobCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := &types.ScheduledJob{ID: "j1", TenantID: "t1", DataSourceID: "ds1", Action: "sync.identities", Status: types.JobPending}
	s.CreateJob(ctx, j)

	ok, err := s.ClaimJob(ctx, "j1", 1000)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimJob(ctx, "j1", 2000)
	if err != nil {
		t.Fatalf("second claim err: %v", err)
	}
	if ok {
		t.Error("second claim succeeded; CAS broken")
	}

	// Claiming frees the pending slot.
	has, _ := s.HasPendingJob(ctx, "ds1", "sync.identities")
	if has {
		t.Error("pending slot still occupied after claim")
	}
	n, _ := s.CountRunningJobs(ctx, "t1")
	if n != 1 {
		t.Errorf("CountRunningJobs = %d, want 1", n)
	}
}

func TestAlertIndexes(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PutAlert(ctx, &types.EntityAlert{
		ID: "a1", TenantID: "t1", DataSourceID: "ds1", EntityID: "e1",
		AlertType: "mfa_not_enforced", Severity: types.SeverityHigh,
		Status: types.AlertActive, Fingerprint: "mfa_not_enforced:e1",
	})
	s.PutAlert(ctx, &types.EntityAlert{
		ID: "a2", TenantID: "t1", DataSourceID: "ds1", EntityID: "e2",
		AlertType: "stale_user", Severity: types.SeverityMedium,
		Status: types.AlertResolved, Fingerprint: "stale_user:e2",
	})

	got, err := s.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: "ds1", Status: types.AlertActive,
		AlertTypes: []string{"mfa_not_enforced", "stale_user"},
	})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("by_data_source_status_type = %v", got)
	}

	// Status transitions move alerts between index buckets.
	a1, _ := s.GetAlert(ctx, "a1")
	a1.Status = types.AlertResolved
	s.PutAlert(ctx, a1)

	got, _ = s.ListAlerts(ctx, storage.AlertByEntityStatus, storage.AlertKey{EntityID: "e1", Status: types.AlertActive})
	if len(got) != 0 {
		t.Errorf("resolved alert still in active bucket: %v", got)
	}
}

func TestRelationshipDiffSupport(t *testing.T) {
	s := New()
	ctx := context.Background()

	rels := []*types.EntityRelationship{
		{ID: "r1", TenantID: "t1", DataSourceID: "ds1", ParentEntityID: "id1", ChildEntityID: "g1", RelationshipType: types.RelMemberOf, SyncID: "s1"},
		{ID: "r2", TenantID: "t1", DataSourceID: "ds1", ParentEntityID: "id1", ChildEntityID: "g2", RelationshipType: types.RelMemberOf, SyncID: "s1"},
		{ID: "r3", TenantID: "t1", DataSourceID: "ds2", ParentEntityID: "id1", ChildEntityID: "g3", RelationshipType: types.RelMemberOf, SyncID: "s9"},
	}
	if err := s.PutRelationships(ctx, rels); err != nil {
		t.Fatalf("PutRelationships: %v", err)
	}

	got, err := s.ListRelationships(ctx, storage.RelByDataSourceType, storage.RelationshipKey{
		DataSourceID: "ds1", RelationshipType: types.RelMemberOf,
	})
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ds1 member_of edges = %d, want 2", len(got))
	}

	if err := s.SoftDeleteRelationships(ctx, []string{"r2"}, 2000); err != nil {
		t.Fatalf("SoftDeleteRelationships: %v", err)
	}
	got, _ = s.ListRelationships(ctx, storage.RelByParent, storage.RelationshipKey{ParentEntityID: "id1"})
	// r1 (ds1) and r3 (ds2) remain live under parent id1.
	if len(got) != 2 {
		t.Errorf("live edges under id1 = %d, want 2", len(got))
	}
}

func TestAgentGUIDLookupAndBatchUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := &types.Agent{ID: "ag1", TenantID: "t1", GUID: "guid-1", Status: types.AgentOnline}
	s.PutAgent(ctx, a)

	got, err := s.GetAgentByGUID(ctx, "t1", "guid-1")
	if err != nil || got.ID != "ag1" {
		t.Fatalf("GetAgentByGUID: %v %v", got, err)
	}

	a.Status = types.AgentOffline
	if err := s.BatchUpdateAgents(ctx, []*types.Agent{a, a}); err != nil {
		t.Fatalf("BatchUpdateAgents: %v", err)
	}
	got, _ = s.GetAgent(ctx, "ag1")
	if got.Status != types.AgentOffline {
		t.Error("batch update not applied")
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	s.Close()
	if err := s.PutEntity(context.Background(), newTestEntity("e", "ds", "x", types.TypeIdentities, "s")); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
