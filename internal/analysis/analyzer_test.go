package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/postured/internal/licensenames"
	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage/memory"
	"github.com/kestrelsec/postured/internal/types"
)

const (
	skuE5 = "c7df2760-2c81-4ef7-b578-5b5392b571df"
	skuE3 = "05e9a617-0261-4cee-bb44-138d3ef5d965"
)

func init() {
	if err := licensenames.Init(""); err != nil {
		panic(err)
	}
}

func putEntity(t *testing.T, store *memory.Store, externalID string, entityType types.EntityType, normalized map[string]interface{}) *types.Entity {
	t.Helper()
	e := &types.Entity{
		ID:             uuid.NewString(),
		TenantID:       "t1",
		DataSourceID:   "ds1",
		ExternalID:     externalID,
		EntityType:     entityType,
		NormalizedData: normalized,
		SyncID:         "s1",
		LastSeenAt:     types.NowMillis(),
		UpdatedAt:      types.NowMillis(),
	}
	require.NoError(t, store.PutEntity(context.Background(), e))
	return e
}

func relate(t *testing.T, store *memory.Store, parent, child *types.Entity, rel types.RelationshipType) {
	t.Helper()
	require.NoError(t, store.PutRelationships(context.Background(), []*types.EntityRelationship{{
		ID:               uuid.NewString(),
		TenantID:         "t1",
		DataSourceID:     "ds1",
		ParentEntityID:   parent.ID,
		ChildEntityID:    child.ID,
		RelationshipType: rel,
		SyncID:           "s1",
		LastSeenAt:       types.NowMillis(),
		UpdatedAt:        types.NowMillis(),
	}}))
}

// runOnce runs the analyzer directly against the fixture and captures the
// published unified event.
func runOnce(t *testing.T, a *Analyzer) *types.UnifiedAnalysisEvent {
	t.Helper()
	fabric := a.fabric.(*queue.Inproc)
	events := make(chan types.UnifiedAnalysisEvent, 1)
	stop, err := fabric.Subscribe(queue.TopicAnalysisUnified, "test", func(ctx context.Context, data []byte) error {
		var ev types.UnifiedAnalysisEvent
		if err := queue.Decode(data, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.Run(context.Background(), "t1", "ds1", "microsoft-365", "s1"))
	select {
	case ev := <-events:
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("no unified event published")
		return nil
	}
}

func byFingerprint(ev *types.UnifiedAnalysisEvent) map[string]types.Finding {
	out := make(map[string]types.Finding)
	for _, f := range ev.AllFindings() {
		out[f.Fingerprint] = f
	}
	return out
}

func newAnalyzer(store *memory.Store) (*Analyzer, func()) {
	fabric := queue.NewInproc()
	a := New(store, fabric, nil)
	return a, func() { a.Stop(); fabric.Close() }
}

func TestSecurityDefaultsCoversAdminsFully(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	role := putEntity(t, store, "r1", types.TypeRoles, map[string]interface{}{"displayName": "Global Administrator"})
	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	bob := putEntity(t, store, "u2", types.TypeIdentities, map[string]interface{}{"displayName": "Bob", "enabled": true})
	carol := putEntity(t, store, "u3", types.TypeIdentities, map[string]interface{}{"displayName": "Carol", "enabled": true})
	putEntity(t, store, "security-defaults", types.TypePolicies, map[string]interface{}{
		"securityDefaults": true, "enabled": true,
	})
	relate(t, store, ada, role, types.RelAssignedRole)

	ev := runOnce(t, a)
	findings := byFingerprint(ev)

	assert.NotContains(t, findings, "mfa_not_enforced:"+ada.ID)
	assert.NotContains(t, findings, "mfa_partial_enforced:"+ada.ID, "security defaults fully cover admins")
	assert.NotContains(t, findings, "policy_gap:"+ada.ID)

	for _, member := range []*types.Entity{bob, carol} {
		f, ok := findings["mfa_partial_enforced:"+member.ID]
		require.True(t, ok, "member %s should have a partial finding", member.ExternalID)
		assert.Equal(t, types.SeverityMedium, f.Severity)
		assert.Equal(t, AnalysisMFA, f.AnalysisType)
	}
	assert.Equal(t, 3, ev.EntityCounts[string(types.TypeIdentities)])
	assert.Equal(t, AllAnalysisTypes, ev.AnalysisTypes)
}

func TestNoEnforcementAtAll(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	role := putEntity(t, store, "r1", types.TypeRoles, map[string]interface{}{"displayName": "Helpdesk Admin"})
	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	bob := putEntity(t, store, "u2", types.TypeIdentities, map[string]interface{}{"displayName": "Bob", "enabled": true})
	relate(t, store, ada, role, types.RelAssignedRole)

	findings := byFingerprint(runOnce(t, a))

	f := findings["mfa_not_enforced:"+ada.ID]
	assert.Equal(t, types.SeverityCritical, f.Severity, "unprotected admins are critical")
	assert.Equal(t, types.SeverityHigh, findings["mfa_not_enforced:"+bob.ID].Severity)

	gap, ok := findings["policy_gap:"+ada.ID]
	require.True(t, ok, "uncovered admin gets a policy gap")
	assert.Equal(t, types.SeverityHigh, gap.Severity)
	assert.NotContains(t, findings, "policy_gap:"+bob.ID, "policy gaps are admin-only")
}

func TestAllAppsMFAPolicyIsFullCoverage(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	putEntity(t, store, "p1", types.TypePolicies, map[string]interface{}{
		"securityDefaults": false, "enabled": true, "mfaRequired": true,
		"includeUsers": []string{"All"}, "allApps": true,
	})

	ev := runOnce(t, a)
	assert.Empty(t, ev.Findings[AnalysisMFA])
	assert.Empty(t, ev.Findings[AnalysisPolicyGap])
}

func TestAppSubsetPolicyIsPartial(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	putEntity(t, store, "p1", types.TypePolicies, map[string]interface{}{
		"securityDefaults": false, "enabled": true, "mfaRequired": true,
		"includeUsers": []string{"u1"}, "allApps": false,
	})

	findings := byFingerprint(runOnce(t, a))
	f, ok := findings["mfa_partial_enforced:"+ada.ID]
	require.True(t, ok)
	assert.Equal(t, types.SeverityMedium, f.Severity)
}

func TestPolicyReachesIdentityThroughNestedGroup(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	inner := putEntity(t, store, "g1", types.TypeGroups, map[string]interface{}{"displayName": "Eng"})
	outer := putEntity(t, store, "g2", types.TypeGroups, map[string]interface{}{"displayName": "Staff"})
	putEntity(t, store, "p1", types.TypePolicies, map[string]interface{}{
		"securityDefaults": false, "enabled": true, "mfaRequired": true,
		"includeGroups": []string{"g2"}, "allApps": true,
	})
	relate(t, store, ada, inner, types.RelMemberOf)
	relate(t, store, inner, outer, types.RelMemberOf)

	ev := runOnce(t, a)
	assert.Empty(t, ev.Findings[AnalysisMFA], "policy on the outer group covers nested members")
}

func TestExclusionsWinOverInclusions(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	putEntity(t, store, "p1", types.TypePolicies, map[string]interface{}{
		"securityDefaults": false, "enabled": true, "mfaRequired": true,
		"includeUsers": []string{"All"}, "excludeUsers": []string{"u1"}, "allApps": true,
	})

	findings := byFingerprint(runOnce(t, a))
	assert.Contains(t, findings, "mfa_not_enforced:"+ada.ID)
}

func TestDisabledIdentitySkipsMFAChecks(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	off := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Old Bob", "enabled": false})

	findings := byFingerprint(runOnce(t, a))
	assert.NotContains(t, findings, "mfa_not_enforced:"+off.ID)
}

func TestDisabledHolderIsLicenseWaste(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	off := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Old Bob", "enabled": false})
	lic := putEntity(t, store, "lic-e3", types.TypeLicenses, map[string]interface{}{
		"skuId": skuE3, "totalUnits": 10.0, "consumedUnits": 3.0,
	})
	relate(t, store, off, lic, types.RelHasLicense)

	findings := byFingerprint(runOnce(t, a))
	f, ok := findings["license_waste:"+off.ID+":"+skuE3]
	require.True(t, ok)
	assert.Equal(t, types.SeverityMedium, f.Severity, "disabled holders outrank stale ones")
	assert.Contains(t, f.Message, "Microsoft 365 E3")
	assert.Contains(t, f.Message, "is disabled")
}

func TestStaleIdentityWithLicense(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	now := types.NowMillis()
	a.now = func() types.Millis { return now }
	lastLogin := float64(now) - 120*24*60*60*1000

	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{
		"displayName": "Ada", "enabled": true, "lastLogin": lastLogin,
	})
	lic := putEntity(t, store, "lic-e5", types.TypeLicenses, map[string]interface{}{
		"skuId": skuE5, "totalUnits": 5.0, "consumedUnits": 1.0,
	})
	relate(t, store, ada, lic, types.RelHasLicense)

	findings := byFingerprint(runOnce(t, a))

	stale, ok := findings["stale_user:"+ada.ID]
	require.True(t, ok)
	assert.Equal(t, types.SeverityMedium, stale.Severity, "licensed stale users rank medium")
	assert.Contains(t, stale.Message, "120 days")

	waste, ok := findings["license_waste:"+ada.ID+":"+skuE5]
	require.True(t, ok)
	assert.Equal(t, types.SeverityLow, waste.Severity)
	assert.Contains(t, waste.Message, "Microsoft 365 E5")
}

func TestStaleAdminRanksHigh(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	now := types.NowMillis()
	a.now = func() types.Millis { return now }

	role := putEntity(t, store, "r1", types.TypeRoles, map[string]interface{}{"displayName": "Global Administrator"})
	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{
		"displayName": "Ada", "enabled": true,
		"lastLogin": float64(now) - 100*24*60*60*1000,
	})
	relate(t, store, ada, role, types.RelAssignedRole)

	findings := byFingerprint(runOnce(t, a))
	assert.Equal(t, types.SeverityHigh, findings["stale_user:"+ada.ID].Severity)
}

func TestNeverLoggedInIsNotStale(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	fresh := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{
		"displayName": "New Hire", "enabled": true, "lastLogin": 0.0,
	})

	findings := byFingerprint(runOnce(t, a))
	assert.NotContains(t, findings, "stale_user:"+fresh.ID)
}

func TestLicenseOveruse(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	over := putEntity(t, store, "lic-e3", types.TypeLicenses, map[string]interface{}{
		"skuId": skuE3, "totalUnits": 10.0, "consumedUnits": 12.0,
	})
	putEntity(t, store, "lic-empty", types.TypeLicenses, map[string]interface{}{
		"skuId": "sku-x", "totalUnits": 0.0, "consumedUnits": 0.0,
	})
	leak := putEntity(t, store, "lic-leak", types.TypeLicenses, map[string]interface{}{
		"skuId": "sku-y", "totalUnits": 0.0, "consumedUnits": 5.0,
	})

	findings := byFingerprint(runOnce(t, a))

	f, ok := findings["license_overuse:"+over.ID]
	require.True(t, ok)
	assert.Equal(t, types.SeverityHigh, f.Severity)
	assert.Contains(t, f.Message, "12 of 10 seats")

	assert.Contains(t, findings, "license_overuse:"+leak.ID, "consumption against a zero pool is overuse")
	assert.Len(t, findings, 2)
}

func TestTagEdits(t *testing.T) {
	store := memory.New()
	defer store.Close()
	a, done := newAnalyzer(store)
	defer done()

	role := putEntity(t, store, "r1", types.TypeRoles, map[string]interface{}{"displayName": "Global Administrator"})
	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})
	relate(t, store, ada, role, types.RelAssignedRole)

	ev := runOnce(t, a)
	require.Len(t, ev.TagEdits, 1)
	edit := ev.TagEdits[0]
	assert.Equal(t, ada.ID, edit.EntityID)
	assert.ElementsMatch(t, []string{TagAdmin, TagNoMFA}, edit.TagsToAdd)
	assert.ElementsMatch(t, []string{TagPartialMFA, TagStale}, edit.TagsToRemove)
}

func TestDebounceCoalescesLinkedEvents(t *testing.T) {
	store := memory.New()
	defer store.Close()
	fabric := queue.NewInproc()
	defer fabric.Close()
	a := New(store, fabric, nil)
	a.Debounce = 50 * time.Millisecond
	require.NoError(t, a.Start())
	defer a.Stop()

	putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada", "enabled": true})

	events := make(chan types.UnifiedAnalysisEvent, 4)
	stop, err := fabric.Subscribe(queue.TopicAnalysisUnified, "test", func(ctx context.Context, data []byte) error {
		var ev types.UnifiedAnalysisEvent
		if err := queue.Decode(data, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)
	defer stop()

	linked := types.LinkedEvent{
		SyncID: "s1", TenantID: "t1", DataSourceID: "ds1",
		IntegrationSlug: "microsoft-365", EntityType: types.TypeIdentities,
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, fabric.Publish(ctx, queue.TopicLinked("microsoft-365"), linked))
	}

	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("debounced run never fired")
	}
	select {
	case <-events:
		t.Fatal("burst of linked events produced more than one run")
	case <-time.After(300 * time.Millisecond):
	}
}
