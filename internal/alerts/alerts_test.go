package alerts

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/postured/internal/analysis"
	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/storage/memory"
	"github.com/kestrelsec/postured/internal/types"
)

func newManager(t *testing.T) (*Manager, *memory.Store, func()) {
	t.Helper()
	store := memory.New()
	fabric := queue.NewInproc()
	m := New(store, fabric, nil)
	return m, store, func() { fabric.Close(); store.Close() }
}

func putIdentity(t *testing.T, store *memory.Store, id string) *types.Entity {
	t.Helper()
	e := &types.Entity{
		ID:           id,
		TenantID:     "t1",
		DataSourceID: "ds1",
		ExternalID:   "x-" + id,
		EntityType:   types.TypeIdentities,
		State:        types.StateNormal,
		SyncID:       "s1",
		LastSeenAt:   types.NowMillis(),
		UpdatedAt:    types.NowMillis(),
	}
	require.NoError(t, store.PutEntity(context.Background(), e))
	return e
}

func unified(findings map[string][]types.Finding, edits ...types.TagEdit) *types.UnifiedAnalysisEvent {
	if findings == nil {
		findings = map[string][]types.Finding{}
	}
	return &types.UnifiedAnalysisEvent{
		SyncID:          "s1",
		TenantID:        "t1",
		DataSourceID:    "ds1",
		IntegrationSlug: "microsoft-365",
		AnalysisTypes:   analysis.AllAnalysisTypes,
		Findings:        findings,
		TagEdits:        edits,
	}
}

func mfaFinding(entityID string, sev types.Severity) types.Finding {
	return types.Finding{
		AnalysisType: analysis.AnalysisMFA,
		EntityID:     entityID,
		Severity:     sev,
		Fingerprint:  "mfa_not_enforced:" + entityID,
		Message:      "no MFA enforcement",
	}
}

func activeAlerts(t *testing.T, store *memory.Store) []*types.EntityAlert {
	t.Helper()
	out, err := store.ListAlerts(context.Background(), storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: "ds1",
		Status:       types.AlertActive,
		AlertTypes:   analysis.AllAnalysisTypes,
	})
	require.NoError(t, err)
	return out
}

func TestCreatesAlertAndSetsEntityState(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	ev := unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityMedium)},
	})
	require.NoError(t, m.Handle(ctx, ev))

	alerts := activeAlerts(t, store)
	require.Len(t, alerts, 1)
	assert.Equal(t, "mfa_not_enforced:"+ada.ID, alerts[0].Fingerprint)
	assert.Equal(t, types.SeverityMedium, alerts[0].Severity)

	got, err := store.GetEntity(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateWarn, got.State, "medium severity rolls up to warn")
}

func TestReplayIsIdempotent(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	ev := unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityHigh)},
	})
	require.NoError(t, m.Handle(ctx, ev))
	first := activeAlerts(t, store)
	require.Len(t, first, 1)

	require.NoError(t, m.Handle(ctx, ev))
	second := activeAlerts(t, store)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "replay must patch, not duplicate")
}

func TestEmptyFindingsResolveAndResetState(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityCritical)},
	})))
	got, err := store.GetEntity(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCritical, got.State)

	// Next run, the finding is gone.
	require.NoError(t, m.Handle(ctx, unified(nil)))

	assert.Empty(t, activeAlerts(t, store))
	got, err = store.GetEntity(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateNormal, got.State)

	a, err := store.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: "ds1", Status: types.AlertResolved, AlertTypes: analysis.AllAnalysisTypes,
	})
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.NotZero(t, a[0].ResolvedAt)
}

func TestRecurringFindingReactivatesResolvedAlert(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	finding := mfaFinding(ada.ID, types.SeverityMedium)

	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {finding},
	})))
	first := activeAlerts(t, store)
	require.Len(t, first, 1)

	// The finding disappears, then comes back on a later run.
	require.NoError(t, m.Handle(ctx, unified(nil)))
	assert.Empty(t, activeAlerts(t, store))

	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {finding},
	})))

	again := activeAlerts(t, store)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID, "the resolved row flips back instead of duplicating")
	assert.Zero(t, again[0].ResolvedAt)
	assert.NotZero(t, again[0].LastSeenAt)

	resolved, err := store.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: "ds1", Status: types.AlertResolved, AlertTypes: analysis.AllAnalysisTypes,
	})
	require.NoError(t, err)
	assert.Empty(t, resolved, "no resolved duplicate is left behind")

	got, err := store.GetEntity(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateWarn, got.State)
}

func TestResolvedAlertStaysResolvedWithoutFinding(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityMedium)},
	})))
	require.NoError(t, m.Handle(ctx, unified(nil)))

	resolved, err := store.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: "ds1", Status: types.AlertResolved, AlertTypes: analysis.AllAnalysisTypes,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	resolvedAt := resolved[0].ResolvedAt

	// Another empty run leaves the resolved row untouched.
	require.NoError(t, m.Handle(ctx, unified(nil)))
	got, err := store.GetAlert(ctx, resolved[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, got.Status)
	assert.Equal(t, resolvedAt, got.ResolvedAt, "resolvedAt is not rewritten on later runs")
}

func TestSeverityChangePatchesInPlace(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityMedium)},
	})))
	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityCritical)},
	})))

	alerts := activeAlerts(t, store)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)

	got, err := store.GetEntity(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCritical, got.State)
}

func TestLiveSuppressionIsRespected(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	now := types.NowMillis()
	m.now = func() types.Millis { return now }

	ada := putIdentity(t, store, "u1")
	suppressed := &types.EntityAlert{
		ID:              uuid.NewString(),
		TenantID:        "t1",
		DataSourceID:    "ds1",
		EntityID:        ada.ID,
		AlertType:       analysis.AnalysisMFA,
		Severity:        types.SeverityHigh,
		Status:          types.AlertSuppressed,
		Fingerprint:     "mfa_not_enforced:" + ada.ID,
		SuppressedAt:    now - 1000,
		SuppressedUntil: now + 60_000,
		UpdatedAt:       now - 1000,
	}
	require.NoError(t, store.PutAlert(ctx, suppressed))

	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityHigh)},
	})))

	// The live suppression keeps the alert out of the pool, so the finding
	// opens nothing new and the suppressed alert is untouched.
	got, err := store.GetAlert(ctx, suppressed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertSuppressed, got.Status)
	assert.Empty(t, activeAlerts(t, store))
}

func TestExpiredSuppressionReactivates(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	now := types.NowMillis()
	m.now = func() types.Millis { return now }

	ada := putIdentity(t, store, "u1")
	suppressed := &types.EntityAlert{
		ID:              uuid.NewString(),
		TenantID:        "t1",
		DataSourceID:    "ds1",
		EntityID:        ada.ID,
		AlertType:       analysis.AnalysisMFA,
		Severity:        types.SeverityHigh,
		Status:          types.AlertSuppressed,
		Fingerprint:     "mfa_not_enforced:" + ada.ID,
		SuppressedAt:    now - 120_000,
		SuppressedUntil: now - 1000,
		UpdatedAt:       now - 120_000,
	}
	require.NoError(t, store.PutAlert(ctx, suppressed))

	require.NoError(t, m.Handle(ctx, unified(map[string][]types.Finding{
		analysis.AnalysisMFA: {mfaFinding(ada.ID, types.SeverityHigh)},
	})))

	alerts := activeAlerts(t, store)
	require.Len(t, alerts, 1)
	assert.Equal(t, suppressed.ID, alerts[0].ID, "expired suppression reactivates the same alert")
	assert.Zero(t, alerts[0].SuppressedUntil)
}

func TestTagEditsMergeWithForeignTags(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	ada.Tags = []string{"VIP", analysis.TagPartialMFA}
	require.NoError(t, store.PutEntity(ctx, ada))

	require.NoError(t, m.Handle(ctx, unified(nil, types.TagEdit{
		EntityID:     ada.ID,
		TagsToAdd:    []string{analysis.TagAdmin, analysis.TagNoMFA},
		TagsToRemove: []string{analysis.TagPartialMFA, analysis.TagStale},
	})))

	got, err := store.GetEntity(ctx, ada.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"VIP", analysis.TagAdmin, analysis.TagNoMFA}, got.Tags,
		"tags the analyzer does not manage are preserved")
}

func TestTagEditForMissingEntityIsSkipped(t *testing.T) {
	m, _, done := newManager(t)
	defer done()

	require.NoError(t, m.Handle(context.Background(), unified(nil, types.TagEdit{
		EntityID:  "gone",
		TagsToAdd: []string{analysis.TagAdmin},
	})))
}

func TestOnlyListedTypesAreResolved(t *testing.T) {
	m, store, done := newManager(t)
	defer done()
	ctx := context.Background()

	ada := putIdentity(t, store, "u1")
	foreign := &types.EntityAlert{
		ID:           uuid.NewString(),
		TenantID:     "t1",
		DataSourceID: "ds1",
		EntityID:     ada.ID,
		AlertType:    "endpoint_compliance",
		Severity:     types.SeverityHigh,
		Status:       types.AlertActive,
		Fingerprint:  "endpoint_compliance:" + ada.ID,
		UpdatedAt:    types.NowMillis(),
	}
	require.NoError(t, store.PutAlert(ctx, foreign))

	require.NoError(t, m.Handle(ctx, unified(nil)))

	got, err := store.GetAlert(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertActive, got.Status,
		"alerts of types outside the run's analysisTypes are left alone")
}
