package analysis

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/postured/internal/storage/memory"
	"github.com/kestrelsec/postured/internal/types"
)

func TestLoadBuildsDerivedMaps(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	ada := putEntity(t, store, "u1", types.TypeIdentities, map[string]interface{}{"displayName": "Ada"})
	g1 := putEntity(t, store, "g1", types.TypeGroups, nil)
	role := putEntity(t, store, "r1", types.TypeRoles, nil)
	policy := putEntity(t, store, "p1", types.TypePolicies, nil)
	lic := putEntity(t, store, "lic", types.TypeLicenses, nil)
	relate(t, store, ada, g1, types.RelMemberOf)
	relate(t, store, ada, role, types.RelAssignedRole)
	relate(t, store, ada, lic, types.RelHasLicense)
	relate(t, store, policy, g1, types.RelAppliesTo)

	c, err := NewLoader(store).Load(ctx, "t1", "ds1", "microsoft-365")
	require.NoError(t, err)

	assert.Equal(t, 9, c.Stats.QueryCount, "five entity lists plus four edge lists")
	assert.Zero(t, c.Stats.SlowQueryCount)

	assert.Equal(t, []string{g1.ID}, c.IdentityGroups[ada.ID])
	assert.Equal(t, []string{role.ID}, c.IdentityRoles[ada.ID])
	assert.Equal(t, []string{lic.ID}, c.IdentityLicenses[ada.ID])
	assert.Equal(t, []string{ada.ID}, c.GroupMembers[g1.ID])
	assert.Equal(t, []string{ada.ID}, c.RoleAssignees[role.ID])
	assert.Equal(t, []string{ada.ID}, c.LicenseHolders[lic.ID])
	assert.Equal(t, []string{g1.ID}, c.PolicyTargets[policy.ID])

	// Group targeting flows down to the member identity.
	assert.Equal(t, []string{policy.ID}, c.IdentityPolicies[ada.ID])

	assert.Same(t, ada, c.ByID[ada.ID])
	assert.Same(t, ada, c.ByExternalID["u1"])
}

func TestTornSnapshotReloadsOnce(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	// Two identities under different syncIds look like a mid-commit read.
	putEntity(t, store, "u1", types.TypeIdentities, nil)
	e := &types.Entity{
		ID: uuid.NewString(), TenantID: "t1", DataSourceID: "ds1",
		ExternalID: "u2", EntityType: types.TypeIdentities, SyncID: "s2",
		LastSeenAt: types.NowMillis(), UpdatedAt: types.NowMillis(),
	}
	require.NoError(t, store.PutEntity(ctx, e))

	c, err := NewLoader(store).Load(ctx, "t1", "ds1", "microsoft-365")
	require.NoError(t, err)

	// One retry, then the second read is accepted even if still mixed.
	assert.Equal(t, 18, c.Stats.QueryCount)
	assert.Len(t, c.Identities, 2)
}

func TestGroupNestingDepthCap(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	ada := putEntity(t, store, "u1", types.TypeIdentities, nil)
	groups := make([]*types.Entity, 10)
	for i := range groups {
		groups[i] = putEntity(t, store, uuid.NewString(), types.TypeGroups, nil)
	}
	relate(t, store, ada, groups[0], types.RelMemberOf)
	for i := 0; i < len(groups)-1; i++ {
		relate(t, store, groups[i], groups[i+1], types.RelMemberOf)
	}

	c, err := NewLoader(store).Load(ctx, "t1", "ds1", "microsoft-365")
	require.NoError(t, err)

	reachable := c.AllGroups(ada.ID)
	assert.Len(t, reachable, maxGroupDepth, "traversal stops at the depth cap")
}

func TestGroupCycleTerminates(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	ada := putEntity(t, store, "u1", types.TypeIdentities, nil)
	g1 := putEntity(t, store, "g1", types.TypeGroups, nil)
	g2 := putEntity(t, store, "g2", types.TypeGroups, nil)
	relate(t, store, ada, g1, types.RelMemberOf)
	relate(t, store, g1, g2, types.RelMemberOf)
	relate(t, store, g2, g1, types.RelMemberOf)

	c, err := NewLoader(store).Load(ctx, "t1", "ds1", "microsoft-365")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{g1.ID, g2.ID}, c.AllGroups(ada.ID))
}

func TestTransitiveGroupMembersThroughNesting(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	ada := putEntity(t, store, "u1", types.TypeIdentities, nil)
	bob := putEntity(t, store, "u2", types.TypeIdentities, nil)
	inner := putEntity(t, store, "g1", types.TypeGroups, nil)
	outer := putEntity(t, store, "g2", types.TypeGroups, nil)
	policy := putEntity(t, store, "p1", types.TypePolicies, nil)

	relate(t, store, ada, inner, types.RelMemberOf)
	relate(t, store, inner, outer, types.RelMemberOf)
	relate(t, store, bob, outer, types.RelMemberOf)
	relate(t, store, policy, outer, types.RelAppliesTo)

	c, err := NewLoader(store).Load(ctx, "t1", "ds1", "microsoft-365")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{ada.ID, bob.ID}, c.groupMembersTransitive(outer.ID))
	assert.Equal(t, []string{policy.ID}, c.IdentityPolicies[ada.ID])
	assert.Equal(t, []string{policy.ID}, c.IdentityPolicies[bob.ID])
}
