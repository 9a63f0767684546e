package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

// slowQueryThreshold marks a context-loader query as slow.
const slowQueryThreshold = 500 * time.Millisecond

// maxGroupDepth caps nested-group traversal. Cycles in group membership are
// tolerated; reachability just stops at the cap.
const maxGroupDepth = 8

// Context is a point-in-time snapshot of one data source's entities and
// relationships, prebuilt into the lookup maps the checks read.
type Context struct {
	TenantID        string
	DataSourceID    string
	IntegrationSlug string

	Identities []*types.Entity
	Groups     []*types.Entity
	Roles      []*types.Entity
	Policies   []*types.Entity
	Licenses   []*types.Entity

	ByID         map[string]*types.Entity
	ByExternalID map[string]*types.Entity

	// Direct relationship maps, entity id -> entity ids.
	IdentityGroups   map[string][]string // identity -> groups (direct)
	GroupGroups      map[string][]string // group -> containing groups
	GroupMembers     map[string][]string // group -> direct members
	IdentityRoles    map[string][]string
	RoleAssignees    map[string][]string
	IdentityLicenses map[string][]string
	LicenseHolders   map[string][]string
	PolicyTargets    map[string][]string

	// IdentityPolicies covers direct targeting and targeting via any group
	// the identity transitively belongs to.
	IdentityPolicies map[string][]string

	Stats types.AnalysisStats
}

// Loader reads analysis contexts from the store.
type Loader struct {
	store storage.Storage
}

// NewLoader creates a context loader.
func NewLoader(store storage.Storage) *Loader {
	return &Loader{store: store}
}

// contextTypes are the entity types the unified checks consume.
var contextTypes = []types.EntityType{
	types.TypeIdentities, types.TypeGroups, types.TypeRoles,
	types.TypePolicies, types.TypeLicenses,
}

var contextRels = []types.RelationshipType{
	types.RelMemberOf, types.RelAssignedRole, types.RelHasLicense, types.RelAppliesTo,
}

// Load builds the snapshot for one data source. Nine indexed queries for the
// full Microsoft-365 shape. A torn read (mixed syncIds inside one entity
// type, meaning a sync committed mid-load) triggers one reload; the second
// result is accepted as-is.
func (l *Loader) Load(ctx context.Context, tenantID, dataSourceID, slug string) (*Context, error) {
	start := time.Now()
	c, err := l.loadOnce(ctx, tenantID, dataSourceID, slug)
	if err != nil {
		return nil, err
	}
	if torn(c) {
		retry, err := l.loadOnce(ctx, tenantID, dataSourceID, slug)
		if err != nil {
			return nil, err
		}
		retry.Stats.QueryCount += c.Stats.QueryCount
		retry.Stats.SlowQueryCount += c.Stats.SlowQueryCount
		c = retry
	}
	c.buildDerived()
	c.Stats.LoadTimeMs = time.Since(start).Milliseconds()
	return c, nil
}

func (l *Loader) loadOnce(ctx context.Context, tenantID, dataSourceID, slug string) (*Context, error) {
	c := &Context{
		TenantID:        tenantID,
		DataSourceID:    dataSourceID,
		IntegrationSlug: slug,
		ByID:            make(map[string]*types.Entity),
		ByExternalID:    make(map[string]*types.Entity),
	}

	for _, t := range contextTypes {
		entities, err := l.query(c, func() ([]*types.Entity, error) {
			return l.store.ListEntities(ctx, storage.EntityByDataSourceType, storage.EntityKey{
				DataSourceID: dataSourceID, EntityType: t,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("analysis: load %s: %w", t, err)
		}
		switch t {
		case types.TypeIdentities:
			c.Identities = entities
		case types.TypeGroups:
			c.Groups = entities
		case types.TypeRoles:
			c.Roles = entities
		case types.TypePolicies:
			c.Policies = entities
		case types.TypeLicenses:
			c.Licenses = entities
		}
		for _, e := range entities {
			c.ByID[e.ID] = e
			c.ByExternalID[e.ExternalID] = e
		}
	}

	c.IdentityGroups = make(map[string][]string)
	c.GroupGroups = make(map[string][]string)
	c.GroupMembers = make(map[string][]string)
	c.IdentityRoles = make(map[string][]string)
	c.RoleAssignees = make(map[string][]string)
	c.IdentityLicenses = make(map[string][]string)
	c.LicenseHolders = make(map[string][]string)
	c.PolicyTargets = make(map[string][]string)

	for _, rt := range contextRels {
		rels, err := l.queryRels(c, func() ([]*types.EntityRelationship, error) {
			return l.store.ListRelationships(ctx, storage.RelByDataSourceType, storage.RelationshipKey{
				DataSourceID: dataSourceID, RelationshipType: rt,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("analysis: load %s edges: %w", rt, err)
		}
		for _, r := range rels {
			c.indexEdge(r)
		}
	}
	return c, nil
}

func (l *Loader) query(c *Context, fn func() ([]*types.Entity, error)) ([]*types.Entity, error) {
	start := time.Now()
	out, err := fn()
	c.noteQuery(time.Since(start))
	return out, err
}

func (l *Loader) queryRels(c *Context, fn func() ([]*types.EntityRelationship, error)) ([]*types.EntityRelationship, error) {
	start := time.Now()
	out, err := fn()
	c.noteQuery(time.Since(start))
	return out, err
}

func (c *Context) noteQuery(d time.Duration) {
	c.Stats.QueryCount++
	if d > slowQueryThreshold {
		c.Stats.SlowQueryCount++
	}
}

func (c *Context) indexEdge(r *types.EntityRelationship) {
	switch r.RelationshipType {
	case types.RelMemberOf:
		parent, ok := c.ByID[r.ParentEntityID]
		if !ok {
			return
		}
		if parent.EntityType == types.TypeGroups {
			c.GroupGroups[r.ParentEntityID] = append(c.GroupGroups[r.ParentEntityID], r.ChildEntityID)
		} else {
			c.IdentityGroups[r.ParentEntityID] = append(c.IdentityGroups[r.ParentEntityID], r.ChildEntityID)
		}
		c.GroupMembers[r.ChildEntityID] = append(c.GroupMembers[r.ChildEntityID], r.ParentEntityID)
	case types.RelAssignedRole:
		c.IdentityRoles[r.ParentEntityID] = append(c.IdentityRoles[r.ParentEntityID], r.ChildEntityID)
		c.RoleAssignees[r.ChildEntityID] = append(c.RoleAssignees[r.ChildEntityID], r.ParentEntityID)
	case types.RelHasLicense:
		c.IdentityLicenses[r.ParentEntityID] = append(c.IdentityLicenses[r.ParentEntityID], r.ChildEntityID)
		c.LicenseHolders[r.ChildEntityID] = append(c.LicenseHolders[r.ChildEntityID], r.ParentEntityID)
	case types.RelAppliesTo:
		c.PolicyTargets[r.ParentEntityID] = append(c.PolicyTargets[r.ParentEntityID], r.ChildEntityID)
	}
}

// torn reports whether any entity type carries mixed syncIds, the signature
// of reading while a sync was committing.
func torn(c *Context) bool {
	for _, set := range [][]*types.Entity{c.Identities, c.Groups, c.Roles, c.Policies, c.Licenses} {
		seen := ""
		for _, e := range set {
			if seen == "" {
				seen = e.SyncID
			} else if e.SyncID != seen {
				return true
			}
		}
	}
	return false
}

// buildDerived computes transitive memberships and the identity->policies
// map from the direct edge maps.
func (c *Context) buildDerived() {
	c.IdentityPolicies = make(map[string][]string)
	for policyID, targets := range c.PolicyTargets {
		for _, target := range targets {
			e, ok := c.ByID[target]
			if !ok {
				continue
			}
			if e.EntityType == types.TypeGroups {
				for _, member := range c.groupMembersTransitive(target) {
					c.IdentityPolicies[member] = appendUnique(c.IdentityPolicies[member], policyID)
				}
			} else {
				c.IdentityPolicies[target] = appendUnique(c.IdentityPolicies[target], policyID)
			}
		}
	}
}

// AllGroups returns every group the identity belongs to, following nested
// group containment up to the depth cap.
func (c *Context) AllGroups(identityID string) []string {
	var out []string
	seen := make(map[string]bool)
	frontier := c.IdentityGroups[identityID]
	for depth := 0; depth < maxGroupDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, g := range frontier {
			if seen[g] {
				continue
			}
			seen[g] = true
			out = append(out, g)
			next = append(next, c.GroupGroups[g]...)
		}
		frontier = next
	}
	return out
}

// groupMembersTransitive returns the identity members of a group, expanding
// member groups up to the depth cap.
func (c *Context) groupMembersTransitive(groupID string) []string {
	var out []string
	seen := make(map[string]bool)
	frontier := []string{groupID}
	for depth := 0; depth < maxGroupDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, g := range frontier {
			if seen[g] {
				continue
			}
			seen[g] = true
			for _, member := range c.GroupMembers[g] {
				e, ok := c.ByID[member]
				if !ok {
					continue
				}
				if e.EntityType == types.TypeGroups {
					next = append(next, member)
				} else {
					out = appendUnique(out, member)
				}
			}
		}
		frontier = next
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
