// Package linker materializes relationship edges from normalized entity
// data after each processed batch.
//
// Each entity type authors one edge kind: identities and groups author
// member_of, roles author assigned_role, policies author applies_to, and
// licenses author has_license. The diff against the stored edge set only
// deletes an edge when its source-of-truth entity was re-synced under the
// event's syncId, so a groups sync never tears down edges the identities
// sync declared.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

// Linker consumes processed.* and emits linked.<slug>.
type Linker struct {
	store   storage.Storage
	fabric  queue.Fabric
	metrics *telemetry.Pipeline

	stop func()
}

// New creates a linker. metrics may be nil.
func New(store storage.Storage, fabric queue.Fabric, metrics *telemetry.Pipeline) *Linker {
	return &Linker{store: store, fabric: fabric, metrics: metrics}
}

// Start subscribes to all processed.* events.
func (l *Linker) Start() error {
	stop, err := l.fabric.Subscribe("processed.*", "linker", func(ctx context.Context, data []byte) error {
		var ev types.ProcessedEvent
		if err := queue.Decode(data, &ev); err != nil {
			log.Printf("[linker] dropping undecodable event: %v", err)
			return nil
		}
		return l.Handle(ctx, &ev)
	})
	if err != nil {
		return fmt.Errorf("linker: subscribe: %w", err)
	}
	l.stop = stop
	return nil
}

// Stop unsubscribes.
func (l *Linker) Stop() {
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
}

// relTypeFor maps the authoring entity type to the edge kind it declares.
func relTypeFor(t types.EntityType) (types.RelationshipType, bool) {
	switch t {
	case types.TypeIdentities, types.TypeGroups:
		return types.RelMemberOf, true
	case types.TypeRoles:
		return types.RelAssignedRole, true
	case types.TypePolicies:
		return types.RelAppliesTo, true
	case types.TypeLicenses:
		return types.RelHasLicense, true
	}
	return "", false
}

// sourceOfTruthID returns the entity whose sync governs deletion of an edge.
// member_of and applies_to are declared by the parent; assigned_role and
// has_license by the child (roles and licenses list their holders).
func sourceOfTruthID(r *types.EntityRelationship) string {
	switch r.RelationshipType {
	case types.RelAssignedRole, types.RelHasLicense:
		return r.ChildEntityID
	default:
		return r.ParentEntityID
	}
}

type edgeKey struct {
	parent string
	child  string
	rel    types.RelationshipType
}

// Handle diffs desired edges against stored edges for one processed batch.
func (l *Linker) Handle(ctx context.Context, ev *types.ProcessedEvent) error {
	relType, ok := relTypeFor(ev.EntityType)
	if !ok {
		return nil
	}
	now := types.NowMillis()

	desired, err := l.desiredEdges(ctx, ev)
	if err != nil {
		return err
	}
	existing, err := l.store.ListRelationships(ctx, storage.RelByDataSourceType, storage.RelationshipKey{
		DataSourceID:     ev.DataSourceID,
		RelationshipType: relType,
	})
	if err != nil {
		return fmt.Errorf("linker: list edges: %w", err)
	}

	existingByKey := make(map[edgeKey]*types.EntityRelationship, len(existing))
	for _, r := range existing {
		existingByKey[edgeKey{r.ParentEntityID, r.ChildEntityID, r.RelationshipType}] = r
	}

	var inserts []*types.EntityRelationship
	var touches []string
	affected := make(map[string]struct{})

	for key := range desired {
		if r, ok := existingByKey[key]; ok {
			touches = append(touches, r.ID)
			continue
		}
		inserts = append(inserts, &types.EntityRelationship{
			ID:               uuid.NewString(),
			TenantID:         ev.TenantID,
			DataSourceID:     ev.DataSourceID,
			ParentEntityID:   key.parent,
			ChildEntityID:    key.child,
			RelationshipType: key.rel,
			SyncID:           ev.SyncID,
			LastSeenAt:       now,
			UpdatedAt:        now,
		})
		affected[key.parent] = struct{}{}
		affected[key.child] = struct{}{}
	}

	var deletes []string
	for key, r := range existingByKey {
		if _, ok := desired[key]; ok {
			continue
		}
		truth, err := l.store.GetEntity(ctx, sourceOfTruthID(r))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Source entity purged; the edge goes with it.
				deletes = append(deletes, r.ID)
				affected[key.parent] = struct{}{}
				affected[key.child] = struct{}{}
			}
			continue
		}
		if truth.SyncID == ev.SyncID {
			deletes = append(deletes, r.ID)
			affected[key.parent] = struct{}{}
			affected[key.child] = struct{}{}
		}
	}

	if len(inserts) > 0 {
		if err := l.store.PutRelationships(ctx, inserts); err != nil {
			return fmt.Errorf("linker: insert edges: %w", err)
		}
	}
	if len(touches) > 0 {
		if err := l.store.TouchRelationships(ctx, touches, ev.SyncID, now); err != nil {
			return fmt.Errorf("linker: touch edges: %w", err)
		}
	}
	if len(deletes) > 0 {
		if err := l.store.SoftDeleteRelationships(ctx, deletes, now); err != nil {
			return fmt.Errorf("linker: delete edges: %w", err)
		}
	}
	if l.metrics != nil && len(inserts)+len(touches) > 0 {
		telemetry.Count(ctx, l.metrics.EdgesLinked, int64(len(inserts)+len(touches)), telemetry.Tenant(ev.TenantID))
	}

	changed := make([]string, 0, len(affected))
	for id := range affected {
		changed = append(changed, id)
	}
	out := types.LinkedEvent{
		SyncID:           ev.SyncID,
		TenantID:         ev.TenantID,
		DataSourceID:     ev.DataSourceID,
		IntegrationSlug:  ev.IntegrationSlug,
		EntityType:       ev.EntityType,
		ChangedEntityIDs: changed,
	}
	return l.fabric.Publish(ctx, queue.TopicLinked(ev.IntegrationSlug), out)
}

// desiredEdges computes the edge set the current entity snapshot declares.
// Targets that resolve to no live entity are skipped; they usually belong
// to a type that has not synced yet and will appear on its next pass.
func (l *Linker) desiredEdges(ctx context.Context, ev *types.ProcessedEvent) (map[edgeKey]struct{}, error) {
	entities, err := l.store.ListEntities(ctx, storage.EntityByDataSourceType, storage.EntityKey{
		DataSourceID: ev.DataSourceID,
		EntityType:   ev.EntityType,
	})
	if err != nil {
		return nil, fmt.Errorf("linker: list %s: %w", ev.EntityType, err)
	}

	desired := make(map[edgeKey]struct{})
	add := func(parentID, childID string, rel types.RelationshipType) {
		if parentID != "" && childID != "" {
			desired[edgeKey{parentID, childID, rel}] = struct{}{}
		}
	}
	resolve := func(externalID string) string {
		e, err := l.store.GetEntityByExternalID(ctx, ev.DataSourceID, externalID)
		if err != nil {
			return ""
		}
		return e.ID
	}

	for _, e := range entities {
		switch ev.EntityType {
		case types.TypeIdentities:
			for _, gid := range e.NormalizedStrings("groups") {
				add(e.ID, resolve(gid), types.RelMemberOf)
			}
		case types.TypeGroups:
			// member_of is authored by the member side (identity.groups,
			// group.groups for nesting), never from group.members, so two
			// authors cannot fight over the same edge.
			for _, gid := range e.NormalizedStrings("groups") {
				add(e.ID, resolve(gid), types.RelMemberOf)
			}
		case types.TypeRoles:
			for _, mid := range e.NormalizedStrings("members") {
				add(resolve(mid), e.ID, types.RelAssignedRole)
			}
		case types.TypePolicies:
			for _, uid := range e.NormalizedStrings("includeUsers") {
				if uid == "All" {
					continue
				}
				add(e.ID, resolve(uid), types.RelAppliesTo)
			}
			for _, gid := range e.NormalizedStrings("includeGroups") {
				add(e.ID, resolve(gid), types.RelAppliesTo)
			}
		case types.TypeLicenses:
			for _, uid := range e.NormalizedStrings("assignedTo") {
				add(resolve(uid), e.ID, types.RelHasLicense)
			}
		}
	}
	return desired, nil
}
