package memory

import (
	"context"
	"fmt"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

// entityIndexKeys returns every secondary-index bucket key for an entity.
func entityIndexKeys(e *types.Entity) []string {
	return []string{
		bkey("tenant", e.TenantID),
		bkey("ds", e.DataSourceID),
		bkey("dstype", e.DataSourceID, string(e.EntityType)),
		bkey("sitetype", e.SiteID, string(e.EntityType)),
		bkey("sync", e.DataSourceID, e.SyncID),
	}
}

func (s *Store) indexEntity(e *types.Entity) {
	for _, k := range entityIndexKeys(e) {
		s.entityIdx.add(k, e.ID)
	}
	if e.DeletedAt == nil {
		s.entityByDSExt[bkey(e.DataSourceID, e.ExternalID)] = e.ID
	}
}

func (s *Store) unindexEntity(e *types.Entity) {
	for _, k := range entityIndexKeys(e) {
		s.entityIdx.remove(k, e.ID)
	}
	extKey := bkey(e.DataSourceID, e.ExternalID)
	if s.entityByDSExt[extKey] == e.ID {
		delete(s.entityByDSExt, extKey)
	}
}

func (s *Store) putEntityLocked(e *types.Entity) {
	if old, ok := s.entities[e.ID]; ok {
		s.unindexEntity(old)
	}
	stored := clone(e)
	s.entities[stored.ID] = stored
	s.indexEntity(stored)
}

func (s *Store) PutEntity(ctx context.Context, e *types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.putEntityLocked(e)
	return nil
}

func (s *Store) PutEntities(ctx context.Context, es []*types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, e := range es {
		s.putEntityLocked(e)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := s.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(e), nil
}

func (s *Store) GetEntityByExternalID(ctx context.Context, dataSourceID, externalID string) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, ok := s.entityByDSExt[bkey(dataSourceID, externalID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s.entities[id]), nil
}

func (s *Store) ListEntities(ctx context.Context, idx storage.EntityIndex, key storage.EntityKey) ([]*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var bucket string
	switch idx {
	case storage.EntityByTenant:
		if key.TenantID == "" {
			return nil, fmt.Errorf("%w: %s requires TenantID", storage.ErrBadIndex, idx)
		}
		bucket = bkey("tenant", key.TenantID)
	case storage.EntityByDataSource:
		if key.DataSourceID == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID", storage.ErrBadIndex, idx)
		}
		bucket = bkey("ds", key.DataSourceID)
	case storage.EntityByDataSourceType:
		if key.DataSourceID == "" || key.EntityType == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and EntityType", storage.ErrBadIndex, idx)
		}
		bucket = bkey("dstype", key.DataSourceID, string(key.EntityType))
	case storage.EntityBySiteType:
		if key.SiteID == "" || key.EntityType == "" {
			return nil, fmt.Errorf("%w: %s requires SiteID and EntityType", storage.ErrBadIndex, idx)
		}
		bucket = bkey("sitetype", key.SiteID, string(key.EntityType))
	case storage.EntityByExternalID:
		if key.DataSourceID == "" || key.ExternalID == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and ExternalID", storage.ErrBadIndex, idx)
		}
		if id, ok := s.entityByDSExt[bkey(key.DataSourceID, key.ExternalID)]; ok {
			return []*types.Entity{clone(s.entities[id])}, nil
		}
		return nil, nil
	case storage.EntityBySyncID:
		if key.DataSourceID == "" || key.SyncID == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and SyncID", storage.ErrBadIndex, idx)
		}
		bucket = bkey("sync", key.DataSourceID, key.SyncID)
	default:
		return nil, fmt.Errorf("%w: unknown entity index %q", storage.ErrBadIndex, idx)
	}

	var out []*types.Entity
	for _, id := range s.entityIdx.ids(bucket) {
		e := s.entities[id]
		if e.DeletedAt != nil && !key.IncludeDeleted {
			continue
		}
		if key.EntityType != "" && e.EntityType != key.EntityType {
			continue
		}
		out = append(out, clone(e))
	}
	return out, nil
}

func (s *Store) MarkEntitiesSeen(ctx context.Context, ids []string, syncID string, seenAt types.Millis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		e, ok := s.entities[id]
		if !ok {
			continue
		}
		s.unindexEntity(e)
		e.SyncID = syncID
		e.LastSeenAt = seenAt
		e.UpdatedAt = seenAt
		s.indexEntity(e)
	}
	return nil
}

func (s *Store) SweepEntities(ctx context.Context, dataSourceID string, entityType types.EntityType, keepSyncID string, now types.Millis) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var swept []string
	for _, id := range s.entityIdx.ids(bkey("dstype", dataSourceID, string(entityType))) {
		e := s.entities[id]
		if e.DeletedAt != nil || e.SyncID == keepSyncID {
			continue
		}
		s.unindexEntity(e)
		deletedAt := now
		e.DeletedAt = &deletedAt
		e.UpdatedAt = now
		s.indexEntity(e)
		swept = append(swept, id)
	}
	return swept, nil
}

func (s *Store) SetEntityStates(ctx context.Context, states map[string]types.EntityState, now types.Millis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for id, state := range states {
		e, ok := s.entities[id]
		if !ok || e.State == state {
			continue
		}
		e.State = state
		e.UpdatedAt = now
	}
	return nil
}

func (s *Store) PurgeDeletedEntities(ctx context.Context, olderThan types.Millis) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	purged := 0
	for id, e := range s.entities {
		if e.DeletedAt != nil && *e.DeletedAt < olderThan {
			s.unindexEntity(e)
			delete(s.entities, id)
			purged++
		}
	}
	return purged, nil
}
