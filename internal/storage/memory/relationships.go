package memory

import (
	"context"
	"fmt"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

func relIndexKeys(r *types.EntityRelationship) []string {
	return []string{
		bkey("parent", r.ParentEntityID),
		bkey("parenttype", r.ParentEntityID, string(r.RelationshipType)),
		bkey("childtype", r.ChildEntityID, string(r.RelationshipType)),
		bkey("dstype", r.DataSourceID, string(r.RelationshipType)),
	}
}

func (s *Store) indexRel(r *types.EntityRelationship) {
	for _, k := range relIndexKeys(r) {
		s.relIdx.add(k, r.ID)
	}
}

func (s *Store) unindexRel(r *types.EntityRelationship) {
	for _, k := range relIndexKeys(r) {
		s.relIdx.remove(k, r.ID)
	}
}

func (s *Store) PutRelationships(ctx context.Context, rels []*types.EntityRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, r := range rels {
		if old, ok := s.rels[r.ID]; ok {
			s.unindexRel(old)
		}
		stored := clone(r)
		s.rels[stored.ID] = stored
		s.indexRel(stored)
	}
	return nil
}

func (s *Store) ListRelationships(ctx context.Context, idx storage.RelationshipIndex, key storage.RelationshipKey) ([]*types.EntityRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var bucket string
	switch idx {
	case storage.RelByParent:
		if key.ParentEntityID == "" {
			return nil, fmt.Errorf("%w: %s requires ParentEntityID", storage.ErrBadIndex, idx)
		}
		bucket = bkey("parent", key.ParentEntityID)
	case storage.RelByParentType:
		if key.ParentEntityID == "" || key.RelationshipType == "" {
			return nil, fmt.Errorf("%w: %s requires ParentEntityID and RelationshipType", storage.ErrBadIndex, idx)
		}
		bucket = bkey("parenttype", key.ParentEntityID, string(key.RelationshipType))
	case storage.RelByChildType:
		if key.ChildEntityID == "" || key.RelationshipType == "" {
			return nil, fmt.Errorf("%w: %s requires ChildEntityID and RelationshipType", storage.ErrBadIndex, idx)
		}
		bucket = bkey("childtype", key.ChildEntityID, string(key.RelationshipType))
	case storage.RelByDataSourceType:
		if key.DataSourceID == "" || key.RelationshipType == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and RelationshipType", storage.ErrBadIndex, idx)
		}
		bucket = bkey("dstype", key.DataSourceID, string(key.RelationshipType))
	default:
		return nil, fmt.Errorf("%w: unknown relationship index %q", storage.ErrBadIndex, idx)
	}

	var out []*types.EntityRelationship
	for _, id := range s.relIdx.ids(bucket) {
		r := s.rels[id]
		if r.DeletedAt != nil && !key.IncludeDeleted {
			continue
		}
		out = append(out, clone(r))
	}
	return out, nil
}

func (s *Store) TouchRelationships(ctx context.Context, ids []string, syncID string, seenAt types.Millis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		r, ok := s.rels[id]
		if !ok {
			continue
		}
		r.SyncID = syncID
		r.LastSeenAt = seenAt
		r.UpdatedAt = seenAt
	}
	return nil
}

func (s *Store) SoftDeleteRelationships(ctx context.Context, ids []string, now types.Millis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		r, ok := s.rels[id]
		if !ok || r.DeletedAt != nil {
			continue
		}
		deletedAt := now
		r.DeletedAt = &deletedAt
		r.UpdatedAt = now
	}
	return nil
}

func (s *Store) PurgeDeletedRelationships(ctx context.Context, olderThan types.Millis) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	purged := 0
	for id, r := range s.rels {
		if r.DeletedAt != nil && *r.DeletedAt < olderThan {
			s.unindexRel(r)
			delete(s.rels, id)
			purged++
		}
	}
	return purged, nil
}
