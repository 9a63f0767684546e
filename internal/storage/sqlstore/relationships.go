package sqlstore

import (
	"context"
	"fmt"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

const putRelSQL = `
	INSERT INTO entity_relationships
		(id, doc, tenant_id, data_source_id, parent_entity_id, child_entity_id, relationship_type, sync_id, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		doc=VALUES(doc), sync_id=VALUES(sync_id), deleted_at=VALUES(deleted_at)`

func (s *Store) PutRelationships(ctx context.Context, rels []*types.EntityRelationship) error {
	if len(rels) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, putRelSQL)
	if err != nil {
		return fmt.Errorf("sqlstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rels {
		doc, err := marshal(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, doc, r.TenantID, r.DataSourceID, r.ParentEntityID, r.ChildEntityID,
			string(r.RelationshipType), r.SyncID, nullableMillis(r.DeletedAt)); err != nil {
			return fmt.Errorf("sqlstore: put relationship %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListRelationships(ctx context.Context, idx storage.RelationshipIndex, key storage.RelationshipKey) ([]*types.EntityRelationship, error) {
	where := ""
	var args []interface{}

	switch idx {
	case storage.RelByParent:
		if key.ParentEntityID == "" {
			return nil, fmt.Errorf("%w: %s requires ParentEntityID", storage.ErrBadIndex, idx)
		}
		where, args = "parent_entity_id = ?", []interface{}{key.ParentEntityID}
	case storage.RelByParentType:
		if key.ParentEntityID == "" || key.RelationshipType == "" {
			return nil, fmt.Errorf("%w: %s requires ParentEntityID and RelationshipType", storage.ErrBadIndex, idx)
		}
		where = "parent_entity_id = ? AND relationship_type = ?"
		args = []interface{}{key.ParentEntityID, string(key.RelationshipType)}
	case storage.RelByChildType:
		if key.ChildEntityID == "" || key.RelationshipType == "" {
			return nil, fmt.Errorf("%w: %s requires ChildEntityID and RelationshipType", storage.ErrBadIndex, idx)
		}
		where = "child_entity_id = ? AND relationship_type = ?"
		args = []interface{}{key.ChildEntityID, string(key.RelationshipType)}
	case storage.RelByDataSourceType:
		if key.DataSourceID == "" || key.RelationshipType == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and RelationshipType", storage.ErrBadIndex, idx)
		}
		where = "data_source_id = ? AND relationship_type = ?"
		args = []interface{}{key.DataSourceID, string(key.RelationshipType)}
	default:
		return nil, fmt.Errorf("%w: unknown relationship index %q", storage.ErrBadIndex, idx)
	}

	if !key.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	return queryDocs[types.EntityRelationship](ctx, s.db,
		"SELECT doc FROM entity_relationships WHERE "+where, args...)
}

func (s *Store) TouchRelationships(ctx context.Context, ids []string, syncID string, seenAt types.Millis) error {
	if len(ids) == 0 {
		return nil
	}
	args := []interface{}{syncID, seenAt, seenAt, syncID}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE entity_relationships
		SET doc = JSON_SET(doc, '$.syncId', ?, '$.lastSeenAt', ?, '$.updatedAt', ?),
			sync_id = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *Store) SoftDeleteRelationships(ctx context.Context, ids []string, now types.Millis) error {
	if len(ids) == 0 {
		return nil
	}
	args := []interface{}{now, now, now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE entity_relationships
		SET doc = JSON_SET(doc, '$.deletedAt', ?, '$.updatedAt', ?), deleted_at = ?
		WHERE id IN (`+placeholders(len(ids))+`) AND deleted_at IS NULL`, args...)
	return err
}

func (s *Store) PurgeDeletedRelationships(ctx context.Context, olderThan types.Millis) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entity_relationships WHERE deleted_at IS NOT NULL AND deleted_at < ?", olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
