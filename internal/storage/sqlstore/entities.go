package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

const putEntitySQL = `
	INSERT INTO entities
		(id, doc, tenant_id, data_source_id, site_id, entity_type, external_id, live_external_id, sync_id, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		doc=VALUES(doc), tenant_id=VALUES(tenant_id), data_source_id=VALUES(data_source_id),
		site_id=VALUES(site_id), entity_type=VALUES(entity_type), external_id=VALUES(external_id),
		live_external_id=VALUES(live_external_id), sync_id=VALUES(sync_id), deleted_at=VALUES(deleted_at)`

func entityArgs(e *types.Entity, doc []byte) []interface{} {
	var liveExt interface{}
	if e.DeletedAt == nil {
		liveExt = e.ExternalID
	}
	return []interface{}{
		e.ID, doc, e.TenantID, e.DataSourceID, e.SiteID, string(e.EntityType),
		e.ExternalID, liveExt, e.SyncID, nullableMillis(e.DeletedAt),
	}
}

func (s *Store) PutEntity(ctx context.Context, e *types.Entity) error {
	doc, err := marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, putEntitySQL, entityArgs(e, doc)...)
	return err
}

func (s *Store) PutEntities(ctx context.Context, es []*types.Entity) error {
	if len(es) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, putEntitySQL)
	if err != nil {
		return fmt.Errorf("sqlstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range es {
		doc, err := marshal(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, entityArgs(e, doc)...); err != nil {
			return fmt.Errorf("sqlstore: put entity %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getDoc[types.Entity](ctx, s.db, "entities", id)
}

func (s *Store) GetEntityByExternalID(ctx context.Context, dataSourceID, externalID string) (*types.Entity, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM entities WHERE data_source_id = ? AND live_external_id = ?",
		dataSourceID, externalID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: entity by external id: %w", err)
	}
	e := new(types.Entity)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("sqlstore: decode entity: %w", err)
	}
	return e, nil
}

func (s *Store) ListEntities(ctx context.Context, idx storage.EntityIndex, key storage.EntityKey) ([]*types.Entity, error) {
	where := ""
	var args []interface{}

	switch idx {
	case storage.EntityByTenant:
		if key.TenantID == "" {
			return nil, fmt.Errorf("%w: %s requires TenantID", storage.ErrBadIndex, idx)
		}
		where, args = "tenant_id = ?", []interface{}{key.TenantID}
	case storage.EntityByDataSource:
		if key.DataSourceID == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID", storage.ErrBadIndex, idx)
		}
		where, args = "data_source_id = ?", []interface{}{key.DataSourceID}
	case storage.EntityByDataSourceType:
		if key.DataSourceID == "" || key.EntityType == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and EntityType", storage.ErrBadIndex, idx)
		}
		where, args = "data_source_id = ? AND entity_type = ?", []interface{}{key.DataSourceID, string(key.EntityType)}
	case storage.EntityBySiteType:
		if key.SiteID == "" || key.EntityType == "" {
			return nil, fmt.Errorf("%w: %s requires SiteID and EntityType", storage.ErrBadIndex, idx)
		}
		where, args = "site_id = ? AND entity_type = ?", []interface{}{key.SiteID, string(key.EntityType)}
	case storage.EntityByExternalID:
		if key.DataSourceID == "" || key.ExternalID == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and ExternalID", storage.ErrBadIndex, idx)
		}
		where, args = "data_source_id = ? AND external_id = ?", []interface{}{key.DataSourceID, key.ExternalID}
	case storage.EntityBySyncID:
		if key.DataSourceID == "" || key.SyncID == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and SyncID", storage.ErrBadIndex, idx)
		}
		where, args = "data_source_id = ? AND sync_id = ?", []interface{}{key.DataSourceID, key.SyncID}
	default:
		return nil, fmt.Errorf("%w: unknown entity index %q", storage.ErrBadIndex, idx)
	}

	if key.EntityType != "" && idx != storage.EntityByDataSourceType && idx != storage.EntityBySiteType {
		where += " AND entity_type = ?"
		args = append(args, string(key.EntityType))
	}
	if !key.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	return queryDocs[types.Entity](ctx, s.db, "SELECT doc FROM entities WHERE "+where, args...)
}

func (s *Store) MarkEntitiesSeen(ctx context.Context, ids []string, syncID string, seenAt types.Millis) error {
	if len(ids) == 0 {
		return nil
	}
	args := []interface{}{syncID, seenAt, seenAt, syncID}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET doc = JSON_SET(doc, '$.syncId', ?, '$.lastSeenAt', ?, '$.updatedAt', ?),
			sync_id = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *Store) SweepEntities(ctx context.Context, dataSourceID string, entityType types.EntityType, keepSyncID string, now types.Millis) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM entities
		WHERE data_source_id = ? AND entity_type = ? AND sync_id <> ? AND deleted_at IS NULL
		FOR UPDATE`,
		dataSourceID, string(entityType), keepSyncID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sweep select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	args := []interface{}{now, now, now}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET doc = JSON_SET(doc, '$.deletedAt', ?, '$.updatedAt', ?),
			deleted_at = ?, live_external_id = NULL
		WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return nil, fmt.Errorf("sqlstore: sweep update: %w", err)
	}
	return ids, tx.Commit()
}

func (s *Store) SetEntityStates(ctx context.Context, states map[string]types.EntityState, now types.Millis) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE entities
		SET doc = JSON_SET(doc, '$.state', ?, '$.updatedAt', ?)
		WHERE id = ? AND JSON_UNQUOTE(JSON_EXTRACT(doc, '$.state')) <> ?`)
	if err != nil {
		return fmt.Errorf("sqlstore: prepare: %w", err)
	}
	defer stmt.Close()

	for id, state := range states {
		if _, err := stmt.ExecContext(ctx, string(state), now, id, string(state)); err != nil {
			return fmt.Errorf("sqlstore: set state %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) PurgeDeletedEntities(ctx context.Context, olderThan types.Millis) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entities WHERE deleted_at IS NOT NULL AND deleted_at < ?", olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
