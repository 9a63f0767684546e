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

const putAgentSQL = `
	INSERT INTO agents (id, doc, tenant_id, guid, deleted_at) VALUES (?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE doc=VALUES(doc), deleted_at=VALUES(deleted_at)`

func (s *Store) PutAgent(ctx context.Context, a *types.Agent) error {
	doc, err := marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, putAgentSQL,
		a.ID, doc, a.TenantID, a.GUID, nullableMillis(a.DeletedAt))
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	return getDoc[types.Agent](ctx, s.db, "agents", id)
}

func (s *Store) GetAgentByGUID(ctx context.Context, tenantID, guid string) (*types.Agent, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM agents WHERE tenant_id = ? AND guid = ?", tenantID, guid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: agent by guid: %w", err)
	}
	a := new(types.Agent)
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("sqlstore: decode agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, tenantID string) ([]*types.Agent, error) {
	return queryDocs[types.Agent](ctx, s.db,
		"SELECT doc FROM agents WHERE tenant_id = ? AND deleted_at IS NULL", tenantID)
}

func (s *Store) ListAllAgents(ctx context.Context) ([]*types.Agent, error) {
	return queryDocs[types.Agent](ctx, s.db,
		"SELECT doc FROM agents WHERE deleted_at IS NULL")
}

func (s *Store) BatchUpdateAgents(ctx context.Context, as []*types.Agent) error {
	if len(as) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, putAgentSQL)
	if err != nil {
		return fmt.Errorf("sqlstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range as {
		doc, err := marshal(a)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, a.ID, doc, a.TenantID, a.GUID, nullableMillis(a.DeletedAt)); err != nil {
			return fmt.Errorf("sqlstore: update agent %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}
