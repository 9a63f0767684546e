package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

const putAlertSQL = `
	INSERT INTO entity_alerts
		(id, doc, tenant_id, data_source_id, entity_id, alert_type, severity, status, fingerprint, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		doc=VALUES(doc), severity=VALUES(severity), status=VALUES(status), updated_at=VALUES(updated_at)`

func alertArgs(a *types.EntityAlert, doc []byte) []interface{} {
	return []interface{}{
		a.ID, doc, a.TenantID, a.DataSourceID, a.EntityID, a.AlertType,
		string(a.Severity), string(a.Status), a.Fingerprint, a.UpdatedAt,
	}
}

func (s *Store) PutAlert(ctx context.Context, a *types.EntityAlert) error {
	doc, err := marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, putAlertSQL, alertArgs(a, doc)...)
	return err
}

func (s *Store) PutAlerts(ctx context.Context, as []*types.EntityAlert) error {
	if len(as) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, putAlertSQL)
	if err != nil {
		return fmt.Errorf("sqlstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range as {
		doc, err := marshal(a)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, alertArgs(a, doc)...); err != nil {
			return fmt.Errorf("sqlstore: put alert %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetAlert(ctx context.Context, id string) (*types.EntityAlert, error) {
	return getDoc[types.EntityAlert](ctx, s.db, "entity_alerts", id)
}

func (s *Store) ListAlerts(ctx context.Context, idx storage.AlertIndex, key storage.AlertKey) ([]*types.EntityAlert, error) {
	switch idx {
	case storage.AlertByEntityStatus:
		if key.EntityID == "" || key.Status == "" {
			return nil, fmt.Errorf("%w: %s requires EntityID and Status", storage.ErrBadIndex, idx)
		}
		return queryDocs[types.EntityAlert](ctx, s.db,
			"SELECT doc FROM entity_alerts WHERE entity_id = ? AND status = ?",
			key.EntityID, string(key.Status))
	case storage.AlertByFingerprint:
		if key.Fingerprint == "" {
			return nil, fmt.Errorf("%w: %s requires Fingerprint", storage.ErrBadIndex, idx)
		}
		return queryDocs[types.EntityAlert](ctx, s.db,
			"SELECT doc FROM entity_alerts WHERE fingerprint = ?", key.Fingerprint)
	case storage.AlertByDataSourceStatusType:
		if key.DataSourceID == "" || key.Status == "" || len(key.AlertTypes) == 0 {
			return nil, fmt.Errorf("%w: %s requires DataSourceID, Status, and AlertTypes", storage.ErrBadIndex, idx)
		}
		args := []interface{}{key.DataSourceID, string(key.Status)}
		for _, at := range key.AlertTypes {
			args = append(args, at)
		}
		return queryDocs[types.EntityAlert](ctx, s.db, `
			SELECT doc FROM entity_alerts
			WHERE data_source_id = ? AND status = ?
			AND alert_type IN (`+placeholders(len(key.AlertTypes))+`)`, args...)
	case storage.AlertByTenantStatusSeverity:
		if key.TenantID == "" || key.Status == "" || key.Severity == "" {
			return nil, fmt.Errorf("%w: %s requires TenantID, Status, and Severity", storage.ErrBadIndex, idx)
		}
		return queryDocs[types.EntityAlert](ctx, s.db,
			"SELECT doc FROM entity_alerts WHERE tenant_id = ? AND status = ? AND severity = ?",
			key.TenantID, string(key.Status), string(key.Severity))
	}
	return nil, fmt.Errorf("%w: unknown alert index %q", storage.ErrBadIndex, strings.TrimSpace(string(idx)))
}

func (s *Store) PurgeAlerts(ctx context.Context, olderThan types.Millis) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entity_alerts WHERE status = ? AND updated_at < ?",
		string(types.AlertResolved), olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
