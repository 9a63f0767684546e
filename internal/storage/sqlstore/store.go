// Package sqlstore is the MySQL-backed Storage implementation.
//
// Records are stored as JSON documents with denormalized index columns; see
// schema.go. Migrate is idempotent and is what `postured migrate` runs.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

var _ storage.Storage = (*Store)(nil)

// Store wraps a MySQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to the store. dsn is a go-sql-driver DSN
// (user:pass@tcp(host:3306)/posture?parseTime=true).
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates tables and indexes. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// marshal encodes a record for the doc column.
func marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal: %w", err)
	}
	return data, nil
}

// getDoc reads one document by primary key.
func getDoc[T any](ctx context.Context, db *sql.DB, table, id string) (*T, error) {
	var data []byte
	err := db.QueryRowContext(ctx, "SELECT doc FROM "+table+" WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", table, err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("sqlstore: decode %s: %w", table, err)
	}
	return out, nil
}

// queryDocs runs a SELECT doc query and decodes every row.
func queryDocs[T any](ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("sqlstore: decode: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// placeholders returns "?, ?, ..." for n args.
func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func nullableMillis(m *types.Millis) interface{} {
	if m == nil {
		return nil
	}
	return *m
}

// --- Tenants ---

func (s *Store) PutTenant(ctx context.Context, t *types.Tenant) error {
	doc, err := marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, doc, status, deleted_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE doc=VALUES(doc), status=VALUES(status), deleted_at=VALUES(deleted_at)`,
		t.ID, doc, string(t.Status), nullableMillis(t.DeletedAt))
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	return getDoc[types.Tenant](ctx, s.db, "tenants", id)
}

func (s *Store) ListTenants(ctx context.Context, status types.TenantStatus) ([]*types.Tenant, error) {
	if status != "" {
		return queryDocs[types.Tenant](ctx, s.db,
			"SELECT doc FROM tenants WHERE status = ? AND deleted_at IS NULL", string(status))
	}
	return queryDocs[types.Tenant](ctx, s.db,
		"SELECT doc FROM tenants WHERE deleted_at IS NULL")
}

// --- Sites ---

func (s *Store) PutSite(ctx context.Context, site *types.Site) error {
	doc, err := marshal(site)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sites (id, doc, tenant_id, deleted_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE doc=VALUES(doc), tenant_id=VALUES(tenant_id), deleted_at=VALUES(deleted_at)`,
		site.ID, doc, site.TenantID, nullableMillis(site.DeletedAt))
	return err
}

func (s *Store) GetSite(ctx context.Context, id string) (*types.Site, error) {
	return getDoc[types.Site](ctx, s.db, "sites", id)
}

func (s *Store) ListSites(ctx context.Context, tenantID string) ([]*types.Site, error) {
	return queryDocs[types.Site](ctx, s.db,
		"SELECT doc FROM sites WHERE tenant_id = ? AND deleted_at IS NULL", tenantID)
}

// --- Integrations ---

func (s *Store) PutIntegration(ctx context.Context, i *types.Integration) error {
	doc, err := marshal(i)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, doc, slug) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE doc=VALUES(doc), slug=VALUES(slug)`,
		i.ID, doc, i.Slug)
	return err
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*types.Integration, error) {
	return getDoc[types.Integration](ctx, s.db, "integrations", id)
}

func (s *Store) GetIntegrationBySlug(ctx context.Context, slug string) (*types.Integration, error) {
	out, err := queryDocs[types.Integration](ctx, s.db,
		"SELECT doc FROM integrations WHERE slug = ?", slug)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out[0], nil
}

func (s *Store) ListIntegrations(ctx context.Context) ([]*types.Integration, error) {
	return queryDocs[types.Integration](ctx, s.db, "SELECT doc FROM integrations")
}

// --- Data sources ---

func (s *Store) PutDataSource(ctx context.Context, d *types.DataSource) error {
	doc, err := marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, doc, tenant_id, status, deleted_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE doc=VALUES(doc), tenant_id=VALUES(tenant_id),
			status=VALUES(status), deleted_at=VALUES(deleted_at)`,
		d.ID, doc, d.TenantID, string(d.Status), nullableMillis(d.DeletedAt))
	return err
}

func (s *Store) GetDataSource(ctx context.Context, id string) (*types.DataSource, error) {
	return getDoc[types.DataSource](ctx, s.db, "data_sources", id)
}

func (s *Store) ListDataSources(ctx context.Context, tenantID string, status types.DataSourceStatus) ([]*types.DataSource, error) {
	if status != "" {
		return queryDocs[types.DataSource](ctx, s.db,
			"SELECT doc FROM data_sources WHERE tenant_id = ? AND status = ? AND deleted_at IS NULL",
			tenantID, string(status))
	}
	return queryDocs[types.DataSource](ctx, s.db,
		"SELECT doc FROM data_sources WHERE tenant_id = ? AND deleted_at IS NULL", tenantID)
}

func (s *Store) ListAllDataSources(ctx context.Context, status types.DataSourceStatus) ([]*types.DataSource, error) {
	if status != "" {
		return queryDocs[types.DataSource](ctx, s.db,
			"SELECT doc FROM data_sources WHERE status = ? AND deleted_at IS NULL", string(status))
	}
	return queryDocs[types.DataSource](ctx, s.db,
		"SELECT doc FROM data_sources WHERE deleted_at IS NULL")
}
