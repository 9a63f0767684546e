package sqlstore

// Each collection is one table: a JSON document column plus the columns its
// secondary indexes need. Index columns are written on every upsert from the
// document, never the other way around.
//
// MySQL has no partial unique indexes, so live-row uniqueness uses a
// nullable shadow column that is NULL for soft-deleted rows
// (live_external_id, pending_key); NULLs never collide in a unique index.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		status VARCHAR(16) NOT NULL,
		deleted_at BIGINT NULL,
		INDEX idx_tenants_status (status)
	)`,

	`CREATE TABLE IF NOT EXISTS sites (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		deleted_at BIGINT NULL,
		INDEX idx_sites_tenant (tenant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS integrations (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		slug VARCHAR(128) NOT NULL,
		UNIQUE INDEX idx_integrations_slug (slug)
	)`,

	`CREATE TABLE IF NOT EXISTS data_sources (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		deleted_at BIGINT NULL,
		INDEX idx_data_sources_tenant_status (tenant_id, status),
		INDEX idx_data_sources_status (status)
	)`,

	`CREATE TABLE IF NOT EXISTS entities (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		data_source_id VARCHAR(64) NOT NULL,
		site_id VARCHAR(64) NOT NULL DEFAULT '',
		entity_type VARCHAR(32) NOT NULL,
		external_id VARCHAR(255) NOT NULL,
		live_external_id VARCHAR(255) NULL,
		sync_id VARCHAR(64) NOT NULL DEFAULT '',
		deleted_at BIGINT NULL,
		INDEX idx_entities_by_tenant (tenant_id),
		INDEX idx_entities_by_data_source (data_source_id),
		INDEX idx_entities_by_data_source_type (data_source_id, entity_type),
		INDEX idx_entities_by_site_type (site_id, entity_type),
		UNIQUE INDEX idx_entities_by_external_id (data_source_id, live_external_id),
		INDEX idx_entities_by_sync_id (data_source_id, sync_id)
	)`,

	`CREATE TABLE IF NOT EXISTS entity_relationships (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		data_source_id VARCHAR(64) NOT NULL,
		parent_entity_id VARCHAR(64) NOT NULL,
		child_entity_id VARCHAR(64) NOT NULL,
		relationship_type VARCHAR(32) NOT NULL,
		sync_id VARCHAR(64) NOT NULL DEFAULT '',
		deleted_at BIGINT NULL,
		INDEX idx_rels_by_parent (parent_entity_id),
		INDEX idx_rels_by_parent_type (parent_entity_id, relationship_type),
		INDEX idx_rels_by_child_type (child_entity_id, relationship_type),
		INDEX idx_rels_by_data_source_type (data_source_id, relationship_type)
	)`,

	`CREATE TABLE IF NOT EXISTS entity_alerts (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		data_source_id VARCHAR(64) NOT NULL,
		entity_id VARCHAR(64) NOT NULL,
		alert_type VARCHAR(64) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		fingerprint VARCHAR(255) NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_alerts_by_entity_status (entity_id, status),
		INDEX idx_alerts_by_fingerprint (fingerprint),
		INDEX idx_alerts_by_data_source_status_type (data_source_id, status, alert_type),
		INDEX idx_alerts_by_tenant_status_severity (tenant_id, status, severity),
		INDEX idx_alerts_updated (status, updated_at)
	)`,

	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		data_source_id VARCHAR(64) NOT NULL,
		action VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		scheduled_at BIGINT NOT NULL DEFAULT 0,
		next_retry_at BIGINT NOT NULL DEFAULT 0,
		pending_key VARCHAR(192) NULL,
		INDEX idx_jobs_by_data_source_status (data_source_id, status),
		INDEX idx_jobs_by_pending_due (status, scheduled_at, next_retry_at),
		INDEX idx_jobs_by_priority_and_scheduled_at (status, priority, scheduled_at),
		INDEX idx_jobs_tenant_status (tenant_id, status),
		UNIQUE INDEX idx_jobs_pending_unique (pending_key)
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id VARCHAR(64) PRIMARY KEY,
		doc JSON NOT NULL,
		tenant_id VARCHAR(64) NOT NULL,
		guid VARCHAR(128) NOT NULL,
		deleted_at BIGINT NULL,
		INDEX idx_agents_by_tenant (tenant_id),
		UNIQUE INDEX idx_agents_by_guid (tenant_id, guid)
	)`,
}
