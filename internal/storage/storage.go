// Package storage defines the repository interface over the durable store.
//
// Concrete implementations live in the memory and sqlstore sub-packages.
// This package holds the interface, index names, and sentinel errors shared
// by the implementations and their consumers (scheduler, processor, linker,
// alert manager, heartbeat manager).
//
// Every list method takes an index name and an equality-prefix key; an
// implementation must never fall back to a full collection scan for an index
// it advertises. Writes are atomic per record, and batch writes are keyed
// upserts so replaying them is a no-op.
package storage

import (
	"context"
	"errors"

	"github.com/kestrelsec/postured/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

// ErrBadIndex is returned when a list call names an unknown index or omits
// a key field the index requires.
var ErrBadIndex = errors.New("bad index")

// ErrDuplicateJob is returned by CreateJob when a pending job already exists
// for the same (dataSourceId, action). Schedulers treat it as a skip.
var ErrDuplicateJob = errors.New("duplicate pending job")

// EntityIndex names a secondary index over entities.
type EntityIndex string

const (
	EntityByTenant         EntityIndex = "by_tenant"
	EntityByDataSource     EntityIndex = "by_data_source"
	EntityByDataSourceType EntityIndex = "by_data_source_type"
	EntityBySiteType       EntityIndex = "by_site_type"
	EntityByExternalID     EntityIndex = "by_external_id"
	EntityBySyncID         EntityIndex = "by_sync_id"
)

// EntityKey is the equality prefix for an entity index. Only the fields the
// chosen index covers are consulted.
type EntityKey struct {
	TenantID     string
	DataSourceID string
	SiteID       string
	ExternalID   string
	SyncID       string
	EntityType   types.EntityType

	// IncludeDeleted also returns soft-deleted rows. Defaults to live only.
	IncludeDeleted bool
}

// RelationshipIndex names a secondary index over entity relationships.
type RelationshipIndex string

const (
	RelByParent         RelationshipIndex = "by_parent"
	RelByParentType     RelationshipIndex = "by_parent_type"
	RelByChildType      RelationshipIndex = "by_child_type"
	RelByDataSourceType RelationshipIndex = "by_data_source_type"
)

// RelationshipKey is the equality prefix for a relationship index.
type RelationshipKey struct {
	TenantID         string
	DataSourceID     string
	ParentEntityID   string
	ChildEntityID    string
	RelationshipType types.RelationshipType

	IncludeDeleted bool
}

// AlertIndex names a secondary index over entity alerts.
type AlertIndex string

const (
	AlertByEntityStatus         AlertIndex = "by_entity_status"
	AlertByFingerprint          AlertIndex = "by_fingerprint"
	AlertByDataSourceStatusType AlertIndex = "by_data_source_status_type"
	AlertByTenantStatusSeverity AlertIndex = "by_tenant_status_severity"
)

// AlertKey is the equality prefix for an alert index. AlertTypes is a set:
// by_data_source_status_type matches any of the listed types.
type AlertKey struct {
	TenantID     string
	DataSourceID string
	EntityID     string
	Fingerprint  string
	Status       types.AlertStatus
	Severity     types.Severity
	AlertTypes   []string
}

// JobIndex names a secondary index over scheduled jobs.
type JobIndex string

const (
	JobByDataSourceStatus        JobIndex = "by_data_source_status"
	JobByPendingDue              JobIndex = "by_pending_due"
	JobByPriorityAndScheduledAt  JobIndex = "by_priority_and_scheduled_at"
)

// JobKey is the equality prefix for a job index. DueBefore bounds
// by_pending_due; jobs with ScheduledAt (or NextRetryAt when set) at or
// before it match.
type JobKey struct {
	DataSourceID string
	Status       types.JobStatus
	DueBefore    types.Millis
}

// Storage is the repository interface satisfied by *memory.Store and
// *sqlstore.Store. Consumers depend on this interface so the backends can
// be swapped (and mocked) freely.
type Storage interface {
	// Tenants
	PutTenant(ctx context.Context, t *types.Tenant) error
	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
	ListTenants(ctx context.Context, status types.TenantStatus) ([]*types.Tenant, error)

	// Sites
	PutSite(ctx context.Context, s *types.Site) error
	GetSite(ctx context.Context, id string) (*types.Site, error)
	ListSites(ctx context.Context, tenantID string) ([]*types.Site, error)

	// Integrations
	PutIntegration(ctx context.Context, i *types.Integration) error
	GetIntegration(ctx context.Context, id string) (*types.Integration, error)
	GetIntegrationBySlug(ctx context.Context, slug string) (*types.Integration, error)
	ListIntegrations(ctx context.Context) ([]*types.Integration, error)

	// Data sources
	PutDataSource(ctx context.Context, d *types.DataSource) error
	GetDataSource(ctx context.Context, id string) (*types.DataSource, error)
	ListDataSources(ctx context.Context, tenantID string, status types.DataSourceStatus) ([]*types.DataSource, error)
	ListAllDataSources(ctx context.Context, status types.DataSourceStatus) ([]*types.DataSource, error)

	// Entities
	PutEntity(ctx context.Context, e *types.Entity) error
	PutEntities(ctx context.Context, es []*types.Entity) error
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	// GetEntityByExternalID returns the live entity for
	// (dataSourceId, externalId), or ErrNotFound.
	GetEntityByExternalID(ctx context.Context, dataSourceID, externalID string) (*types.Entity, error)
	ListEntities(ctx context.Context, idx EntityIndex, key EntityKey) ([]*types.Entity, error)
	// MarkEntitiesSeen stamps syncId and lastSeenAt on unchanged rows.
	MarkEntitiesSeen(ctx context.Context, ids []string, syncID string, seenAt types.Millis) error
	// SweepEntities soft-deletes live entities of (dataSourceId, entityType)
	// whose syncId differs from keepSyncID. Returns the swept entity ids.
	SweepEntities(ctx context.Context, dataSourceID string, entityType types.EntityType, keepSyncID string, now types.Millis) ([]string, error)
	// SetEntityStates writes rolled-up alert states, skipping no-op changes.
	SetEntityStates(ctx context.Context, states map[string]types.EntityState, now types.Millis) error
	PurgeDeletedEntities(ctx context.Context, olderThan types.Millis) (int, error)

	// Relationships
	PutRelationships(ctx context.Context, rels []*types.EntityRelationship) error
	ListRelationships(ctx context.Context, idx RelationshipIndex, key RelationshipKey) ([]*types.EntityRelationship, error)
	// TouchRelationships stamps syncId and lastSeenAt on surviving edges.
	TouchRelationships(ctx context.Context, ids []string, syncID string, seenAt types.Millis) error
	SoftDeleteRelationships(ctx context.Context, ids []string, now types.Millis) error
	PurgeDeletedRelationships(ctx context.Context, olderThan types.Millis) (int, error)

	// Alerts
	PutAlert(ctx context.Context, a *types.EntityAlert) error
	PutAlerts(ctx context.Context, as []*types.EntityAlert) error
	GetAlert(ctx context.Context, id string) (*types.EntityAlert, error)
	ListAlerts(ctx context.Context, idx AlertIndex, key AlertKey) ([]*types.EntityAlert, error)
	PurgeAlerts(ctx context.Context, olderThan types.Millis) (int, error)

	// Scheduled jobs
	CreateJob(ctx context.Context, j *types.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*types.ScheduledJob, error)
	PutJob(ctx context.Context, j *types.ScheduledJob) error
	ListJobs(ctx context.Context, idx JobIndex, key JobKey) ([]*types.ScheduledJob, error)
	// HasPendingJob reports whether a pending job exists for
	// (dataSourceId, action); the scheduler's dedup check.
	HasPendingJob(ctx context.Context, dataSourceID, action string) (bool, error)
	// ClaimJob transitions pending->running with compare-and-set semantics.
	// Returns false when the job was not pending (already claimed).
	ClaimJob(ctx context.Context, id string, now types.Millis) (bool, error)
	CountRunningJobs(ctx context.Context, tenantID string) (int, error)

	// Agents
	PutAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	GetAgentByGUID(ctx context.Context, tenantID, guid string) (*types.Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*types.Agent, error)
	ListAllAgents(ctx context.Context) ([]*types.Agent, error)
	// BatchUpdateAgents upserts agent rows keyed by id; replay-safe.
	BatchUpdateAgents(ctx context.Context, as []*types.Agent) error

	// Lifecycle
	Close() error
}
