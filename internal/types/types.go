// Package types defines the core data structures for the posture pipeline.
package types

import "time"

// Millis is milliseconds since the Unix epoch. All persisted timestamps use
// this representation.
type Millis = int64

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() Millis {
	return time.Now().UnixMilli()
}

// SoftDeleteRetention is how long soft-deleted rows are kept before the
// janitor hard-purges them.
const SoftDeleteRetention = 90 * 24 * time.Hour

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantInactive  TenantStatus = "inactive"
	TenantSuspended TenantStatus = "suspended"
)

// DefaultConcurrentJobLimit caps in-flight sync jobs per tenant.
const DefaultConcurrentJobLimit = 5

// Tenant is the isolation boundary. Every persisted record carries a
// TenantID and no computation ever crosses tenants.
type Tenant struct {
	ID                 string       `json:"_id"`
	Name               string       `json:"name"`
	Status             TenantStatus `json:"status"`
	ConcurrentJobLimit int          `json:"concurrentJobLimit,omitempty"`
	UpdatedAt          Millis       `json:"updatedAt"`
	DeletedAt          *Millis      `json:"deletedAt,omitempty"`
}

// JobLimit returns the tenant's concurrency cap, applying the default.
func (t *Tenant) JobLimit() int {
	if t.ConcurrentJobLimit > 0 {
		return t.ConcurrentJobLimit
	}
	return DefaultConcurrentJobLimit
}

// Site is a logical customer under a tenant, optionally cross-linked to
// PSA/RMM records.
type Site struct {
	ID        string  `json:"_id"`
	TenantID  string  `json:"tenantId"`
	Name      string  `json:"name"`
	PsaID     string  `json:"psaId,omitempty"`
	RmmID     string  `json:"rmmId,omitempty"`
	UpdatedAt Millis  `json:"updatedAt"`
	DeletedAt *Millis `json:"deletedAt,omitempty"`
}

// EntityType enumerates the normalized entity kinds the pipeline syncs.
type EntityType string

const (
	TypeCompanies  EntityType = "companies"
	TypeEndpoints  EntityType = "endpoints"
	TypeIdentities EntityType = "identities"
	TypeFirewalls  EntityType = "firewalls"
	TypeGroups     EntityType = "groups"
	TypeRoles      EntityType = "roles"
	TypePolicies   EntityType = "policies"
	TypeLicenses   EntityType = "licenses"
)

// ValidEntityType reports whether t is a known entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case TypeCompanies, TypeEndpoints, TypeIdentities, TypeFirewalls,
		TypeGroups, TypeRoles, TypePolicies, TypeLicenses:
		return true
	}
	return false
}

// SupportedType describes one entity type an integration can sync, with its
// scheduling parameters.
type SupportedType struct {
	Type        EntityType `json:"type" toml:"type"`
	IsGlobal    bool       `json:"isGlobal,omitempty" toml:"is_global"`
	Priority    int        `json:"priority,omitempty" toml:"priority"`
	RateMinutes int        `json:"rateMinutes,omitempty" toml:"rate_minutes"`
}

// Scheduling defaults applied when a SupportedType leaves them zero.
const (
	DefaultSyncPriority    = 5
	DefaultSyncRateMinutes = 60
)

// EffectivePriority returns the job priority, applying the default.
func (s SupportedType) EffectivePriority() int {
	if s.Priority > 0 {
		return s.Priority
	}
	return DefaultSyncPriority
}

// EffectiveRateMinutes returns the sync interval, applying the default.
func (s SupportedType) EffectiveRateMinutes() int {
	if s.RateMinutes > 0 {
		return s.RateMinutes
	}
	return DefaultSyncRateMinutes
}

// Integration is a catalog entry for one vendor integration.
type Integration struct {
	ID             string          `json:"_id"`
	Slug           string          `json:"slug"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	SupportedTypes []SupportedType `json:"supportedTypes"`
	UpdatedAt      Millis          `json:"updatedAt"`
}

// Supported returns the SupportedType entry for t, if the integration syncs it.
func (i *Integration) Supported(t EntityType) (SupportedType, bool) {
	for _, st := range i.SupportedTypes {
		if st.Type == t {
			return st, true
		}
	}
	return SupportedType{}, false
}

// DataSourceStatus is the health state of a data source.
type DataSourceStatus string

const (
	DataSourceActive   DataSourceStatus = "active"
	DataSourceInactive DataSourceStatus = "inactive"
	DataSourceError    DataSourceStatus = "error"
)

// DomainMapping maps a UPN domain suffix to a site.
type DomainMapping struct {
	Domain string `json:"domain"`
	SiteID string `json:"siteId"`
}

// DataSource binds one integration to one tenant (optionally one site) with
// credentials and vendor-specific configuration. Config keys the pipeline
// does not recognize are preserved verbatim on round-trip.
type DataSource struct {
	ID                     string                 `json:"_id"`
	TenantID               string                 `json:"tenantId"`
	SiteID                 string                 `json:"siteId,omitempty"`
	IntegrationID          string                 `json:"integrationId"`
	IntegrationSlug        string                 `json:"integrationSlug"`
	Config                 map[string]interface{} `json:"config,omitempty"`
	IsPrimary              bool                   `json:"isPrimary,omitempty"`
	Status                 DataSourceStatus       `json:"status"`
	LastError              string                 `json:"lastError,omitempty"`
	CredentialExpirationAt Millis                 `json:"credentialExpirationAt,omitempty"`
	LastSyncAt             Millis                 `json:"lastSyncAt,omitempty"`
	// LastSuccessAt tracks the newest successful sync per entity type, for
	// rate limiting in the scheduler.
	LastSuccessAt map[EntityType]Millis `json:"lastSuccessAt,omitempty"`
	CurrentSyncID string                `json:"currentSyncId,omitempty"`
	UpdatedAt     Millis                `json:"updatedAt"`
	DeletedAt     *Millis               `json:"deletedAt,omitempty"`
}

// DomainMappings decodes config.domainMappings, tolerating the loose typing
// of the opaque config blob.
func (d *DataSource) DomainMappings() []DomainMapping {
	raw, ok := d.Config["domainMappings"].([]interface{})
	if !ok {
		return nil
	}
	var out []DomainMapping
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		dm := DomainMapping{}
		if s, ok := m["domain"].(string); ok {
			dm.Domain = s
		}
		if s, ok := m["siteId"].(string); ok {
			dm.SiteID = s
		}
		if dm.Domain != "" && dm.SiteID != "" {
			out = append(out, dm)
		}
	}
	return out
}

// CredentialsExpired reports whether the data source's credentials have
// passed their expiration time.
func (d *DataSource) CredentialsExpired(now Millis) bool {
	return d.CredentialExpirationAt > 0 && d.CredentialExpirationAt <= now
}

// EntityState is the rolled-up severity state shown on an entity. It is
// recomputed from active alerts after every reconciliation.
type EntityState string

const (
	StateLow      EntityState = "low"
	StateNormal   EntityState = "normal"
	StateWarn     EntityState = "warn"
	StateHigh     EntityState = "high"
	StateCritical EntityState = "critical"
)

// Entity is a normalized record of an external object, keyed by
// (tenantId, dataSourceId, externalId) while not soft-deleted.
type Entity struct {
	ID             string                 `json:"_id"`
	TenantID       string                 `json:"tenantId"`
	SiteID         string                 `json:"siteId,omitempty"`
	IntegrationID  string                 `json:"integrationId"`
	DataSourceID   string                 `json:"dataSourceId"`
	ExternalID     string                 `json:"externalId"`
	EntityType     EntityType             `json:"entityType"`
	State          EntityState            `json:"state,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	DataHash       string                 `json:"dataHash"`
	RawData        map[string]interface{} `json:"rawData,omitempty"`
	NormalizedData map[string]interface{} `json:"normalizedData,omitempty"`
	SyncID         string                 `json:"syncId"`
	LastSeenAt     Millis                 `json:"lastSeenAt"`
	UpdatedAt      Millis                 `json:"updatedAt"`
	DeletedAt      *Millis                `json:"deletedAt,omitempty"`
}

// Normalized returns a string field from NormalizedData, or "".
func (e *Entity) Normalized(key string) string {
	if e.NormalizedData == nil {
		return ""
	}
	s, _ := e.NormalizedData[key].(string)
	return s
}

// NormalizedBool returns a bool field from NormalizedData.
func (e *Entity) NormalizedBool(key string) bool {
	if e.NormalizedData == nil {
		return false
	}
	b, _ := e.NormalizedData[key].(bool)
	return b
}

// NormalizedStrings returns a []string field from NormalizedData. JSON
// round-trips turn string slices into []interface{}, so both shapes decode.
func (e *Entity) NormalizedStrings(key string) []string {
	if e.NormalizedData == nil {
		return nil
	}
	switch v := e.NormalizedData[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// NormalizedNumber returns a numeric field from NormalizedData as float64.
// The second return is false when the field is absent or non-numeric.
func (e *Entity) NormalizedNumber(key string) (float64, bool) {
	if e.NormalizedData == nil {
		return 0, false
	}
	switch v := e.NormalizedData[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// RelationshipType is the semantic kind of a directed edge.
type RelationshipType string

const (
	RelMemberOf     RelationshipType = "member_of"     // identity->group or group->group
	RelAssignedRole RelationshipType = "assigned_role" // identity->role
	RelHasLicense   RelationshipType = "has_license"   // identity->license
	RelAppliesTo    RelationshipType = "applies_to"    // policy->identity or policy->group
	RelParentOf     RelationshipType = "parent_of"     // integration-specific containment
)

// EntityRelationship is a directed edge between two entities, scoped to the
// data source that authored it. Only the owning data source's linker may
// delete an edge.
type EntityRelationship struct {
	ID               string           `json:"_id"`
	TenantID         string           `json:"tenantId"`
	DataSourceID     string           `json:"dataSourceId"`
	ParentEntityID   string           `json:"parentEntityId"`
	ChildEntityID    string           `json:"childEntityId"`
	RelationshipType RelationshipType `json:"relationshipType"`
	SyncID           string           `json:"syncId"`
	LastSeenAt       Millis           `json:"lastSeenAt"`
	UpdatedAt        Millis           `json:"updatedAt"`
	DeletedAt        *Millis          `json:"deletedAt,omitempty"`
}

// Severity orders alert severities from least to most urgent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering of a severity (low=1 .. critical=4, unknown=0).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// StateForSeverity maps the max active-alert severity to an entity state.
func StateForSeverity(s Severity) EntityState {
	switch s {
	case SeverityLow:
		return StateLow
	case SeverityMedium:
		return StateWarn
	case SeverityHigh:
		return StateHigh
	case SeverityCritical:
		return StateCritical
	}
	return StateNormal
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive     AlertStatus = "active"
	AlertResolved   AlertStatus = "resolved"
	AlertSuppressed AlertStatus = "suppressed"
)

// EntityAlert is the persisted lifecycle state of a finding. At most one
// non-resolved alert exists per (entityId, alertType, fingerprint).
type EntityAlert struct {
	ID             string                 `json:"_id"`
	TenantID       string                 `json:"tenantId"`
	DataSourceID   string                 `json:"dataSourceId"`
	EntityID       string                 `json:"entityId"`
	AlertType      string                 `json:"alertType"`
	Severity       Severity               `json:"severity"`
	Status         AlertStatus            `json:"status"`
	Fingerprint    string                 `json:"fingerprint"`
	Message        string                 `json:"message"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	LastSeenAt     Millis                 `json:"lastSeenAt"`
	ResolvedAt     Millis                 `json:"resolvedAt,omitempty"`
	SuppressedAt   Millis                 `json:"suppressedAt,omitempty"`
	SuppressedUntil Millis                `json:"suppressedUntil,omitempty"`
	UpdatedAt      Millis                 `json:"updatedAt"`
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobBroken    JobStatus = "broken"
)

// DefaultAttemptsMax is the retry budget for a sync job.
const DefaultAttemptsMax = 5

// RetryBackoff returns the delay before retry number attempts+1:
// min(30s * 2^attempts, 15min).
func RetryBackoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}

// ScheduledJob is a unit of sync work. The scheduler creates it; the adapter
// runtime owns its status transitions afterwards.
type ScheduledJob struct {
	ID              string                 `json:"_id"`
	TenantID        string                 `json:"tenantId"`
	IntegrationID   string                 `json:"integrationId"`
	IntegrationSlug string                 `json:"integrationSlug"`
	DataSourceID    string                 `json:"dataSourceId"`
	Action          string                 `json:"action"` // e.g. "sync.identities"
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Priority        int                    `json:"priority"`
	Status          JobStatus              `json:"status"`
	Attempts        int                    `json:"attempts"`
	AttemptsMax     int                    `json:"attemptsMax"`
	ScheduledAt     Millis                 `json:"scheduledAt"`
	StartedAt       Millis                 `json:"startedAt,omitempty"`
	NextRetryAt     Millis                 `json:"nextRetryAt,omitempty"`
	Error           string                 `json:"error,omitempty"`
	UpdatedAt       Millis                 `json:"updatedAt"`
}

// SyncAction returns the job action for an entity type ("sync.identities").
func SyncAction(t EntityType) string {
	return "sync." + string(t)
}

// AgentStatus is the liveness state of an endpoint agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentUnknown AgentStatus = "unknown"
)

// Agent is a tenant/site-scoped endpoint agent identity tracked by the
// heartbeat manager.
type Agent struct {
	ID              string      `json:"_id"`
	TenantID        string      `json:"tenantId"`
	SiteID          string      `json:"siteId,omitempty"`
	GUID            string      `json:"guid"`
	Hostname        string      `json:"hostname,omitempty"`
	Version         string      `json:"version,omitempty"`
	IPAddress       string      `json:"ipAddress,omitempty"`
	ExtAddress      string      `json:"extAddress,omitempty"`
	MacAddress      string      `json:"macAddress,omitempty"`
	Status          AgentStatus `json:"status"`
	StatusChangedAt Millis      `json:"statusChangedAt,omitempty"`
	LastHeartbeat   Millis      `json:"lastHeartbeat,omitempty"`
	UpdatedAt       Millis      `json:"updatedAt"`
	DeletedAt       *Millis     `json:"deletedAt,omitempty"`
}
