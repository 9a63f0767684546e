package types

// Pipeline payloads. Every stage stamps the SyncID so downstream handlers
// can detect and discard superseded or replayed inputs.

// JobPayload is the queue payload for one sync job (or one page of it).
type JobPayload struct {
	SyncID          string     `json:"syncId"`
	TenantID        string     `json:"tenantId"`
	IntegrationSlug string     `json:"integrationSlug"`
	IntegrationID   string     `json:"integrationId"`
	DataSourceID    string     `json:"dataSourceId"`
	Action          string     `json:"action"`
	EntityType      EntityType `json:"entityType"`
	Priority        int        `json:"priority"`
	Cursor          string     `json:"cursor,omitempty"`
	BatchNumber     int        `json:"batchNumber,omitempty"`
	StartedAt       Millis     `json:"startedAt"`
	JobID           string     `json:"jobId,omitempty"`
}

// FetchedRecord is one raw record emitted by an adapter.
type FetchedRecord struct {
	ExternalID     string                 `json:"externalId"`
	DataHash       string                 `json:"dataHash"`
	RawData        map[string]interface{} `json:"rawData,omitempty"`
	NormalizedData map[string]interface{} `json:"normalizedData,omitempty"`
	SiteID         string                 `json:"siteId,omitempty"`
}

// FetchedEvent is published on fetched.<type> after each adapter batch.
type FetchedEvent struct {
	SyncID       string          `json:"syncId"`
	TenantID     string          `json:"tenantId"`
	DataSourceID string          `json:"dataSourceId"`
	IntegrationID string         `json:"integrationId"`
	IntegrationSlug string       `json:"integrationSlug"`
	EntityType   EntityType      `json:"entityType"`
	Records      []FetchedRecord `json:"records"`
	HasMore      bool            `json:"hasMore"`
	Cursor       string          `json:"cursor,omitempty"`
}

// ProcessedEvent is published on processed.<type> after the entity processor
// commits a batch (and, on the final batch, the sweep).
type ProcessedEvent struct {
	SyncID           string     `json:"syncId"`
	TenantID         string     `json:"tenantId"`
	DataSourceID     string     `json:"dataSourceId"`
	IntegrationSlug  string     `json:"integrationSlug"`
	EntityType       EntityType `json:"entityType"`
	ChangedEntityIDs []string   `json:"changedEntityIds"`
	Final            bool       `json:"final"`
}

// LinkedEvent is published on linked.<scope> after relationship
// materialization for a processed batch.
type LinkedEvent struct {
	SyncID           string     `json:"syncId"`
	TenantID         string     `json:"tenantId"`
	DataSourceID     string     `json:"dataSourceId"`
	IntegrationSlug  string     `json:"integrationSlug"`
	EntityType       EntityType `json:"entityType"`
	ChangedEntityIDs []string   `json:"changedEntityIds"`
}

// Finding is one analyzer observation at a point in time. Fingerprints are
// stable across runs so the alert manager can deduplicate.
type Finding struct {
	AnalysisType string                 `json:"analysisType"`
	EntityID     string                 `json:"entityId"`
	Severity     Severity               `json:"severity"`
	Fingerprint  string                 `json:"fingerprint"`
	Message      string                 `json:"message"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// TagEdit is a tag adjustment for one identity, applied by the alert manager
// before committing entity state.
type TagEdit struct {
	EntityID     string   `json:"entityId"`
	TagsToAdd    []string `json:"tagsToAdd,omitempty"`
	TagsToRemove []string `json:"tagsToRemove,omitempty"`
}

// AnalysisStats captures context-loader and analyzer performance counters.
type AnalysisStats struct {
	QueryCount     int   `json:"queryCount"`
	LoadTimeMs     int64 `json:"loadTimeMs"`
	SlowQueryCount int   `json:"slowQueryCount"`
	AnalyzeTimeMs  int64 `json:"analyzeTimeMs"`
}

// UnifiedAnalysisEvent is published on analysis.unified. AnalysisTypes lists
// every check that ran, whether or not it produced findings; the alert
// manager resolves stale alerts only for listed types.
type UnifiedAnalysisEvent struct {
	SyncID          string               `json:"syncId"`
	TenantID        string               `json:"tenantId"`
	DataSourceID    string               `json:"dataSourceId"`
	IntegrationSlug string               `json:"integrationSlug"`
	AnalysisTypes   []string             `json:"analysisTypes"`
	Findings        map[string][]Finding `json:"findings"`
	TagEdits        []TagEdit            `json:"tagEdits,omitempty"`
	EntityCounts    map[string]int       `json:"entityCounts,omitempty"`
	Stats           AnalysisStats        `json:"stats"`
}

// AllFindings flattens the per-type finding lists in deterministic order of
// the declared analysis types.
func (e *UnifiedAnalysisEvent) AllFindings() []Finding {
	var out []Finding
	for _, at := range e.AnalysisTypes {
		out = append(out, e.Findings[at]...)
	}
	return out
}
