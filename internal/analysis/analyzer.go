// Package analysis runs the unified posture checks for one data source:
// MFA enforcement, conditional-access coverage gaps, stale accounts, and
// license waste and overuse. One run loads a full context snapshot and
// evaluates every check against it, so findings from a single run are
// mutually consistent.
package analysis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/kestrelsec/postured/internal/licensenames"
	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

// Analysis type names. AnalysisTypes in the unified event always lists all
// of them: every run evaluates every check.
const (
	AnalysisMFA            = "mfa"
	AnalysisPolicyGap      = "policy_gap"
	AnalysisStaleUser      = "stale_user"
	AnalysisLicenseWaste   = "license_waste"
	AnalysisLicenseOveruse = "license_overuse"
)

// AllAnalysisTypes is the declared check set, in emission order.
var AllAnalysisTypes = []string{
	AnalysisMFA, AnalysisPolicyGap, AnalysisStaleUser,
	AnalysisLicenseWaste, AnalysisLicenseOveruse,
}

const (
	// DefaultDebounce coalesces the burst of linked.* events one sync cycle
	// produces into a single analysis run.
	DefaultDebounce = 5 * time.Minute

	// staleAfter is the sign-in age past which an account counts as stale.
	staleAfter = 90 * 24 * time.Hour

	// runTimeout bounds one analysis run.
	runTimeout = 5 * time.Minute
)

// Tag names the analyzer maintains on identities.
const (
	TagAdmin      = "Admin"
	TagNoMFA      = "No MFA"
	TagPartialMFA = "Partial MFA"
	TagStale      = "Stale"
)

var managedTags = []string{TagAdmin, TagNoMFA, TagPartialMFA, TagStale}

// request is the analyze-queue payload for one scope.
type request struct {
	SyncID          string `json:"syncId"`
	TenantID        string `json:"tenantId"`
	DataSourceID    string `json:"dataSourceId"`
	IntegrationSlug string `json:"integrationSlug"`
}

// Analyzer debounces linked.* events per (tenant, dataSource) scope and runs
// the unified checks through the per-tenant analyze queue, which serializes
// runs within a tenant.
type Analyzer struct {
	store   storage.Storage
	fabric  queue.Fabric
	loader  *Loader
	metrics *telemetry.Pipeline

	// Debounce is the coalescing window. Tests shrink it.
	Debounce time.Duration

	// now is swappable for stale-account tests.
	now func() types.Millis

	mu        sync.Mutex
	pending   map[string]*time.Timer // tenant|ds -> armed timer
	latest    map[string]request     // tenant|ds -> last seen scope
	consumers map[string]func()      // tenantID -> consumer stop
	stopSub   func()
	closed    bool
}

// New creates an analyzer. metrics may be nil.
func New(store storage.Storage, fabric queue.Fabric, metrics *telemetry.Pipeline) *Analyzer {
	return &Analyzer{
		store:     store,
		fabric:    fabric,
		loader:    NewLoader(store),
		metrics:   metrics,
		Debounce:  DefaultDebounce,
		now:       types.NowMillis,
		pending:   make(map[string]*time.Timer),
		latest:    make(map[string]request),
		consumers: make(map[string]func()),
	}
}

// Start subscribes to linked.* events.
func (a *Analyzer) Start() error {
	stop, err := a.fabric.Subscribe("linked.*", "analyzer", func(ctx context.Context, data []byte) error {
		var ev types.LinkedEvent
		if err := queue.Decode(data, &ev); err != nil {
			log.Printf("[analyzer] dropping undecodable event: %v", err)
			return nil
		}
		a.schedule(request{
			SyncID:          ev.SyncID,
			TenantID:        ev.TenantID,
			DataSourceID:    ev.DataSourceID,
			IntegrationSlug: ev.IntegrationSlug,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("analyzer: subscribe: %w", err)
	}
	a.stopSub = stop
	return nil
}

// Stop cancels pending debounce timers and unbinds consumers. Armed scopes
// that have not fired are dropped; the next sync re-triggers them.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	a.closed = true
	for key, t := range a.pending {
		t.Stop()
		delete(a.pending, key)
	}
	consumers := a.consumers
	a.consumers = make(map[string]func())
	stopSub := a.stopSub
	a.stopSub = nil
	a.mu.Unlock()

	if stopSub != nil {
		stopSub()
	}
	for _, stop := range consumers {
		stop()
	}
}

// schedule arms (or refreshes the payload of) the debounce timer for one
// scope. Events landing inside the window coalesce into a single run.
func (a *Analyzer) schedule(req request) {
	key := req.TenantID + "|" + req.DataSourceID
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.latest[key] = req
	if err := a.ensureConsumerLocked(req.TenantID); err != nil {
		log.Printf("[analyzer] consumer for tenant %s: %v", req.TenantID, err)
		return
	}
	if _, armed := a.pending[key]; armed {
		return
	}
	a.pending[key] = time.AfterFunc(a.Debounce, func() { a.fire(key) })
}

func (a *Analyzer) fire(key string) {
	a.mu.Lock()
	delete(a.pending, key)
	req, ok := a.latest[key]
	a.mu.Unlock()
	if !ok {
		return
	}
	err := a.fabric.Enqueue(context.Background(), queue.AnalyzeQueue(req.TenantID), req, queue.EnqueueOptions{
		DedupKey: req.DataSourceID,
	})
	if err != nil {
		log.Printf("[analyzer] enqueue %s: %v", key, err)
	}
}

// ensureConsumerLocked lazily binds the per-tenant analyze queue. Concurrency
// one serializes analysis runs within a tenant.
func (a *Analyzer) ensureConsumerLocked(tenantID string) error {
	if _, ok := a.consumers[tenantID]; ok {
		return nil
	}
	stop, err := a.fabric.Consume(queue.AnalyzeQueue(tenantID), 1, func(ctx context.Context, data []byte) error {
		var req request
		if err := queue.Decode(data, &req); err != nil {
			log.Printf("[analyzer] dropping undecodable request: %v", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		return a.Run(ctx, req.TenantID, req.DataSourceID, req.IntegrationSlug, req.SyncID)
	})
	if err != nil {
		return err
	}
	a.consumers[tenantID] = stop
	return nil
}

// Run executes every check against a fresh context snapshot and publishes
// the unified event. Safe to call directly; the queue path only adds
// debouncing and serialization.
func (a *Analyzer) Run(ctx context.Context, tenantID, dataSourceID, slug, syncID string) error {
	c, err := a.loader.Load(ctx, tenantID, dataSourceID, slug)
	if err != nil {
		return err
	}
	start := time.Now()

	ev := &types.UnifiedAnalysisEvent{
		SyncID:          syncID,
		TenantID:        tenantID,
		DataSourceID:    dataSourceID,
		IntegrationSlug: slug,
		AnalysisTypes:   AllAnalysisTypes,
		Findings:        make(map[string][]types.Finding),
		EntityCounts: map[string]int{
			string(types.TypeIdentities): len(c.Identities),
			string(types.TypeGroups):     len(c.Groups),
			string(types.TypeRoles):      len(c.Roles),
			string(types.TypePolicies):   len(c.Policies),
			string(types.TypeLicenses):   len(c.Licenses),
		},
	}
	now := a.now()

	a.checkIdentities(c, ev, now)
	a.checkLicensePools(c, ev)

	ev.Stats = c.Stats
	ev.Stats.AnalyzeTimeMs = time.Since(start).Milliseconds()

	if a.metrics != nil {
		tenant := telemetry.Tenant(tenantID)
		telemetry.Count(ctx, a.metrics.ContextQueries, int64(ev.Stats.QueryCount), tenant)
		telemetry.Count(ctx, a.metrics.SlowQueries, int64(ev.Stats.SlowQueryCount), tenant)
		telemetry.Count(ctx, a.metrics.Findings, int64(len(ev.AllFindings())), tenant)
		if a.metrics.ContextLoadMs != nil {
			a.metrics.ContextLoadMs.Record(ctx, float64(ev.Stats.LoadTimeMs), tenant)
		}
	}
	log.Printf("[analyzer] tenant=%s ds=%s findings=%d queries=%d loadMs=%d",
		tenantID, dataSourceID, len(ev.AllFindings()), ev.Stats.QueryCount, ev.Stats.LoadTimeMs)

	return a.fabric.Publish(ctx, queue.TopicAnalysisUnified, ev)
}

type mfaCoverage int

const (
	coverageNone mfaCoverage = iota
	coveragePartial
	coverageFull
)

// checkIdentities runs the per-identity checks (MFA, policy gap, staleness,
// per-holder license waste) and synthesizes tag edits. Identities are walked
// in snapshot order so output is deterministic for a given context.
func (a *Analyzer) checkIdentities(c *Context, ev *types.UnifiedAnalysisEvent, now types.Millis) {
	secDefaults := securityDefaultsEnabled(c)

	for _, id := range c.Identities {
		enabled := id.NormalizedBool("enabled")
		admin := isAdmin(c, id.ID)
		stale := isStale(id, now)
		coverage := coverageNone

		if enabled {
			coverage = a.mfaCoverage(c, id, secDefaults, admin)
			switch coverage {
			case coverageNone:
				sev := types.SeverityHigh
				if admin {
					sev = types.SeverityCritical
				}
				ev.Findings[AnalysisMFA] = append(ev.Findings[AnalysisMFA], types.Finding{
					AnalysisType: AnalysisMFA,
					EntityID:     id.ID,
					Severity:     sev,
					Fingerprint:  "mfa_not_enforced:" + id.ID,
					Message:      fmt.Sprintf("%s has no MFA enforcement", displayName(id)),
					Metadata:     map[string]interface{}{"admin": admin},
				})
			case coveragePartial:
				sev := types.SeverityMedium
				if admin {
					sev = types.SeverityHigh
				}
				ev.Findings[AnalysisMFA] = append(ev.Findings[AnalysisMFA], types.Finding{
					AnalysisType: AnalysisMFA,
					EntityID:     id.ID,
					Severity:     sev,
					Fingerprint:  "mfa_partial_enforced:" + id.ID,
					Message:      fmt.Sprintf("MFA is only partially enforced for %s", displayName(id)),
					Metadata:     map[string]interface{}{"admin": admin},
				})
			}

			if admin && !secDefaults && !a.coveredByAnyPolicy(c, id) {
				ev.Findings[AnalysisPolicyGap] = append(ev.Findings[AnalysisPolicyGap], types.Finding{
					AnalysisType: AnalysisPolicyGap,
					EntityID:     id.ID,
					Severity:     types.SeverityHigh,
					Fingerprint:  "policy_gap:" + id.ID,
					Message:      fmt.Sprintf("Admin %s is not covered by any conditional access policy", displayName(id)),
				})
			}

			if stale {
				sev := types.SeverityLow
				if len(c.IdentityLicenses[id.ID]) > 0 {
					sev = types.SeverityMedium
				}
				if admin {
					sev = types.SeverityHigh
				}
				days := int((now - types.Millis(lastLogin(id))) / (24 * 60 * 60 * 1000))
				ev.Findings[AnalysisStaleUser] = append(ev.Findings[AnalysisStaleUser], types.Finding{
					AnalysisType: AnalysisStaleUser,
					EntityID:     id.ID,
					Severity:     sev,
					Fingerprint:  "stale_user:" + id.ID,
					Message:      fmt.Sprintf("%s has not signed in for %d days", displayName(id), days),
					Metadata:     map[string]interface{}{"lastLogin": lastLogin(id)},
				})
			}
		}

		if !enabled || stale {
			a.checkLicenseWaste(c, id, enabled, ev)
		}

		ev.TagEdits = append(ev.TagEdits, tagEdit(id.ID, enabled, admin, stale, coverage))
	}
}

// checkLicenseWaste flags every license still assigned to a disabled or
// stale identity. Disabled holders rank higher than merely stale ones.
func (a *Analyzer) checkLicenseWaste(c *Context, id *types.Entity, enabled bool, ev *types.UnifiedAnalysisEvent) {
	reason := "is stale"
	sev := types.SeverityLow
	if !enabled {
		reason = "is disabled"
		sev = types.SeverityMedium
	}
	for _, licID := range c.IdentityLicenses[id.ID] {
		lic, ok := c.ByID[licID]
		if !ok {
			continue
		}
		sku := lic.Normalized("skuId")
		if sku == "" {
			sku = lic.ExternalID
		}
		ev.Findings[AnalysisLicenseWaste] = append(ev.Findings[AnalysisLicenseWaste], types.Finding{
			AnalysisType: AnalysisLicenseWaste,
			EntityID:     id.ID,
			Severity:     sev,
			Fingerprint:  "license_waste:" + id.ID + ":" + sku,
			Message:      fmt.Sprintf("%s holds %s but %s", displayName(id), licensenames.Name(sku), reason),
			Metadata:     map[string]interface{}{"skuId": sku, "licenseEntityId": licID},
		})
	}
}

// checkLicensePools flags pools consuming more seats than purchased. A pool
// with zero purchased seats only counts once something consumes from it.
func (a *Analyzer) checkLicensePools(c *Context, ev *types.UnifiedAnalysisEvent) {
	for _, lic := range c.Licenses {
		total, _ := lic.NormalizedNumber("totalUnits")
		consumed, _ := lic.NormalizedNumber("consumedUnits")
		if consumed <= total {
			continue
		}
		sku := lic.Normalized("skuId")
		if sku == "" {
			sku = lic.ExternalID
		}
		ev.Findings[AnalysisLicenseOveruse] = append(ev.Findings[AnalysisLicenseOveruse], types.Finding{
			AnalysisType: AnalysisLicenseOveruse,
			EntityID:     lic.ID,
			Severity:     types.SeverityHigh,
			Fingerprint:  "license_overuse:" + lic.ID,
			Message: fmt.Sprintf("%s is over-assigned: %d of %d seats in use",
				licensenames.Name(sku), int(consumed), int(total)),
			Metadata: map[string]interface{}{"skuId": sku, "totalUnits": total, "consumedUnits": consumed},
		})
	}
}

// mfaCoverage computes the strongest MFA enforcement reaching one identity.
// Security Defaults force MFA for admin roles and challenge other users
// conditionally, so they count as full coverage for admins and partial for
// everyone else. Conditional-access policies add full coverage only when
// they span all applications.
func (a *Analyzer) mfaCoverage(c *Context, id *types.Entity, secDefaults, admin bool) mfaCoverage {
	coverage := coverageNone
	if secDefaults {
		if admin {
			return coverageFull
		}
		coverage = coveragePartial
	}
	for _, p := range c.Policies {
		if p.NormalizedBool("securityDefaults") {
			continue
		}
		if !p.NormalizedBool("enabled") || !p.NormalizedBool("mfaRequired") {
			continue
		}
		if !policyApplies(c, p, id) {
			continue
		}
		if p.NormalizedBool("allApps") {
			return coverageFull
		}
		coverage = coveragePartial
	}
	return coverage
}

// coveredByAnyPolicy reports whether any enabled conditional-access policy
// reaches the identity, MFA-enforcing or not.
func (a *Analyzer) coveredByAnyPolicy(c *Context, id *types.Entity) bool {
	for _, p := range c.Policies {
		if p.NormalizedBool("securityDefaults") || !p.NormalizedBool("enabled") {
			continue
		}
		if policyApplies(c, p, id) {
			return true
		}
	}
	return false
}

// policyApplies evaluates a conditional-access policy's user conditions
// against one identity. Condition lists carry vendor external ids.
// Exclusions win over inclusions.
func policyApplies(c *Context, p, id *types.Entity) bool {
	groups := identityGroupExternalIDs(c, id.ID)

	for _, u := range p.NormalizedStrings("excludeUsers") {
		if u == id.ExternalID {
			return false
		}
	}
	for _, g := range p.NormalizedStrings("excludeGroups") {
		if groups[g] {
			return false
		}
	}

	for _, u := range p.NormalizedStrings("includeUsers") {
		if u == "All" || u == id.ExternalID {
			return true
		}
	}
	for _, g := range p.NormalizedStrings("includeGroups") {
		if groups[g] {
			return true
		}
	}
	return false
}

// identityGroupExternalIDs returns the external ids of every group the
// identity transitively belongs to.
func identityGroupExternalIDs(c *Context, identityID string) map[string]bool {
	out := make(map[string]bool)
	for _, gid := range c.AllGroups(identityID) {
		if g, ok := c.ByID[gid]; ok {
			out[g.ExternalID] = true
		}
	}
	return out
}

// securityDefaultsEnabled reads the synthetic security-defaults policy.
func securityDefaultsEnabled(c *Context) bool {
	for _, p := range c.Policies {
		if p.NormalizedBool("securityDefaults") {
			return p.NormalizedBool("enabled")
		}
	}
	return false
}

// isAdmin reports whether any assigned role name contains "admin".
func isAdmin(c *Context, identityID string) bool {
	for _, roleID := range c.IdentityRoles[identityID] {
		role, ok := c.ByID[roleID]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(role.Normalized("displayName")), "admin") {
			return true
		}
	}
	return false
}

// isStale reports whether the last sign-in is older than the staleness
// window. Accounts with no recorded sign-in are not flagged; missing
// sign-in telemetry is indistinguishable from a new account.
func isStale(id *types.Entity, now types.Millis) bool {
	ll := lastLogin(id)
	if ll <= 0 {
		return false
	}
	return now-types.Millis(ll) > types.Millis(staleAfter.Milliseconds())
}

func lastLogin(id *types.Entity) int64 {
	v, _ := id.NormalizedNumber("lastLogin")
	return int64(v)
}

func displayName(e *types.Entity) string {
	if n := e.Normalized("displayName"); n != "" {
		return n
	}
	return e.ExternalID
}

// tagEdit computes the managed-tag delta for one identity: desired tags are
// added, the rest of the managed set removed.
func tagEdit(entityID string, enabled, admin, stale bool, coverage mfaCoverage) types.TagEdit {
	desired := make(map[string]bool)
	if admin {
		desired[TagAdmin] = true
	}
	if stale {
		desired[TagStale] = true
	}
	if enabled {
		switch coverage {
		case coverageNone:
			desired[TagNoMFA] = true
		case coveragePartial:
			desired[TagPartialMFA] = true
		}
	}
	edit := types.TagEdit{EntityID: entityID}
	for _, tag := range managedTags {
		if desired[tag] {
			edit.TagsToAdd = append(edit.TagsToAdd, tag)
		} else {
			edit.TagsToRemove = append(edit.TagsToRemove, tag)
		}
	}
	return edit
}
