// Package alerts reconciles analyzer findings into persisted alert
// lifecycle state. Findings are matched to alerts by fingerprint; alerts
// whose type ran but whose finding disappeared are resolved. The whole
// reconciliation is idempotent, so replaying a unified event is harmless.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

// handleTimeout bounds one reconciliation.
const handleTimeout = 2 * time.Minute

// Manager consumes analysis.unified events.
type Manager struct {
	store   storage.Storage
	fabric  queue.Fabric
	metrics *telemetry.Pipeline

	// now is swappable for suppression tests.
	now func() types.Millis

	mu     sync.Mutex
	scopes map[string]*sync.Mutex // dataSourceID -> reconciliation lock
	stop   func()
}

// New creates an alert manager. metrics may be nil.
func New(store storage.Storage, fabric queue.Fabric, metrics *telemetry.Pipeline) *Manager {
	return &Manager{
		store:   store,
		fabric:  fabric,
		metrics: metrics,
		now:     types.NowMillis,
		scopes:  make(map[string]*sync.Mutex),
	}
}

// Start subscribes to analysis.unified.
func (m *Manager) Start() error {
	stop, err := m.fabric.Subscribe(queue.TopicAnalysisUnified, "alerts", func(ctx context.Context, data []byte) error {
		var ev types.UnifiedAnalysisEvent
		if err := queue.Decode(data, &ev); err != nil {
			log.Printf("[alerts] dropping undecodable event: %v", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, handleTimeout)
		defer cancel()
		return m.Handle(ctx, &ev)
	})
	if err != nil {
		return fmt.Errorf("alerts: subscribe: %w", err)
	}
	m.stop = stop
	return nil
}

// Stop unsubscribes.
func (m *Manager) Stop() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

// scopeLock serializes reconciliations per data source. A second unified
// event for the same scope waits; it is never interleaved.
func (m *Manager) scopeLock(dataSourceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.scopes[dataSourceID]
	if !ok {
		l = &sync.Mutex{}
		m.scopes[dataSourceID] = l
	}
	return l
}

// Handle reconciles one unified analysis event against stored alerts.
func (m *Manager) Handle(ctx context.Context, ev *types.UnifiedAnalysisEvent) error {
	lock := m.scopeLock(ev.DataSourceID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()

	active, err := m.store.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: ev.DataSourceID,
		Status:       types.AlertActive,
		AlertTypes:   ev.AnalysisTypes,
	})
	if err != nil {
		return fmt.Errorf("alerts: list active: %w", err)
	}
	suppressed, err := m.store.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: ev.DataSourceID,
		Status:       types.AlertSuppressed,
		AlertTypes:   ev.AnalysisTypes,
	})
	if err != nil {
		return fmt.Errorf("alerts: list suppressed: %w", err)
	}
	dormant, err := m.store.ListAlerts(ctx, storage.AlertByDataSourceStatusType, storage.AlertKey{
		DataSourceID: ev.DataSourceID,
		Status:       types.AlertResolved,
		AlertTypes:   ev.AnalysisTypes,
	})
	if err != nil {
		return fmt.Errorf("alerts: list resolved: %w", err)
	}

	// Expired suppressions rejoin the matching pool as active alerts; live
	// suppressions stay out of reconciliation and mute their fingerprint.
	pool := make(map[string]*types.EntityAlert, len(active))
	muted := make(map[string]bool)
	for _, a := range active {
		pool[a.Fingerprint] = a
	}
	for _, a := range suppressed {
		if a.SuppressedUntil > 0 && a.SuppressedUntil <= now {
			a.Status = types.AlertActive
			a.SuppressedAt = 0
			a.SuppressedUntil = 0
			a.UpdatedAt = now
			pool[a.Fingerprint] = a
		} else {
			muted[a.Fingerprint] = true
		}
	}

	// Resolved alerts never join the pool: a fingerprint that stays gone must
	// not be re-resolved. They are consulted on a pool miss so a recurring
	// fingerprint re-activates its old row instead of growing a new one.
	resolvedPrior := make(map[string]*types.EntityAlert, len(dormant))
	for _, a := range dormant {
		resolvedPrior[a.Fingerprint] = a
	}

	var writes []*types.EntityAlert
	var created, resolved int
	affected := make(map[string]struct{})

	for _, f := range ev.AllFindings() {
		if muted[f.Fingerprint] {
			continue
		}
		affected[f.EntityID] = struct{}{}
		if a, ok := pool[f.Fingerprint]; ok {
			delete(pool, f.Fingerprint)
			a.Severity = f.Severity
			a.Message = f.Message
			a.Metadata = f.Metadata
			a.Status = types.AlertActive
			a.LastSeenAt = now
			a.UpdatedAt = now
			writes = append(writes, a)
			continue
		}
		if a, ok := resolvedPrior[f.Fingerprint]; ok {
			delete(resolvedPrior, f.Fingerprint)
			a.Severity = f.Severity
			a.Message = f.Message
			a.Metadata = f.Metadata
			a.Status = types.AlertActive
			a.ResolvedAt = 0
			a.LastSeenAt = now
			a.UpdatedAt = now
			writes = append(writes, a)
			created++
			continue
		}
		created++
		writes = append(writes, &types.EntityAlert{
			ID:           uuid.NewString(),
			TenantID:     ev.TenantID,
			DataSourceID: ev.DataSourceID,
			EntityID:     f.EntityID,
			AlertType:    f.AnalysisType,
			Severity:     f.Severity,
			Status:       types.AlertActive,
			Fingerprint:  f.Fingerprint,
			Message:      f.Message,
			Metadata:     f.Metadata,
			LastSeenAt:   now,
			UpdatedAt:    now,
		})
	}

	// Whatever is left in the pool had its check run without producing the
	// finding again: resolve it.
	for _, a := range pool {
		a.Status = types.AlertResolved
		a.ResolvedAt = now
		a.UpdatedAt = now
		writes = append(writes, a)
		resolved++
		affected[a.EntityID] = struct{}{}
	}

	if len(writes) > 0 {
		if err := m.store.PutAlerts(ctx, writes); err != nil {
			return fmt.Errorf("alerts: put: %w", err)
		}
	}

	if err := m.rollupStates(ctx, writes, affected, now); err != nil {
		return err
	}
	if err := m.applyTagEdits(ctx, ev.TagEdits, now); err != nil {
		return err
	}

	if m.metrics != nil {
		tenant := telemetry.Tenant(ev.TenantID)
		telemetry.Count(ctx, m.metrics.AlertsCreated, int64(created), tenant)
		telemetry.Count(ctx, m.metrics.AlertsResolved, int64(resolved), tenant)
	}
	if created+resolved > 0 {
		log.Printf("[alerts] ds=%s created=%d resolved=%d active=%d",
			ev.DataSourceID, created, resolved, len(writes)-resolved)
	}
	return nil
}

// rollupStates recomputes each affected entity's state as the highest
// severity among its now-active alerts, defaulting to normal.
func (m *Manager) rollupStates(ctx context.Context, writes []*types.EntityAlert, affected map[string]struct{}, now types.Millis) error {
	maxSev := make(map[string]types.Severity)
	for _, a := range writes {
		if a.Status != types.AlertActive {
			continue
		}
		if cur, ok := maxSev[a.EntityID]; !ok || a.Severity.Rank() > cur.Rank() {
			maxSev[a.EntityID] = a.Severity
		}
	}

	states := make(map[string]types.EntityState, len(affected))
	for id := range affected {
		if sev, ok := maxSev[id]; ok {
			states[id] = types.StateForSeverity(sev)
		} else {
			states[id] = types.StateNormal
		}
	}
	if len(states) == 0 {
		return nil
	}
	if err := m.store.SetEntityStates(ctx, states, now); err != nil {
		return fmt.Errorf("alerts: set entity states: %w", err)
	}
	return nil
}

// applyTagEdits merges analyzer tag deltas into the entities. Entities that
// disappeared between analysis and reconciliation are skipped.
func (m *Manager) applyTagEdits(ctx context.Context, edits []types.TagEdit, now types.Millis) error {
	for _, edit := range edits {
		e, err := m.store.GetEntity(ctx, edit.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("alerts: load entity for tags: %w", err)
		}
		tags, changed := mergeTags(e.Tags, edit)
		if !changed {
			continue
		}
		e.Tags = tags
		e.UpdatedAt = now
		if err := m.store.PutEntity(ctx, e); err != nil {
			return fmt.Errorf("alerts: write tags: %w", err)
		}
	}
	return nil
}

// mergeTags applies one edit, preserving tags the analyzer does not manage.
func mergeTags(current []string, edit types.TagEdit) ([]string, bool) {
	remove := make(map[string]bool, len(edit.TagsToRemove))
	for _, t := range edit.TagsToRemove {
		remove[t] = true
	}
	have := make(map[string]bool, len(current))
	out := make([]string, 0, len(current)+len(edit.TagsToAdd))
	changed := false
	for _, t := range current {
		if remove[t] {
			changed = true
			continue
		}
		have[t] = true
		out = append(out, t)
	}
	for _, t := range edit.TagsToAdd {
		if !have[t] {
			out = append(out, t)
			changed = true
		}
	}
	return out, changed
}
