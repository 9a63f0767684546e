// Package processor reconciles fetched records into the entity store.
//
// Change detection is by content hash: a record whose dataHash matches the
// stored entity only gets its syncId and lastSeenAt restamped. The final
// batch of a sync triggers mark-and-sweep for the (dataSource, entityType)
// scope.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

// Processor consumes fetched.* and emits processed.<type>.
type Processor struct {
	store   storage.Storage
	fabric  queue.Fabric
	metrics *telemetry.Pipeline

	stop func()
}

// New creates a processor. metrics may be nil.
func New(store storage.Storage, fabric queue.Fabric, metrics *telemetry.Pipeline) *Processor {
	return &Processor{store: store, fabric: fabric, metrics: metrics}
}

// Start subscribes to all fetched.* events.
func (p *Processor) Start() error {
	stop, err := p.fabric.Subscribe("fetched.*", "processor", func(ctx context.Context, data []byte) error {
		var ev types.FetchedEvent
		if err := queue.Decode(data, &ev); err != nil {
			log.Printf("[processor] dropping undecodable event: %v", err)
			return nil
		}
		return p.Handle(ctx, &ev)
	})
	if err != nil {
		return fmt.Errorf("processor: subscribe: %w", err)
	}
	p.stop = stop
	return nil
}

// Stop unsubscribes.
func (p *Processor) Stop() {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}

// Handle reconciles one fetched batch. Replaying a batch is a no-op by hash
// and by (externalId, syncId).
func (p *Processor) Handle(ctx context.Context, ev *types.FetchedEvent) error {
	now := types.NowMillis()

	var upserts []*types.Entity
	var unchanged []string
	var changed []string

	for i := range ev.Records {
		rec := &ev.Records[i]
		existing, err := p.store.GetEntityByExternalID(ctx, ev.DataSourceID, rec.ExternalID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			upserts = append(upserts, p.newEntity(ev, rec, now))
		case err != nil:
			return fmt.Errorf("processor: lookup %s: %w", rec.ExternalID, err)
		case existing.DataHash == rec.DataHash:
			unchanged = append(unchanged, existing.ID)
		default:
			patchEntity(existing, rec, ev.SyncID, now)
			upserts = append(upserts, existing)
		}
	}

	if len(upserts) > 0 {
		if err := p.store.PutEntities(ctx, upserts); err != nil {
			return fmt.Errorf("processor: put entities: %w", err)
		}
		for _, e := range upserts {
			changed = append(changed, e.ID)
		}
		if p.metrics != nil {
			telemetry.Count(ctx, p.metrics.EntitiesUpsert, int64(len(upserts)), telemetry.Tenant(ev.TenantID))
		}
	}
	if len(unchanged) > 0 {
		if err := p.store.MarkEntitiesSeen(ctx, unchanged, ev.SyncID, now); err != nil {
			return fmt.Errorf("processor: mark seen: %w", err)
		}
	}

	final := !ev.HasMore
	if final {
		swept, err := p.store.SweepEntities(ctx, ev.DataSourceID, ev.EntityType, ev.SyncID, now)
		if err != nil {
			return fmt.Errorf("processor: sweep: %w", err)
		}
		if len(swept) > 0 {
			log.Printf("[processor] swept %d stale %s for %s", len(swept), ev.EntityType, ev.DataSourceID)
			changed = append(changed, swept...)
			if p.metrics != nil {
				telemetry.Count(ctx, p.metrics.EntitiesSwept, int64(len(swept)), telemetry.Tenant(ev.TenantID))
			}
		}
	}

	out := types.ProcessedEvent{
		SyncID:           ev.SyncID,
		TenantID:         ev.TenantID,
		DataSourceID:     ev.DataSourceID,
		IntegrationSlug:  ev.IntegrationSlug,
		EntityType:       ev.EntityType,
		ChangedEntityIDs: changed,
		Final:            final,
	}
	return p.fabric.Publish(ctx, queue.TopicProcessed(string(ev.EntityType)), out)
}

func (p *Processor) newEntity(ev *types.FetchedEvent, rec *types.FetchedRecord, now types.Millis) *types.Entity {
	return &types.Entity{
		ID:             uuid.NewString(),
		TenantID:       ev.TenantID,
		SiteID:         rec.SiteID,
		IntegrationID:  ev.IntegrationID,
		DataSourceID:   ev.DataSourceID,
		ExternalID:     rec.ExternalID,
		EntityType:     ev.EntityType,
		State:          types.StateNormal,
		DataHash:       rec.DataHash,
		RawData:        rec.RawData,
		NormalizedData: rec.NormalizedData,
		SyncID:         ev.SyncID,
		LastSeenAt:     now,
		UpdatedAt:      now,
	}
}

func patchEntity(e *types.Entity, rec *types.FetchedRecord, syncID string, now types.Millis) {
	if rec.SiteID != "" {
		e.SiteID = rec.SiteID
	}
	e.DataHash = rec.DataHash
	e.RawData = rec.RawData
	e.NormalizedData = rec.NormalizedData
	e.SyncID = syncID
	e.LastSeenAt = now
	e.UpdatedAt = now
}
