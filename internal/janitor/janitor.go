// Package janitor hard-purges soft-deleted rows past their retention
// window. Safe to run concurrently with the pipeline: it only removes rows
// the pipeline stopped reading when they were soft-deleted.
package janitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

// Report counts what one sweep removed.
type Report struct {
	Entities      int
	Relationships int
	Alerts        int
}

// Total returns the overall purged row count.
func (r Report) Total() int {
	return r.Entities + r.Relationships + r.Alerts
}

// Run purges rows soft-deleted (or resolved, for alerts) before
// now-retention. A zero retention uses the default.
func Run(ctx context.Context, store storage.Storage, retention time.Duration) (Report, error) {
	if retention <= 0 {
		retention = types.SoftDeleteRetention
	}
	cutoff := types.NowMillis() - types.Millis(retention.Milliseconds())

	var rep Report
	var err error
	if rep.Entities, err = store.PurgeDeletedEntities(ctx, cutoff); err != nil {
		return rep, fmt.Errorf("janitor: entities: %w", err)
	}
	if rep.Relationships, err = store.PurgeDeletedRelationships(ctx, cutoff); err != nil {
		return rep, fmt.Errorf("janitor: relationships: %w", err)
	}
	if rep.Alerts, err = store.PurgeAlerts(ctx, cutoff); err != nil {
		return rep, fmt.Errorf("janitor: alerts: %w", err)
	}
	log.Printf("[janitor] purged entities=%d relationships=%d alerts=%d",
		rep.Entities, rep.Relationships, rep.Alerts)
	return rep, nil
}
