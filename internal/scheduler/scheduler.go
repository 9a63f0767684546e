// Package scheduler turns the data-source catalog into sync jobs.
//
// Each tick walks every active tenant's active data sources and, per
// supported entity type, ensures exactly one pending sync job exists. Rate
// limiting comes from the integration's per-type rateMinutes against the
// data source's lastSuccessAt watermark.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/postured/internal/flags"
	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

// Scheduler emits sync jobs on a fixed tick.
type Scheduler struct {
	store    storage.Storage
	fabric   queue.Fabric
	metrics  *telemetry.Pipeline
	interval time.Duration

	// Flags gates scheduling per integration via "sync.<slug>". Nil means
	// everything is enabled.
	Flags *flags.Flags
}

// New creates a scheduler. metrics may be nil.
func New(store storage.Storage, fabric queue.Fabric, metrics *telemetry.Pipeline, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{store: store, fabric: fabric, metrics: metrics, interval: interval}
}

// Run ticks until ctx is canceled. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.Tick(ctx); err != nil {
			log.Printf("[scheduler] tick failed: %v", err)
		} else if n > 0 {
			log.Printf("[scheduler] scheduled %d jobs", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass and returns the number of jobs created.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	tenants, err := s.store.ListTenants(ctx, types.TenantActive)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenant := range tenants {
		sources, err := s.store.ListDataSources(ctx, tenant.ID, types.DataSourceActive)
		if err != nil {
			log.Printf("[scheduler] list data sources for %s: %v", tenant.ID, err)
			continue
		}
		for _, ds := range sources {
			n, err := s.scheduleDataSource(ctx, ds)
			if err != nil {
				log.Printf("[scheduler] data source %s: %v", ds.ID, err)
				continue
			}
			total += n
		}
	}
	if total > 0 && s.metrics != nil {
		telemetry.Count(ctx, s.metrics.JobsScheduled, int64(total))
	}
	return total, nil
}

func (s *Scheduler) scheduleDataSource(ctx context.Context, ds *types.DataSource) (int, error) {
	now := types.NowMillis()
	if ds.CredentialsExpired(now) {
		return 0, nil
	}
	if !s.Flags.Enabled(SyncFlag(ds.IntegrationSlug), true) {
		return 0, nil
	}
	integ, err := s.store.GetIntegrationBySlug(ctx, ds.IntegrationSlug)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range integ.SupportedTypes {
		created, err := Ensure(ctx, s.store, s.fabric, ds, integ, st, now)
		if err != nil {
			log.Printf("[scheduler] ensure %s/%s: %v", ds.ID, st.Type, err)
			continue
		}
		if created {
			n++
		}
	}
	return n, nil
}

// SyncFlag names the feature flag that pauses scheduling for one
// integration. Absent flags default to enabled.
func SyncFlag(integrationSlug string) string {
	return "sync." + integrationSlug
}

// Ensure creates and enqueues the sync job for one (dataSource, entityType)
// unless a pending one already exists. The adapter runtime calls this after
// a final batch to self-schedule the next sync. Returns true when a job was
// created.
func Ensure(ctx context.Context, store storage.Storage, fabric queue.Fabric, ds *types.DataSource, integ *types.Integration, st types.SupportedType, now types.Millis) (bool, error) {
	action := types.SyncAction(st.Type)

	pending, err := store.HasPendingJob(ctx, ds.ID, action)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	scheduledAt := now
	if last, ok := ds.LastSuccessAt[st.Type]; ok {
		nextAllowed := last + int64(st.EffectiveRateMinutes())*60_000
		if nextAllowed > scheduledAt {
			scheduledAt = nextAllowed
		}
	}

	job := &types.ScheduledJob{
		ID:              uuid.NewString(),
		TenantID:        ds.TenantID,
		IntegrationID:   ds.IntegrationID,
		IntegrationSlug: ds.IntegrationSlug,
		DataSourceID:    ds.ID,
		Action:          action,
		Priority:        st.EffectivePriority(),
		Status:          types.JobPending,
		AttemptsMax:     types.DefaultAttemptsMax,
		ScheduledAt:     scheduledAt,
		UpdatedAt:       now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicateJob) {
			// Lost the race to a concurrent scheduler. Not an error.
			return false, nil
		}
		return false, err
	}

	payload := types.JobPayload{
		SyncID:          uuid.NewString(),
		TenantID:        ds.TenantID,
		IntegrationSlug: ds.IntegrationSlug,
		IntegrationID:   ds.IntegrationID,
		DataSourceID:    ds.ID,
		Action:          action,
		EntityType:      st.Type,
		Priority:        job.Priority,
		StartedAt:       scheduledAt,
		JobID:           job.ID,
	}
	err = fabric.Enqueue(ctx, queue.SyncQueue(ds.IntegrationSlug, string(st.Type)), payload, queue.EnqueueOptions{
		Priority: job.Priority,
		Delay:    time.Duration(scheduledAt-now) * time.Millisecond,
		DedupKey: queue.JobDedupKey(ds.ID, action),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Requeue applies the failure policy to a failed job: schedule a retry with
// exponential backoff while attempts remain, otherwise mark it broken.
// Returns the retry delay, or 0 when the job is broken.
func Requeue(ctx context.Context, store storage.Storage, job *types.ScheduledJob, cause error, now types.Millis) (time.Duration, error) {
	job.Attempts++
	job.Error = cause.Error()
	job.UpdatedAt = now

	max := job.AttemptsMax
	if max <= 0 {
		max = types.DefaultAttemptsMax
	}
	if job.Attempts >= max {
		job.Status = types.JobBroken
		if err := store.PutJob(ctx, job); err != nil {
			return 0, err
		}
		log.Printf("[scheduler] job %s broken after %d attempts: %v", job.ID, job.Attempts, cause)
		return 0, nil
	}

	delay := types.RetryBackoff(job.Attempts)
	job.Status = types.JobPending
	job.NextRetryAt = now + delay.Milliseconds()
	if err := store.PutJob(ctx, job); err != nil {
		return 0, err
	}
	return delay, nil
}
