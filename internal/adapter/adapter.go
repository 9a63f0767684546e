// Package adapter runs the fetch side of the pipeline: it consumes sync
// jobs, drives the vendor connector, and publishes fetched.<type> events
// for the entity processor.
package adapter

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrelsec/postured/internal/connector"
	"github.com/kestrelsec/postured/internal/queue"
	"github.com/kestrelsec/postured/internal/scheduler"
	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/telemetry"
	"github.com/kestrelsec/postured/internal/types"
)

// DefaultFetchConcurrency bounds in-flight fetches across all tenants.
const DefaultFetchConcurrency = 50

// Runtime owns one consumer per (integration, entityType) queue.
type Runtime struct {
	store   storage.Storage
	fabric  queue.Fabric
	metrics *telemetry.Pipeline

	// Workers is per-queue handler concurrency.
	Workers int

	sem   *semaphore.Weighted
	stops []func()
}

// New creates an adapter runtime. metrics may be nil.
func New(store storage.Storage, fabric queue.Fabric, metrics *telemetry.Pipeline) *Runtime {
	return &Runtime{
		store:   store,
		fabric:  fabric,
		metrics: metrics,
		Workers: 4,
		sem:     semaphore.NewWeighted(DefaultFetchConcurrency),
	}
}

// Start binds consumers for every registered connector's supported types.
func (r *Runtime) Start(ctx context.Context) error {
	for _, slug := range connector.Slugs() {
		integ, err := r.store.GetIntegrationBySlug(ctx, slug)
		if err != nil {
			log.Printf("[adapter] no catalog entry for connector %s, skipping", slug)
			continue
		}
		for _, st := range integ.SupportedTypes {
			qname := queue.SyncQueue(slug, string(st.Type))
			stop, err := r.fabric.Consume(qname, r.Workers, r.handler())
			if err != nil {
				r.Stop()
				return fmt.Errorf("adapter: consume %s: %w", qname, err)
			}
			r.stops = append(r.stops, stop)
		}
	}
	return nil
}

// Stop unbinds all consumers.
func (r *Runtime) Stop() {
	for _, stop := range r.stops {
		stop()
	}
	r.stops = nil
}

func (r *Runtime) handler() queue.Handler {
	return func(ctx context.Context, data []byte) error {
		var payload types.JobPayload
		if err := queue.Decode(data, &payload); err != nil {
			log.Printf("[adapter] dropping undecodable job payload: %v", err)
			return nil
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer r.sem.Release(1)
		return r.runJob(ctx, &payload)
	}
}

func (r *Runtime) runJob(ctx context.Context, payload *types.JobPayload) error {
	now := types.NowMillis()

	ds, err := r.store.GetDataSource(ctx, payload.DataSourceID)
	if err != nil {
		log.Printf("[adapter] job %s: data source %s gone: %v", payload.JobID, payload.DataSourceID, err)
		return nil
	}
	if ds.Status != types.DataSourceActive {
		log.Printf("[adapter] job %s: data source %s is %s, dropping", payload.JobID, ds.ID, ds.Status)
		return nil
	}

	cap, err := connector.Lookup(payload.IntegrationSlug)
	if err != nil {
		return r.failJob(ctx, payload, err, now)
	}

	if payload.BatchNumber == 0 {
		proceed, err := r.claimFirstBatch(ctx, payload, ds, now)
		if err != nil || !proceed {
			return err
		}
		if err := cap.CheckHealth(ctx, ds); err != nil {
			return r.failJob(ctx, payload, fmt.Errorf("health check: %w", err), now)
		}
	}

	page, err := cap.Fetch(ctx, ds, payload.EntityType, payload.Cursor)
	if err != nil {
		return r.failJob(ctx, payload, fmt.Errorf("fetch %s: %w", payload.EntityType, err), now)
	}

	event := types.FetchedEvent{
		SyncID:          payload.SyncID,
		TenantID:        payload.TenantID,
		DataSourceID:    ds.ID,
		IntegrationID:   payload.IntegrationID,
		IntegrationSlug: payload.IntegrationSlug,
		EntityType:      payload.EntityType,
		Records:         buildRecords(cap, ds, payload.EntityType, page.Records),
		HasMore:         page.HasMore,
		Cursor:          page.Cursor,
	}
	if err := r.fabric.Publish(ctx, queue.TopicFetched(string(payload.EntityType)), event); err != nil {
		return r.failJob(ctx, payload, fmt.Errorf("publish fetched: %w", err), now)
	}

	if page.HasMore {
		next := *payload
		next.Cursor = page.Cursor
		next.BatchNumber++
		return r.fabric.Enqueue(ctx, queue.SyncQueue(payload.IntegrationSlug, string(payload.EntityType)), next,
			queue.EnqueueOptions{Priority: payload.Priority})
	}
	return r.finishJob(ctx, payload, ds, now)
}

// claimFirstBatch enforces the tenant concurrency cap and the pending->
// running transition. Returns false (nil error) when the batch should be
// silently dropped or deferred.
func (r *Runtime) claimFirstBatch(ctx context.Context, payload *types.JobPayload, ds *types.DataSource, now types.Millis) (bool, error) {
	if tenant, err := r.store.GetTenant(ctx, ds.TenantID); err == nil {
		running, err := r.store.CountRunningJobs(ctx, ds.TenantID)
		if err == nil && running >= tenant.JobLimit() {
			// Tenant at capacity. Defer without burning a retry attempt.
			log.Printf("[adapter] tenant %s at job limit (%d), deferring %s", ds.TenantID, running, payload.Action)
			return false, r.fabric.Enqueue(ctx, queue.SyncQueue(payload.IntegrationSlug, string(payload.EntityType)), *payload,
				queue.EnqueueOptions{Priority: payload.Priority, Delay: 15 * time.Second})
		}
	}
	if payload.JobID == "" {
		return true, nil
	}
	claimed, err := r.store.ClaimJob(ctx, payload.JobID, now)
	if err != nil {
		log.Printf("[adapter] claim job %s: %v", payload.JobID, err)
		return true, nil
	}
	if !claimed {
		job, err := r.store.GetJob(ctx, payload.JobID)
		if err == nil && job.Status != types.JobRunning {
			log.Printf("[adapter] job %s already %s, dropping duplicate delivery", payload.JobID, job.Status)
			return false, nil
		}
	}
	return true, nil
}

func (r *Runtime) finishJob(ctx context.Context, payload *types.JobPayload, ds *types.DataSource, now types.Millis) error {
	if ds.LastSuccessAt == nil {
		ds.LastSuccessAt = make(map[types.EntityType]types.Millis)
	}
	ds.LastSuccessAt[payload.EntityType] = now
	ds.LastSyncAt = now
	ds.CurrentSyncID = payload.SyncID
	ds.LastError = ""
	ds.UpdatedAt = now
	if err := r.store.PutDataSource(ctx, ds); err != nil {
		return fmt.Errorf("adapter: record success: %w", err)
	}

	if payload.JobID != "" {
		if job, err := r.store.GetJob(ctx, payload.JobID); err == nil {
			job.Status = types.JobCompleted
			job.Error = ""
			job.UpdatedAt = now
			if err := r.store.PutJob(ctx, job); err != nil {
				log.Printf("[adapter] complete job %s: %v", job.ID, err)
			}
		}
	}
	if r.metrics != nil {
		telemetry.Count(ctx, r.metrics.JobsCompleted, 1, telemetry.Tenant(ds.TenantID))
	}

	// Self-schedule the next sync; §4.3 dedup applies through HasPendingJob.
	if integ, err := r.store.GetIntegrationBySlug(ctx, payload.IntegrationSlug); err == nil {
		if st, ok := integ.Supported(payload.EntityType); ok {
			if _, err := scheduler.Ensure(ctx, r.store, r.fabric, ds, integ, st, now); err != nil {
				log.Printf("[adapter] self-schedule %s/%s: %v", ds.ID, payload.EntityType, err)
			}
		}
	}
	return nil
}

// failJob applies the retry policy for a failed batch. Credential failures
// stop the data source; transient and permanent ones go through the job
// backoff until the attempt budget breaks the job.
func (r *Runtime) failJob(ctx context.Context, payload *types.JobPayload, cause error, now types.Millis) error {
	log.Printf("[adapter] job %s (%s %s): %v", payload.JobID, payload.DataSourceID, payload.Action, cause)

	if connector.Classify(cause) == connector.KindCredential {
		if ds, err := r.store.GetDataSource(ctx, payload.DataSourceID); err == nil {
			ds.Status = types.DataSourceError
			ds.LastError = cause.Error()
			ds.UpdatedAt = now
			if err := r.store.PutDataSource(ctx, ds); err != nil {
				log.Printf("[adapter] mark data source %s error: %v", ds.ID, err)
			}
		}
		r.markFailed(ctx, payload, cause, now)
		return nil
	}

	job, err := r.store.GetJob(ctx, payload.JobID)
	if err != nil {
		// No durable job to track attempts against; let the queue redeliver.
		return cause
	}
	delay, err := scheduler.Requeue(ctx, r.store, job, cause, now)
	if err != nil {
		return err
	}
	if delay == 0 {
		if r.metrics != nil {
			telemetry.Count(ctx, r.metrics.JobsBroken, 1, telemetry.Tenant(payload.TenantID))
		}
		return nil
	}

	retry := *payload
	retry.BatchNumber = 0
	retry.Cursor = ""
	return r.fabric.Enqueue(ctx, queue.SyncQueue(payload.IntegrationSlug, string(payload.EntityType)), retry,
		queue.EnqueueOptions{Priority: payload.Priority, Delay: withJitter(delay)})
}

func (r *Runtime) markFailed(ctx context.Context, payload *types.JobPayload, cause error, now types.Millis) {
	if payload.JobID == "" {
		return
	}
	job, err := r.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return
	}
	job.Status = types.JobFailed
	job.Error = cause.Error()
	job.UpdatedAt = now
	if err := r.store.PutJob(ctx, job); err != nil {
		log.Printf("[adapter] mark job %s failed: %v", job.ID, err)
	}
}

// withJitter spreads retries by up to 20% to avoid thundering herds.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	return d + time.Duration(rand.Int63n(spread+1)) - time.Duration(spread/2)
}

// buildRecords hashes and normalizes one fetched page.
func buildRecords(cap *connector.Capability, ds *types.DataSource, t types.EntityType, raws []map[string]interface{}) []types.FetchedRecord {
	records := make([]types.FetchedRecord, 0, len(raws))
	for _, raw := range raws {
		externalID := cap.ExternalID(t, raw)
		if externalID == "" {
			continue
		}
		rec := types.FetchedRecord{
			ExternalID:     externalID,
			DataHash:       types.ComputeDataHash(t, raw),
			RawData:        raw,
			NormalizedData: cap.Normalize(t, raw),
		}
		if t == types.TypeIdentities {
			upn, _ := rec.NormalizedData["userPrincipalName"].(string)
			rec.SiteID = ResolveSiteID(ds, upn)
		}
		records = append(records, rec)
	}
	return records
}

// ResolveSiteID maps an identity to a site by longest-suffix match of its
// UPN domain against the data source's domain mappings.
func ResolveSiteID(ds *types.DataSource, upn string) string {
	mappings := ds.DomainMappings()
	if len(mappings) == 0 || upn == "" {
		return ds.SiteID
	}
	at := strings.LastIndex(upn, "@")
	if at < 0 {
		return ds.SiteID
	}
	domain := strings.ToLower(upn[at+1:])

	best := ""
	bestLen := -1
	for _, m := range mappings {
		md := strings.ToLower(m.Domain)
		if (domain == md || strings.HasSuffix(domain, "."+md)) && len(md) > bestLen {
			best = m.SiteID
			bestLen = len(md)
		}
	}
	if best == "" {
		return ds.SiteID
	}
	return best
}
