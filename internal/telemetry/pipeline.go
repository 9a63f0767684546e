package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineScopeName = "github.com/kestrelsec/postured/pipeline"

// Pipeline holds the counters the ingestion stages report into. All
// instruments come from the global meter, so they are no-ops until Init
// enables telemetry.
type Pipeline struct {
	JobsScheduled  metric.Int64Counter
	JobsCompleted  metric.Int64Counter
	JobsBroken     metric.Int64Counter
	EntitiesUpsert metric.Int64Counter
	EntitiesSwept  metric.Int64Counter
	EdgesLinked    metric.Int64Counter
	Findings       metric.Int64Counter
	AlertsCreated  metric.Int64Counter
	AlertsResolved metric.Int64Counter
	ContextQueries metric.Int64Counter
	SlowQueries    metric.Int64Counter
	ContextLoadMs  metric.Float64Histogram
}

// NewPipeline builds the pipeline instrument set.
func NewPipeline() *Pipeline {
	m := Meter(pipelineScopeName)
	p := &Pipeline{}
	p.JobsScheduled, _ = m.Int64Counter("postured.jobs.scheduled",
		metric.WithDescription("Sync jobs created by the scheduler"))
	p.JobsCompleted, _ = m.Int64Counter("postured.jobs.completed",
		metric.WithDescription("Sync jobs that finished successfully"))
	p.JobsBroken, _ = m.Int64Counter("postured.jobs.broken",
		metric.WithDescription("Sync jobs abandoned after exhausting retries"))
	p.EntitiesUpsert, _ = m.Int64Counter("postured.entities.upserted",
		metric.WithDescription("Entities created or updated by the processor"))
	p.EntitiesSwept, _ = m.Int64Counter("postured.entities.swept",
		metric.WithDescription("Entities soft-deleted by mark-and-sweep"))
	p.EdgesLinked, _ = m.Int64Counter("postured.relationships.linked",
		metric.WithDescription("Relationship edges inserted or refreshed"))
	p.Findings, _ = m.Int64Counter("postured.analysis.findings",
		metric.WithDescription("Findings emitted by analyzers"))
	p.AlertsCreated, _ = m.Int64Counter("postured.alerts.created",
		metric.WithDescription("Alerts opened or reactivated"))
	p.AlertsResolved, _ = m.Int64Counter("postured.alerts.resolved",
		metric.WithDescription("Alerts resolved by analysis runs"))
	p.ContextQueries, _ = m.Int64Counter("postured.context.queries",
		metric.WithDescription("Store queries issued by the context loader"))
	p.SlowQueries, _ = m.Int64Counter("postured.context.slow_queries",
		metric.WithDescription("Context loader queries slower than the slow threshold"))
	p.ContextLoadMs, _ = m.Float64Histogram("postured.context.load_duration",
		metric.WithDescription("Tenant context load duration in milliseconds"),
		metric.WithUnit("ms"))
	return p
}

// Tenant is the standard attribute set for per-tenant counters.
func Tenant(tenantID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("postured.tenant", tenantID))
}

// Count is a nil-safe counter add.
func Count(ctx context.Context, c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, n, opts...)
	}
}
