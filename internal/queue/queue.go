// Package queue is the message fabric for the pipeline: named work queues
// with priority, delay, and dedup keys, plus pub/sub topics for pipeline
// progress events.
//
// Two implementations exist: an in-process fabric for tests and
// single-process dev mode, and a NATS JetStream fabric for production.
// Delivery is at-least-once everywhere; handlers are expected idempotent
// (the pipeline enforces this with syncId keys in every payload).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Handler processes one delivery. Returning an error redelivers the message
// after a backoff, up to the fabric's redelivery limit.
type Handler func(ctx context.Context, data []byte) error

// EnqueueOptions control ordering and dedup for work-queue messages.
type EnqueueOptions struct {
	// Priority orders deliveries within a queue; higher first.
	Priority int
	// Delay holds the message back before it becomes deliverable.
	Delay time.Duration
	// DedupKey suppresses the enqueue when a message with the same key is
	// already pending on this queue. Empty disables dedup.
	DedupKey string
}

// Fabric is the combined work-queue and topic surface.
type Fabric interface {
	// Enqueue adds a message to a named work queue.
	Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) error
	// Consume binds a handler to a queue with a concurrency bound. The
	// returned stop function drains in-flight deliveries.
	Consume(queue string, concurrency int, h Handler) (stop func(), err error)
	// HasPending reports whether a message with the dedup key is pending.
	HasPending(queue, dedupKey string) bool

	// Publish sends an event to a topic.
	Publish(ctx context.Context, topic string, payload interface{}) error
	// Subscribe binds a handler to a topic pattern ("fetched.*"). durable
	// names the consumer group; events are delivered once per group.
	Subscribe(pattern string, durable string, h Handler) (stop func(), err error)

	Close() error
}

// Queue and topic naming. Queue names use ':' separators per the pipeline
// contract; topic names use '.' like NATS subjects.

func SyncQueue(integrationSlug, entityType string) string {
	return "sync:" + integrationSlug + ":" + entityType
}

const QueueProcessEntity = "process:entity"

func LinkQueue(integrationSlug string) string {
	return "link:" + integrationSlug
}

func AnalyzeQueue(tenantID string) string {
	return "analyze:" + tenantID
}

func TopicFetched(entityType string) string   { return "fetched." + entityType }
func TopicProcessed(entityType string) string { return "processed." + entityType }
func TopicLinked(scope string) string         { return "linked." + scope }

const TopicAnalysisUnified = "analysis.unified"

// JobDedupKey is the dedup key for a sync job: one pending message per
// (dataSourceId, action).
func JobDedupKey(dataSourceID, action string) string {
	return dataSourceID + "|" + action
}

// Encode marshals a payload for the fabric. Both implementations carry JSON.
func Encode(payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals a delivery into out.
func Decode(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("queue: decode: %w", err)
	}
	return nil
}

// subjectFor maps a queue or topic name onto a NATS subject token path.
// Queue names contain ':' which is legal in a subject but kept distinct
// from the '.' separator NATS uses for matching.
func subjectFor(name string) string {
	return strings.ReplaceAll(name, ":", "__")
}

// matchPattern reports whether a topic matches a one-level-wildcard pattern
// ("fetched.*" matches "fetched.identities"). Used by the in-process fabric;
// NATS does its own matching.
func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
