// Package memory is an in-memory Storage backend.
//
// It backs unit tests and single-process dev mode. Secondary indexes are
// real: every list goes through a bucket map, mirroring how the SQL backend
// uses database indexes, so index mistakes surface in tests too.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

// buckets is a secondary index: composite key -> set of record ids.
type buckets map[string]map[string]struct{}

func (b buckets) add(key, id string) {
	set, ok := b[key]
	if !ok {
		set = make(map[string]struct{})
		b[key] = set
	}
	set[id] = struct{}{}
}

func (b buckets) remove(key, id string) {
	if set, ok := b[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b, key)
		}
	}
}

func (b buckets) ids(key string) []string {
	set := b[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func bkey(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}

var _ storage.Storage = (*Store)(nil)

// Store is the in-memory backend. All access is guarded by one mutex; the
// workloads that hit it (tests, dev mode) are small.
type Store struct {
	mu     sync.Mutex
	closed bool

	tenants      map[string]*types.Tenant
	sites        map[string]*types.Site
	integrations map[string]*types.Integration
	integBySlug  map[string]string
	dataSources  map[string]*types.DataSource

	entities       map[string]*types.Entity
	entityIdx      buckets           // secondary indexes
	entityByDSExt  map[string]string // live (dataSourceId, externalId) -> id

	rels   map[string]*types.EntityRelationship
	relIdx buckets

	alerts   map[string]*types.EntityAlert
	alertIdx buckets

	jobs       map[string]*types.ScheduledJob
	jobIdx     buckets
	jobPending map[string]string // (dataSourceId, action) -> pending job id

	agents      map[string]*types.Agent
	agentIdx    buckets
	agentByGUID map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:       make(map[string]*types.Tenant),
		sites:         make(map[string]*types.Site),
		integrations:  make(map[string]*types.Integration),
		integBySlug:   make(map[string]string),
		dataSources:   make(map[string]*types.DataSource),
		entities:      make(map[string]*types.Entity),
		entityIdx:     make(buckets),
		entityByDSExt: make(map[string]string),
		rels:          make(map[string]*types.EntityRelationship),
		relIdx:        make(buckets),
		alerts:        make(map[string]*types.EntityAlert),
		alertIdx:      make(buckets),
		jobs:          make(map[string]*types.ScheduledJob),
		jobIdx:        make(buckets),
		jobPending:    make(map[string]string),
		agents:        make(map[string]*types.Agent),
		agentIdx:      make(buckets),
		agentByGUID:   make(map[string]string),
	}
}

// Close marks the store closed. Subsequent calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// clone deep-copies a record through JSON so callers never share memory with
// the store. Records are JSON-shaped by construction.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory: clone unmarshal: %v", err))
	}
	return out
}

func cloneAll[T any](in []*T) []*T {
	out := make([]*T, len(in))
	for i, v := range in {
		out[i] = clone(v)
	}
	return out
}
