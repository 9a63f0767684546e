// Package connector defines the per-vendor capability surface the adapter
// runtime drives.
//
// Vendors are registered as capability records in a table rather than a type
// hierarchy: a worker binds to (integration, entityType) by looking the slug
// up here and calling the record's functions. Real HTTP connectors live
// outside this repository; this package holds their contract, the error
// taxonomy, and a fake Microsoft 365 connector for tests and dev mode.
package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelsec/postured/internal/types"
)

// Page is one batch of raw records from a vendor fetch.
type Page struct {
	Records []map[string]interface{}
	Cursor  string
	HasMore bool
}

// FetchFunc fetches one page of one entity type for a data source.
type FetchFunc func(ctx context.Context, ds *types.DataSource, t types.EntityType, cursor string) (*Page, error)

// NormalizeFunc reduces a raw vendor record to the normalized field set the
// analyzers read. The raw record is kept verbatim alongside.
type NormalizeFunc func(t types.EntityType, raw map[string]interface{}) map[string]interface{}

// ExternalIDFunc extracts the vendor's stable identifier from a raw record.
type ExternalIDFunc func(t types.EntityType, raw map[string]interface{}) string

// Capability is the registered record for one integration.
type Capability struct {
	Slug        string
	CheckHealth func(ctx context.Context, ds *types.DataSource) error
	Fetch       FetchFunc
	Normalize   NormalizeFunc
	ExternalID  ExternalIDFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Capability)
)

// Register installs a capability record. Called from init or test setup;
// re-registering a slug replaces the record.
func Register(c *Capability) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Slug] = c
}

// Lookup returns the capability for an integration slug.
func Lookup(slug string) (*Capability, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[slug]
	if !ok {
		return nil, fmt.Errorf("connector: no capability registered for %q", slug)
	}
	return c, nil
}

// Slugs returns the registered integration slugs.
func Slugs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for slug := range registry {
		out = append(out, slug)
	}
	return out
}
