// Package catalog holds the integration catalog: which vendors the pipeline
// knows how to sync, which entity types each carries, and per-type scheduling
// hints. Builtins are compiled into the binary; operators can add or override
// entries with a catalog.toml file.
package catalog

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/kestrelsec/postured/internal/types"
)

// Entry is one catalog integration as written in catalog.toml.
type Entry struct {
	Slug           string                `toml:"slug"`
	Name           string                `toml:"name"`
	Category       string                `toml:"category"`
	SupportedTypes []types.SupportedType `toml:"supported_types"`
}

// Builtins are the default catalog entries compiled into the binary.
var Builtins = map[string]Entry{
	"microsoft-365": {
		Slug:     "microsoft-365",
		Name:     "Microsoft 365",
		Category: "identity",
		SupportedTypes: []types.SupportedType{
			{Type: types.TypeIdentities, Priority: 7, RateMinutes: 60},
			{Type: types.TypeGroups, Priority: 6, RateMinutes: 60},
			{Type: types.TypeRoles, Priority: 6, RateMinutes: 120},
			{Type: types.TypePolicies, Priority: 8, RateMinutes: 60},
			{Type: types.TypeLicenses, Priority: 4, RateMinutes: 240, IsGlobal: true},
			{Type: types.TypeEndpoints, Priority: 5, RateMinutes: 60},
		},
	},
	"datto-rmm": {
		Slug:     "datto-rmm",
		Name:     "Datto RMM",
		Category: "rmm",
		SupportedTypes: []types.SupportedType{
			{Type: types.TypeEndpoints, Priority: 6, RateMinutes: 30},
			{Type: types.TypeCompanies, Priority: 3, RateMinutes: 720, IsGlobal: true},
		},
	},
	"connectwise-psa": {
		Slug:     "connectwise-psa",
		Name:     "ConnectWise PSA",
		Category: "psa",
		SupportedTypes: []types.SupportedType{
			{Type: types.TypeCompanies, Priority: 3, RateMinutes: 720, IsGlobal: true},
		},
	},
	"fortigate": {
		Slug:     "fortigate",
		Name:     "FortiGate",
		Category: "network",
		SupportedTypes: []types.SupportedType{
			{Type: types.TypeFirewalls, Priority: 6, RateMinutes: 60},
		},
	},
}

type userCatalog struct {
	Integrations map[string]Entry `toml:"integrations"`
}

// LoadUser reads operator-defined catalog entries from path. A missing file
// is not an error.
func LoadUser(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var uc userCatalog
	if err := toml.Unmarshal(data, &uc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	for slug, e := range uc.Integrations {
		if e.Slug == "" {
			e.Slug = slug
			uc.Integrations[slug] = e
		}
		if len(e.SupportedTypes) == 0 {
			return nil, fmt.Errorf("catalog: integration %q has no supported types", slug)
		}
	}
	return uc.Integrations, nil
}

// Merged returns builtins overlaid with entries from path (when non-empty).
// User entries replace builtins with the same slug.
func Merged(path string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(Builtins))
	for slug, e := range Builtins {
		out[slug] = e
	}
	if path == "" {
		return out, nil
	}
	user, err := LoadUser(path)
	if err != nil {
		return nil, err
	}
	for slug, e := range user {
		out[slug] = e
	}
	return out, nil
}

// Integration converts a catalog entry to the stored integration record.
func (e Entry) Integration(now types.Millis) *types.Integration {
	return &types.Integration{
		ID:             "integration:" + e.Slug,
		Slug:           e.Slug,
		Name:           e.Name,
		Category:       e.Category,
		SupportedTypes: e.SupportedTypes,
		UpdatedAt:      now,
	}
}

// Seed upserts every catalog entry into the store so data sources can
// reference integrations by slug.
func Seed(entries map[string]Entry, now types.Millis, put func(*types.Integration) error) error {
	for _, e := range entries {
		if err := put(e.Integration(now)); err != nil {
			return fmt.Errorf("catalog: seed %s: %w", e.Slug, err)
		}
	}
	return nil
}
