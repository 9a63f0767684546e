package connector

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/kestrelsec/postured/internal/types"
)

// SlugM365 is the integration slug for Microsoft 365.
const SlugM365 = "microsoft-365"

// SecurityDefaultsExternalID is the fixed external id of the synthetic
// tenant-wide Security Defaults policy entity.
const SecurityDefaultsExternalID = "security-defaults"

// M365Data is the seeded dataset for one data source in the fake connector.
type M365Data struct {
	Identities []map[string]interface{}
	Groups     []map[string]interface{}
	Roles      []map[string]interface{}
	Policies   []map[string]interface{}
	Skus       []map[string]interface{}
	Endpoints  []map[string]interface{}

	SecurityDefaultsEnabled bool

	// PageSize paginates identity fetches when > 0.
	PageSize int

	// HealthErr fails CheckHealth; FetchErr fails every fetch.
	HealthErr error
	FetchErr  error
}

// FakeM365 is an in-memory Microsoft 365 connector exposing the standard
// vendor capability surface. Tests and dev mode seed it per data source.
type FakeM365 struct {
	mu   sync.RWMutex
	data map[string]*M365Data
}

// NewFakeM365 creates an empty fake connector.
func NewFakeM365() *FakeM365 {
	return &FakeM365{data: make(map[string]*M365Data)}
}

// Seed installs the dataset for a data source.
func (f *FakeM365) Seed(dataSourceID string, data *M365Data) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[dataSourceID] = data
}

func (f *FakeM365) dataset(ds *types.DataSource) (*M365Data, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.data[ds.ID]
	if !ok {
		return nil, Credential("dataset", fmt.Errorf("no credentials for data source %s", ds.ID))
	}
	return d, nil
}

// CheckHealth verifies the connector can reach the vendor for a data source.
func (f *FakeM365) CheckHealth(ctx context.Context, ds *types.DataSource) error {
	d, err := f.dataset(ds)
	if err != nil {
		return err
	}
	if d.HealthErr != nil {
		return d.HealthErr
	}
	return nil
}

// GetIdentities returns one page of directory users.
func (f *FakeM365) GetIdentities(ctx context.Context, ds *types.DataSource, cursor string) (*Page, error) {
	d, err := f.dataset(ds)
	if err != nil {
		return nil, err
	}
	if d.FetchErr != nil {
		return nil, d.FetchErr
	}
	return paginate(d.Identities, cursor, d.PageSize)
}

// GetGroups returns all directory groups.
func (f *FakeM365) GetGroups(ctx context.Context, ds *types.DataSource) (*Page, error) {
	return f.fetchAll(ds, func(d *M365Data) []map[string]interface{} { return d.Groups })
}

// GetRoles returns all directory roles with their member ids.
func (f *FakeM365) GetRoles(ctx context.Context, ds *types.DataSource) (*Page, error) {
	return f.fetchAll(ds, func(d *M365Data) []map[string]interface{} { return d.Roles })
}

// GetConditionalAccessPolicies returns conditional access policies plus the
// synthetic security-defaults record, so one policies sync carries both.
func (f *FakeM365) GetConditionalAccessPolicies(ctx context.Context, ds *types.DataSource) (*Page, error) {
	d, err := f.dataset(ds)
	if err != nil {
		return nil, err
	}
	if d.FetchErr != nil {
		return nil, d.FetchErr
	}
	records := make([]map[string]interface{}, 0, len(d.Policies)+1)
	records = append(records, d.Policies...)
	records = append(records, map[string]interface{}{
		"id":               SecurityDefaultsExternalID,
		"displayName":      "Security Defaults",
		"securityDefaults": true,
		"isEnabled":        d.SecurityDefaultsEnabled,
	})
	return &Page{Records: records}, nil
}

// GetSecurityDefaultsEnabled reports the tenant's Security Defaults toggle.
func (f *FakeM365) GetSecurityDefaultsEnabled(ctx context.Context, ds *types.DataSource) (bool, error) {
	d, err := f.dataset(ds)
	if err != nil {
		return false, err
	}
	return d.SecurityDefaultsEnabled, nil
}

// GetSubscribedSkus returns the tenant's license SKUs.
func (f *FakeM365) GetSubscribedSkus(ctx context.Context, ds *types.DataSource) (*Page, error) {
	return f.fetchAll(ds, func(d *M365Data) []map[string]interface{} { return d.Skus })
}

// GetEndpoints returns managed devices.
func (f *FakeM365) GetEndpoints(ctx context.Context, ds *types.DataSource) (*Page, error) {
	return f.fetchAll(ds, func(d *M365Data) []map[string]interface{} { return d.Endpoints })
}

// GetTenants returns the vendor-side tenant list (companies).
func (f *FakeM365) GetTenants(ctx context.Context, ds *types.DataSource) (*Page, error) {
	return f.fetchAll(ds, func(d *M365Data) []map[string]interface{} { return nil })
}

func (f *FakeM365) fetchAll(ds *types.DataSource, pick func(*M365Data) []map[string]interface{}) (*Page, error) {
	d, err := f.dataset(ds)
	if err != nil {
		return nil, err
	}
	if d.FetchErr != nil {
		return nil, d.FetchErr
	}
	return &Page{Records: pick(d)}, nil
}

// paginate slices records by a numeric offset cursor.
func paginate(records []map[string]interface{}, cursor string, pageSize int) (*Page, error) {
	if pageSize <= 0 || len(records) <= pageSize {
		return &Page{Records: records}, nil
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, Permanent("paginate", fmt.Errorf("bad cursor %q", cursor))
		}
		offset = n
	}
	if offset >= len(records) {
		return &Page{}, nil
	}
	end := offset + pageSize
	if end > len(records) {
		end = len(records)
	}
	page := &Page{Records: records[offset:end]}
	if end < len(records) {
		page.HasMore = true
		page.Cursor = strconv.Itoa(end)
	}
	return page, nil
}

// Capability builds the registry record for the fake connector.
func (f *FakeM365) Capability() *Capability {
	return &Capability{
		Slug:        SlugM365,
		CheckHealth: f.CheckHealth,
		Fetch: func(ctx context.Context, ds *types.DataSource, t types.EntityType, cursor string) (*Page, error) {
			switch t {
			case types.TypeIdentities:
				return f.GetIdentities(ctx, ds, cursor)
			case types.TypeGroups:
				return f.GetGroups(ctx, ds)
			case types.TypeRoles:
				return f.GetRoles(ctx, ds)
			case types.TypePolicies:
				return f.GetConditionalAccessPolicies(ctx, ds)
			case types.TypeLicenses:
				return f.GetSubscribedSkus(ctx, ds)
			case types.TypeEndpoints:
				return f.GetEndpoints(ctx, ds)
			case types.TypeCompanies:
				return f.GetTenants(ctx, ds)
			}
			return nil, Permanent("fetch", fmt.Errorf("unsupported entity type %q", t))
		},
		Normalize:  NormalizeM365,
		ExternalID: M365ExternalID,
	}
}
