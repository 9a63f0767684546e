package memory

import (
	"context"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

// Tenants, sites, integrations, and data sources are small collections;
// they index by id (plus slug for integrations) and filter on list.

func (s *Store) PutTenant(ctx context.Context, t *types.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.tenants[t.ID] = clone(t)
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) ListTenants(ctx context.Context, status types.TenantStatus) ([]*types.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Tenant
	for _, t := range s.tenants {
		if status != "" && t.Status != status {
			continue
		}
		if t.DeletedAt != nil {
			continue
		}
		out = append(out, clone(t))
	}
	return out, nil
}

func (s *Store) PutSite(ctx context.Context, site *types.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.sites[site.ID] = clone(site)
	return nil
}

func (s *Store) GetSite(ctx context.Context, id string) (*types.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	site, ok := s.sites[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(site), nil
}

func (s *Store) ListSites(ctx context.Context, tenantID string) ([]*types.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Site
	for _, site := range s.sites {
		if site.TenantID == tenantID && site.DeletedAt == nil {
			out = append(out, clone(site))
		}
	}
	return out, nil
}

func (s *Store) PutIntegration(ctx context.Context, i *types.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if old, ok := s.integrations[i.ID]; ok && old.Slug != i.Slug {
		delete(s.integBySlug, old.Slug)
	}
	s.integrations[i.ID] = clone(i)
	s.integBySlug[i.Slug] = i.ID
	return nil
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*types.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	i, ok := s.integrations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(i), nil
}

func (s *Store) GetIntegrationBySlug(ctx context.Context, slug string) (*types.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, ok := s.integBySlug[slug]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s.integrations[id]), nil
}

func (s *Store) ListIntegrations(ctx context.Context) ([]*types.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Integration
	for _, i := range s.integrations {
		out = append(out, clone(i))
	}
	return out, nil
}

func (s *Store) PutDataSource(ctx context.Context, d *types.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.dataSources[d.ID] = clone(d)
	return nil
}

func (s *Store) GetDataSource(ctx context.Context, id string) (*types.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	d, ok := s.dataSources[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(d), nil
}

func (s *Store) ListDataSources(ctx context.Context, tenantID string, status types.DataSourceStatus) ([]*types.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.DataSource
	for _, d := range s.dataSources {
		if d.TenantID != tenantID || d.DeletedAt != nil {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, clone(d))
	}
	return out, nil
}

func (s *Store) ListAllDataSources(ctx context.Context, status types.DataSourceStatus) ([]*types.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.DataSource
	for _, d := range s.dataSources {
		if d.DeletedAt != nil {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, clone(d))
	}
	return out, nil
}
