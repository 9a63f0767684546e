package memory

import (
	"context"
	"fmt"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

func alertIndexKeys(a *types.EntityAlert) []string {
	return []string{
		bkey("entitystatus", a.EntityID, string(a.Status)),
		bkey("fp", a.Fingerprint),
		bkey("dsstatustype", a.DataSourceID, string(a.Status), a.AlertType),
		bkey("tenantstatussev", a.TenantID, string(a.Status), string(a.Severity)),
	}
}

func (s *Store) indexAlert(a *types.EntityAlert) {
	for _, k := range alertIndexKeys(a) {
		s.alertIdx.add(k, a.ID)
	}
}

func (s *Store) unindexAlert(a *types.EntityAlert) {
	for _, k := range alertIndexKeys(a) {
		s.alertIdx.remove(k, a.ID)
	}
}

func (s *Store) putAlertLocked(a *types.EntityAlert) {
	if old, ok := s.alerts[a.ID]; ok {
		s.unindexAlert(old)
	}
	stored := clone(a)
	s.alerts[stored.ID] = stored
	s.indexAlert(stored)
}

func (s *Store) PutAlert(ctx context.Context, a *types.EntityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.putAlertLocked(a)
	return nil
}

func (s *Store) PutAlerts(ctx context.Context, as []*types.EntityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, a := range as {
		s.putAlertLocked(a)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*types.EntityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	a, ok := s.alerts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(a), nil
}

func (s *Store) ListAlerts(ctx context.Context, idx storage.AlertIndex, key storage.AlertKey) ([]*types.EntityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	collect := func(bucket string) []*types.EntityAlert {
		var out []*types.EntityAlert
		for _, id := range s.alertIdx.ids(bucket) {
			out = append(out, clone(s.alerts[id]))
		}
		return out
	}

	switch idx {
	case storage.AlertByEntityStatus:
		if key.EntityID == "" || key.Status == "" {
			return nil, fmt.Errorf("%w: %s requires EntityID and Status", storage.ErrBadIndex, idx)
		}
		return collect(bkey("entitystatus", key.EntityID, string(key.Status))), nil
	case storage.AlertByFingerprint:
		if key.Fingerprint == "" {
			return nil, fmt.Errorf("%w: %s requires Fingerprint", storage.ErrBadIndex, idx)
		}
		return collect(bkey("fp", key.Fingerprint)), nil
	case storage.AlertByDataSourceStatusType:
		if key.DataSourceID == "" || key.Status == "" || len(key.AlertTypes) == 0 {
			return nil, fmt.Errorf("%w: %s requires DataSourceID, Status, and AlertTypes", storage.ErrBadIndex, idx)
		}
		var out []*types.EntityAlert
		for _, at := range key.AlertTypes {
			out = append(out, collect(bkey("dsstatustype", key.DataSourceID, string(key.Status), at))...)
		}
		return out, nil
	case storage.AlertByTenantStatusSeverity:
		if key.TenantID == "" || key.Status == "" || key.Severity == "" {
			return nil, fmt.Errorf("%w: %s requires TenantID, Status, and Severity", storage.ErrBadIndex, idx)
		}
		return collect(bkey("tenantstatussev", key.TenantID, string(key.Status), string(key.Severity))), nil
	}
	return nil, fmt.Errorf("%w: unknown alert index %q", storage.ErrBadIndex, idx)
}

func (s *Store) PurgeAlerts(ctx context.Context, olderThan types.Millis) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	purged := 0
	for id, a := range s.alerts {
		if a.Status == types.AlertResolved && a.UpdatedAt < olderThan {
			s.unindexAlert(a)
			delete(s.alerts, id)
			purged++
		}
	}
	return purged, nil
}
