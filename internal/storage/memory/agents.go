package memory

import (
	"context"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

func (s *Store) putAgentLocked(a *types.Agent) {
	if old, ok := s.agents[a.ID]; ok {
		s.agentIdx.remove(bkey("tenant", old.TenantID), old.ID)
		delete(s.agentByGUID, bkey(old.TenantID, old.GUID))
	}
	stored := clone(a)
	s.agents[stored.ID] = stored
	s.agentIdx.add(bkey("tenant", stored.TenantID), stored.ID)
	s.agentByGUID[bkey(stored.TenantID, stored.GUID)] = stored.ID
}

func (s *Store) PutAgent(ctx context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.putAgentLocked(a)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(a), nil
}

func (s *Store) GetAgentByGUID(ctx context.Context, tenantID, guid string) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, ok := s.agentByGUID[bkey(tenantID, guid)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s.agents[id]), nil
}

func (s *Store) ListAgents(ctx context.Context, tenantID string) ([]*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Agent
	for _, id := range s.agentIdx.ids(bkey("tenant", tenantID)) {
		a := s.agents[id]
		if a.DeletedAt == nil {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (s *Store) ListAllAgents(ctx context.Context) ([]*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Agent
	for _, a := range s.agents {
		if a.DeletedAt == nil {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (s *Store) BatchUpdateAgents(ctx context.Context, as []*types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, a := range as {
		s.putAgentLocked(a)
	}
	return nil
}
