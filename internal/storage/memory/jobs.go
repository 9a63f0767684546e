package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

func jobPendingKey(dataSourceID, action string) string {
	return bkey(dataSourceID, action)
}

func (s *Store) indexJob(j *types.ScheduledJob) {
	s.jobIdx.add(bkey("dsstatus", j.DataSourceID, string(j.Status)), j.ID)
	s.jobIdx.add(bkey("status", string(j.Status)), j.ID)
	s.jobIdx.add(bkey("tenantstatus", j.TenantID, string(j.Status)), j.ID)
	if j.Status == types.JobPending {
		s.jobPending[jobPendingKey(j.DataSourceID, j.Action)] = j.ID
	}
}

func (s *Store) unindexJob(j *types.ScheduledJob) {
	s.jobIdx.remove(bkey("dsstatus", j.DataSourceID, string(j.Status)), j.ID)
	s.jobIdx.remove(bkey("status", string(j.Status)), j.ID)
	s.jobIdx.remove(bkey("tenantstatus", j.TenantID, string(j.Status)), j.ID)
	pk := jobPendingKey(j.DataSourceID, j.Action)
	if s.jobPending[pk] == j.ID {
		delete(s.jobPending, pk)
	}
}

func (s *Store) CreateJob(ctx context.Context, j *types.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if j.Status == types.JobPending {
		if _, exists := s.jobPending[jobPendingKey(j.DataSourceID, j.Action)]; exists {
			return fmt.Errorf("%w for (%s, %s)", storage.ErrDuplicateJob, j.DataSourceID, j.Action)
		}
	}
	stored := clone(j)
	s.jobs[stored.ID] = stored
	s.indexJob(stored)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) PutJob(ctx context.Context, j *types.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if old, ok := s.jobs[j.ID]; ok {
		s.unindexJob(old)
	}
	stored := clone(j)
	s.jobs[stored.ID] = stored
	s.indexJob(stored)
	return nil
}

func (s *Store) ListJobs(ctx context.Context, idx storage.JobIndex, key storage.JobKey) ([]*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*types.ScheduledJob
	switch idx {
	case storage.JobByDataSourceStatus:
		if key.DataSourceID == "" || key.Status == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and Status", storage.ErrBadIndex, idx)
		}
		for _, id := range s.jobIdx.ids(bkey("dsstatus", key.DataSourceID, string(key.Status))) {
			out = append(out, clone(s.jobs[id]))
		}
	case storage.JobByPendingDue:
		if key.DueBefore == 0 {
			return nil, fmt.Errorf("%w: %s requires DueBefore", storage.ErrBadIndex, idx)
		}
		for _, id := range s.jobIdx.ids(bkey("status", string(types.JobPending))) {
			j := s.jobs[id]
			due := j.ScheduledAt
			if j.NextRetryAt > due {
				due = j.NextRetryAt
			}
			if due <= key.DueBefore {
				out = append(out, clone(j))
			}
		}
	case storage.JobByPriorityAndScheduledAt:
		for _, id := range s.jobIdx.ids(bkey("status", string(types.JobPending))) {
			out = append(out, clone(s.jobs[id]))
		}
	default:
		return nil, fmt.Errorf("%w: unknown job index %q", storage.ErrBadIndex, idx)
	}

	// Higher priority first, then earliest scheduled.
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].ScheduledAt < out[k].ScheduledAt
	})
	return out, nil
}

func (s *Store) HasPendingJob(ctx context.Context, dataSourceID, action string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	_, ok := s.jobPending[jobPendingKey(dataSourceID, action)]
	return ok, nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now types.Millis) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if j.Status != types.JobPending {
		return false, nil
	}
	s.unindexJob(j)
	j.Status = types.JobRunning
	j.StartedAt = now
	j.UpdatedAt = now
	s.indexJob(j)
	return true, nil
}

func (s *Store) CountRunningJobs(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return len(s.jobIdx.ids(bkey("tenantstatus", tenantID, string(types.JobRunning)))), nil
}
