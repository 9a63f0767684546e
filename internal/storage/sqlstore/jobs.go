package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

// pendingKey is the value of the unique shadow column enforcing at most one
// pending job per (dataSourceId, action). NULL for non-pending jobs.
func pendingKey(j *types.ScheduledJob) interface{} {
	if j.Status == types.JobPending {
		return j.DataSourceID + "\x00" + j.Action
	}
	return nil
}

const putJobSQL = `
	INSERT INTO scheduled_jobs
		(id, doc, tenant_id, data_source_id, action, status, priority, scheduled_at, next_retry_at, pending_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		doc=VALUES(doc), status=VALUES(status), priority=VALUES(priority),
		scheduled_at=VALUES(scheduled_at), next_retry_at=VALUES(next_retry_at),
		pending_key=VALUES(pending_key)`

func jobArgs(j *types.ScheduledJob, doc []byte) []interface{} {
	return []interface{}{
		j.ID, doc, j.TenantID, j.DataSourceID, j.Action, string(j.Status),
		j.Priority, j.ScheduledAt, j.NextRetryAt, pendingKey(j),
	}
}

func (s *Store) CreateJob(ctx context.Context, j *types.ScheduledJob) error {
	doc, err := marshal(j)
	if err != nil {
		return err
	}
	// Plain INSERT so the unique pending_key index rejects duplicates.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs
			(id, doc, tenant_id, data_source_id, action, status, priority, scheduled_at, next_retry_at, pending_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobArgs(j, doc)...)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return fmt.Errorf("%w for (%s, %s)", storage.ErrDuplicateJob, j.DataSourceID, j.Action)
		}
		return fmt.Errorf("sqlstore: create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	return getDoc[types.ScheduledJob](ctx, s.db, "scheduled_jobs", id)
}

func (s *Store) PutJob(ctx context.Context, j *types.ScheduledJob) error {
	doc, err := marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, putJobSQL, jobArgs(j, doc)...)
	return err
}

func (s *Store) ListJobs(ctx context.Context, idx storage.JobIndex, key storage.JobKey) ([]*types.ScheduledJob, error) {
	switch idx {
	case storage.JobByDataSourceStatus:
		if key.DataSourceID == "" || key.Status == "" {
			return nil, fmt.Errorf("%w: %s requires DataSourceID and Status", storage.ErrBadIndex, idx)
		}
		return queryDocs[types.ScheduledJob](ctx, s.db, `
			SELECT doc FROM scheduled_jobs WHERE data_source_id = ? AND status = ?
			ORDER BY priority DESC, scheduled_at ASC`,
			key.DataSourceID, string(key.Status))
	case storage.JobByPendingDue:
		if key.DueBefore == 0 {
			return nil, fmt.Errorf("%w: %s requires DueBefore", storage.ErrBadIndex, idx)
		}
		return queryDocs[types.ScheduledJob](ctx, s.db, `
			SELECT doc FROM scheduled_jobs
			WHERE status = ? AND GREATEST(scheduled_at, next_retry_at) <= ?
			ORDER BY priority DESC, scheduled_at ASC`,
			string(types.JobPending), key.DueBefore)
	case storage.JobByPriorityAndScheduledAt:
		return queryDocs[types.ScheduledJob](ctx, s.db, `
			SELECT doc FROM scheduled_jobs WHERE status = ?
			ORDER BY priority DESC, scheduled_at ASC`,
			string(types.JobPending))
	}
	return nil, fmt.Errorf("%w: unknown job index %q", storage.ErrBadIndex, idx)
}

func (s *Store) HasPendingJob(ctx context.Context, dataSourceID, action string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM scheduled_jobs WHERE pending_key = ?",
		dataSourceID+"\x00"+action).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: has pending: %w", err)
	}
	return true, nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now types.Millis) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = ?, pending_key = NULL,
			doc = JSON_SET(doc, '$.status', ?, '$.startedAt', ?, '$.updatedAt', ?)
		WHERE id = ? AND status = ?`,
		string(types.JobRunning), string(types.JobRunning), now, now,
		id, string(types.JobPending))
	if err != nil {
		return false, fmt.Errorf("sqlstore: claim job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) CountRunningJobs(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scheduled_jobs WHERE tenant_id = ? AND status = ?",
		tenantID, string(types.JobRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: count running: %w", err)
	}
	return n, nil
}
