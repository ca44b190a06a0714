package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bobmcallan/crawlq/internal/models"
)

// RenewLock extends the lease on an active job. False means the token no
// longer matches: the job was reclaimed and the worker must abandon it.
func (s *Store) RenewLock(ctx context.Context, id, lock uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_at = now()
		WHERE id = $1 AND lock = $2 AND status = 'active'`,
		id, lock,
	)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock on job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// terminateSQL flips an active job terminal, updates counters, and raises the
// notify in one statement. The notified CTE carries the result row so the
// volatile pg_notify is always evaluated.
const terminateSQL = `
WITH done AS (
	UPDATE jobs
	SET status = $3, return_value = $4, failed_reason = $5,
		lock = NULL, locked_at = NULL, finished_at = now()
	WHERE id = $1 AND lock = $2 AND status = 'active'
	RETURNING id, owner_id, group_id, listen_channel_id
),
owner_dec AS (
	UPDATE owner_concurrency oc
	SET current_concurrency = GREATEST(oc.current_concurrency - 1, 0)
	FROM done d
	WHERE oc.id = d.owner_id
),
group_dec AS (
	UPDATE group_concurrency gc
	SET current_concurrency = GREATEST(gc.current_concurrency - 1, 0)
	FROM done d
	WHERE gc.id = d.group_id
),
notified AS (
	SELECT pg_notify($6, d.id::text || '|' || $3) AS sent, d.id, d.listen_channel_id
	FROM done d
)
SELECT n.id, COALESCE(n.listen_channel_id, '') FROM notified n
`

func (s *Store) terminate(ctx context.Context, id, lock uuid.UUID, status models.Status, returnValue json.RawMessage, reason string) (*models.JobNotice, error) {
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}

	var (
		jobID    uuid.UUID
		listenCh string
	)
	err := s.pool.QueryRow(ctx, terminateSQL,
		id, lock, string(status), returnValue, reasonArg, s.channel,
	).Scan(&jobID, &listenCh)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost lock: reclaimed by the reaper or already terminal.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s %s: %w", id, status, err)
	}

	return &models.JobNotice{JobID: jobID, Status: status, ListenChannelID: listenCh}, nil
}

// FinishJob transitions an active job to completed, storing the return value.
// Returns the notice to fan out, or nil on a lost lock.
func (s *Store) FinishJob(ctx context.Context, id, lock uuid.UUID, returnValue json.RawMessage) (*models.JobNotice, error) {
	return s.terminate(ctx, id, lock, models.StatusCompleted, returnValue, "")
}

// FailJob transitions an active job to failed with a reason. Returns the
// notice to fan out, or nil on a lost lock.
func (s *Store) FailJob(ctx context.Context, id, lock uuid.UUID, reason string) (*models.JobNotice, error) {
	return s.terminate(ctx, id, lock, models.StatusFailed, nil, reason)
}

const reapSQL = `
WITH reaped AS (
	UPDATE jobs
	SET status = 'queued', lock = NULL, locked_at = NULL
	WHERE status = 'active' AND locked_at < now() - make_interval(secs => $1)
	RETURNING owner_id, group_id
),
owner_dec AS (
	UPDATE owner_concurrency oc
	SET current_concurrency = GREATEST(oc.current_concurrency - r.n, 0)
	FROM (
		SELECT owner_id, count(*) AS n FROM reaped
		WHERE owner_id IS NOT NULL GROUP BY owner_id
	) r
	WHERE oc.id = r.owner_id
),
group_dec AS (
	UPDATE group_concurrency gc
	SET current_concurrency = GREATEST(gc.current_concurrency - r.n, 0)
	FROM (
		SELECT group_id, count(*) AS n FROM reaped
		WHERE group_id IS NOT NULL GROUP BY group_id
	) r
	WHERE gc.id = r.group_id
)
SELECT count(*) FROM reaped
`

// ReapExpired re-queues active jobs whose lease expired, decrementing
// counters in the same statement. The previous holder's lock token is gone,
// so its later Finish/Fail/Renew calls report false.
func (s *Store) ReapExpired(ctx context.Context, leaseTTL time.Duration) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, reapSQL, leaseSeconds(leaseTTL)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int("count", n).Msg("Reclaimed jobs with expired leases")
	}
	return n, nil
}
