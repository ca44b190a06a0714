package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/models"
)

// jobColumns is the canonical select list for job rows.
const jobColumns = `id, status, priority, data, created_at, finished_at, listen_channel_id,
	return_value, failed_reason, lock, locked_at, owner_id, group_id, times_out_at`

const insertJobSQL = `
INSERT INTO %s (id, status, priority, data, created_at, listen_channel_id, owner_id, group_id, times_out_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one job row in jobColumns order.
func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j        models.Job
		status   string
		listenCh *string
		reason   *string
	)
	err := row.Scan(
		&j.ID,
		&status,
		&j.Priority,
		&j.Data,
		&j.CreatedAt,
		&j.FinishedAt,
		&listenCh,
		&j.ReturnValue,
		&reason,
		&j.Lock,
		&j.LockedAt,
		&j.OwnerID,
		&j.GroupID,
		&j.TimesOutAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status, err = models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if listenCh != nil {
		j.ListenChannelID = *listenCh
	}
	if reason != nil {
		j.FailedReason = *reason
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// jobTable returns the table a new job belongs to based on its status.
func jobTable(status models.Status) string {
	if status == models.StatusBacklog {
		return "jobs_backlog"
	}
	return "jobs"
}

func insertArgs(job *models.Job) []any {
	var listenCh *string
	if job.ListenChannelID != "" {
		listenCh = &job.ListenChannelID
	}
	return []any{
		job.ID,
		string(job.Status),
		job.Priority,
		job.Data,
		job.CreatedAt,
		listenCh,
		job.OwnerID,
		job.GroupID,
		job.TimesOutAt,
	}
}

// InsertJob stores a new job. Queued jobs land in the main table; backlog
// jobs land in the admission pre-queue.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	sql := fmt.Sprintf(insertJobSQL, jobTable(job.Status))
	if _, err := s.pool.Exec(ctx, sql, insertArgs(job)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, interfaces.ErrDuplicateJob)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// InsertJobs stores a batch of jobs in one transaction.
func (s *Store) InsertJobs(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(fmt.Sprintf(insertJobSQL, jobTable(job.Status)), insertArgs(job)...)
	}

	results := tx.SendBatch(ctx, batch)
	for range jobs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			if isUniqueViolation(err) {
				return fmt.Errorf("batch insert: %w", interfaces.ErrDuplicateJob)
			}
			return fmt.Errorf("failed to insert job batch: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close job batch: %w", err)
	}

	return tx.Commit(ctx)
}

// GetJob returns the job or nil when absent. Backlog rows are visible.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	for _, table := range []string{"jobs", "jobs_backlog"} {
		sql := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, table)
		job, err := scanJob(s.pool.QueryRow(ctx, sql, id))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get job %s: %w", id, err)
		}
		return job, nil
	}
	return nil, nil
}

const promoteBacklogSQL = `
WITH promoted AS (
	DELETE FROM jobs_backlog
	WHERE id IN (
		SELECT id FROM jobs_backlog
		WHERE %s (times_out_at IS NULL OR times_out_at > now())
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, priority, data, created_at, listen_channel_id, owner_id, group_id, times_out_at
),
admitted AS (
	INSERT INTO jobs (id, status, priority, data, created_at, listen_channel_id, owner_id, group_id, times_out_at)
	SELECT id, 'queued', priority, data, created_at, listen_channel_id, owner_id, group_id, times_out_at
	FROM promoted
	ON CONFLICT (id) DO NOTHING
	RETURNING id
)
SELECT count(*) FROM admitted
`

// PromoteBacklog admits up to limit backlog jobs into the main queue,
// preserving the dispatch order (priority, created_at, id).
func (s *Store) PromoteBacklog(ctx context.Context, limit int) (int, error) {
	sql := fmt.Sprintf(promoteBacklogSQL, "")
	var n int
	if err := s.pool.QueryRow(ctx, sql, limit).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to promote backlog jobs: %w", err)
	}
	return n, nil
}

// PromoteJob admits one specific backlog job. False when the row is absent
// or already timed out.
func (s *Store) PromoteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	sql := fmt.Sprintf(promoteBacklogSQL, "id = $2 AND")
	var n int
	if err := s.pool.QueryRow(ctx, sql, 1, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to promote job %s: %w", id, err)
	}
	return n > 0, nil
}

const failTimedOutSQL = `
WITH moved AS (
	DELETE FROM jobs_backlog
	WHERE times_out_at IS NOT NULL AND times_out_at < now()
	RETURNING id, priority, data, created_at, listen_channel_id, owner_id, group_id
),
inserted AS (
	INSERT INTO jobs (id, status, priority, data, created_at, finished_at, listen_channel_id, failed_reason, owner_id, group_id)
	SELECT id, 'failed', priority, data, created_at, now(), listen_channel_id, $2, owner_id, group_id
	FROM moved
	ON CONFLICT (id) DO NOTHING
	RETURNING id
),
expired AS (
	UPDATE jobs
	SET status = 'failed', failed_reason = $2, finished_at = now(), lock = NULL, locked_at = NULL
	WHERE status = 'queued' AND times_out_at IS NOT NULL AND times_out_at < now()
	RETURNING id
),
notified AS (
	SELECT pg_notify($1, ids.id::text || '|failed') AS sent, ids.id
	FROM (SELECT id FROM inserted UNION ALL SELECT id FROM expired) ids
)
SELECT count(*) FROM notified
`

// FailTimedOutBacklog force-fails backlog rows and still-queued rows whose
// admission window has passed, notifying any waiters.
func (s *Store) FailTimedOutBacklog(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, failTimedOutSQL, s.channel, models.FailedReasonTimedOut).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to reap timed-out jobs: %w", err)
	}
	return n, nil
}
