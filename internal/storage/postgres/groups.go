package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bobmcallan/crawlq/internal/models"
)

const groupColumns = `id, status, owner_id, ttl, created_at, finished_at, expires_at`

func scanGroup(row rowScanner) (*models.Group, error) {
	var (
		g      models.Group
		status string
	)
	err := row.Scan(&g.ID, &status, &g.OwnerID, &g.TTLMs, &g.CreatedAt, &g.FinishedAt, &g.ExpiresAt)
	if err != nil {
		return nil, err
	}
	g.Status, err = models.ParseGroupStatus(status)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// InsertGroup stores the group row and one group_concurrency row per cap that
// targets this queue, in one transaction. Caps for other queues are ignored
// here; each queue's store records its own.
func (s *Store) InsertGroup(ctx context.Context, group *models.Group, caps []models.ConcurrencySetting) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin group insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO groups (id, status, owner_id, ttl, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		group.ID, string(group.Status), group.OwnerID, group.TTLMs, group.CreatedAt, group.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert group %s: %w", group.ID, err)
	}

	for _, setting := range caps {
		if setting.Queue != "" && sanitizeQueueName(setting.Queue) != s.queue {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO group_concurrency (id, current_concurrency, max_concurrency)
			VALUES ($1, 0, $2)
			ON CONFLICT (id) DO UPDATE SET max_concurrency = excluded.max_concurrency`,
			group.ID, setting.Max,
		)
		if err != nil {
			return fmt.Errorf("failed to insert group cap for %s: %w", group.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetGroup returns the group or nil when absent.
func (s *Store) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	sql := fmt.Sprintf(`SELECT %s FROM groups WHERE id = $1`, groupColumns)
	group, err := scanGroup(s.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %s: %w", id, err)
	}
	return group, nil
}

// ListOngoingByOwner returns the owner's active groups, newest first.
func (s *Store) ListOngoingByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Group, error) {
	sql := fmt.Sprintf(`
		SELECT %s FROM groups
		WHERE owner_id = $1 AND status = 'active'
		ORDER BY created_at DESC, id`, groupColumns)

	rows, err := s.pool.Query(ctx, sql, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups for owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read groups: %w", err)
	}
	return groups, nil
}

// cancelGroupSQL flips the group and bulk-fails its queued and backlog
// members in one statement. Active members keep running; the notified CTE is
// referenced by the final select so the notifies are guaranteed to fire.
const cancelGroupSQL = `
WITH g AS (
	UPDATE groups
	SET status = 'cancelled', finished_at = now()
	WHERE id = $1 AND status = 'active'
	RETURNING id
),
cancelled AS (
	UPDATE jobs j
	SET status = 'failed', failed_reason = $2, finished_at = now(), lock = NULL, locked_at = NULL
	FROM g
	WHERE j.group_id = g.id AND j.status = 'queued'
	RETURNING j.id
),
moved AS (
	DELETE FROM jobs_backlog b
	USING g
	WHERE b.group_id = g.id
	RETURNING b.id, b.priority, b.data, b.created_at, b.listen_channel_id, b.owner_id, b.group_id
),
failed_backlog AS (
	INSERT INTO jobs (id, status, priority, data, created_at, finished_at, listen_channel_id, failed_reason, owner_id, group_id)
	SELECT id, 'failed', priority, data, created_at, now(), listen_channel_id, $2, owner_id, group_id
	FROM moved
	ON CONFLICT (id) DO NOTHING
	RETURNING id
),
notified AS (
	SELECT pg_notify($3, ids.id::text || '|failed') AS sent, ids.id
	FROM (SELECT id FROM cancelled UNION ALL SELECT id FROM failed_backlog) ids
)
SELECT
	(SELECT count(*) FROM g) AS groups_cancelled,
	(SELECT count(*) FROM notified) AS jobs_failed
`

// CancelGroup flips an active group to cancelled and bulk-fails its queued
// and backlog members with reason CANCELLED. False when the group was not
// active.
func (s *Store) CancelGroup(ctx context.Context, id uuid.UUID) (bool, error) {
	var groupsCancelled, jobsFailed int
	err := s.pool.QueryRow(ctx, cancelGroupSQL, id, models.FailedReasonCancelled, s.channel).
		Scan(&groupsCancelled, &jobsFailed)
	if err != nil {
		return false, fmt.Errorf("failed to cancel group %s: %w", id, err)
	}
	if groupsCancelled > 0 {
		s.logger.Info().Str("group_id", id.String()).Int("jobs_failed", jobsFailed).Msg("Group cancelled")
	}
	return groupsCancelled > 0, nil
}

// CompleteFinishedGroups flips active groups whose members have all
// terminated to completed. Groups with no members yet are left active until
// their TTL expires.
func (s *Store) CompleteFinishedGroups(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE groups g
		SET status = 'completed', finished_at = now()
		WHERE g.status = 'active'
			AND EXISTS (SELECT 1 FROM jobs j WHERE j.group_id = g.id)
			AND NOT EXISTS (
				SELECT 1 FROM jobs j
				WHERE j.group_id = g.id AND j.status IN ('queued', 'active')
			)
			AND NOT EXISTS (SELECT 1 FROM jobs_backlog b WHERE b.group_id = g.id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to complete finished groups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredGroups removes groups past their expiry whose members have all
// terminated, along with their concurrency counter rows.
func (s *Store) DeleteExpiredGroups(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		WITH expired AS (
			DELETE FROM groups g
			WHERE g.expires_at IS NOT NULL AND g.expires_at < now()
				AND NOT EXISTS (
					SELECT 1 FROM jobs j
					WHERE j.group_id = g.id AND j.status IN ('queued', 'active')
				)
				AND NOT EXISTS (SELECT 1 FROM jobs_backlog b WHERE b.group_id = g.id)
			RETURNING g.id
		),
		counters AS (
			DELETE FROM group_concurrency gc
			USING expired e
			WHERE gc.id = e.id
		)
		SELECT count(*) FROM expired`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired groups: %w", err)
	}
	return n, nil
}
