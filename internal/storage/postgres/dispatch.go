package postgres

import (
	"context"
	"fmt"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/models"
)

// Dispatch is one statement regardless of concurrency mode, so counters move
// atomically with the queued-to-active flip and there is no transaction to leak
// row locks. The shape per mode:
//
//   - off: plain SKIP LOCKED claim ordered by (priority, created_at, id).
//   - per-owner: every queued partition is visited, a transaction-scoped
//     advisory lock per owner partition serializes concurrent dispatchers
//     (contended partitions are skipped this round), then a LATERAL window
//     takes at most the free slot count per partition before the batch-wide
//     cut. An at-cap partition contributes nothing and cannot crowd other
//     partitions out of the batch.
//   - per-owner-per-group: the same with the window per (owner, group)
//     partition being min(owner slots, group slots), and an owner-wide rank
//     guard so multiple groups of one owner cannot jointly exceed the owner
//     cap in a single batch.
//
// The batch-wide cut is ordered by (priority, created_at, id) so a tight
// batch drops the lowest-ranked rows, never an arbitrary subset.
//
// Owners without a counter row, and rows whose max is NULL, are resolved
// inline via the installed resolver procedure; the counter bump creates the
// missing row, so the dispatcher self-heals when new owners appear. A NULL
// resolver result admits nothing.

const dispatchOffSQL = `
WITH picked AS (
	SELECT id FROM jobs
	WHERE status = 'queued'
	ORDER BY priority ASC, created_at ASC, id ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
),
updated AS (
	UPDATE jobs j
	SET status = 'active', lock = gen_random_uuid(), locked_at = now()
	FROM picked p
	WHERE j.id = p.id
	RETURNING j.id, j.status, j.priority, j.data, j.created_at, j.finished_at, j.listen_channel_id,
		j.return_value, j.failed_reason, j.lock, j.locked_at, j.owner_id, j.group_id, j.times_out_at
)
SELECT * FROM updated ORDER BY priority ASC, created_at ASC, id ASC
`

const dispatchPerOwnerSQL = `
WITH parts AS (
	SELECT DISTINCT owner_id FROM jobs
	WHERE status = 'queued'
),
granted AS (
	SELECT p.owner_id FROM parts p
	WHERE pg_try_advisory_xact_lock(hashtextextended($2 || ':owner:' || COALESCE(p.owner_id::text, '-'), 0))
),
slots AS (
	SELECT g.owner_id,
		CASE
			WHEN g.owner_id IS NULL THEN $1
			WHEN oc.id IS NULL OR oc.max_concurrency IS NULL
				THEN GREATEST(COALESCE(%[1]s(g.owner_id), 0) - COALESCE(oc.current_concurrency, 0), 0)
			ELSE GREATEST(oc.max_concurrency - oc.current_concurrency, 0)
		END AS free
	FROM granted g
	LEFT JOIN owner_concurrency oc ON oc.id = g.owner_id
),
eligible AS (
	SELECT c.id FROM (SELECT owner_id, free FROM slots WHERE free > 0) s
	CROSS JOIN LATERAL (
		SELECT j.id, j.priority, j.created_at FROM jobs j
		WHERE j.status = 'queued' AND j.owner_id IS NOT DISTINCT FROM s.owner_id
		ORDER BY j.priority ASC, j.created_at ASC, j.id ASC
		LIMIT LEAST(s.free, $1)
	) c
	ORDER BY c.priority ASC, c.created_at ASC, c.id ASC
	LIMIT $1
),
picked AS (
	SELECT j.id FROM jobs j
	WHERE j.id IN (SELECT id FROM eligible) AND j.status = 'queued'
	FOR UPDATE SKIP LOCKED
),
updated AS (
	UPDATE jobs j
	SET status = 'active', lock = gen_random_uuid(), locked_at = now()
	FROM picked p
	WHERE j.id = p.id
	RETURNING j.id, j.status, j.priority, j.data, j.created_at, j.finished_at, j.listen_channel_id,
		j.return_value, j.failed_reason, j.lock, j.locked_at, j.owner_id, j.group_id, j.times_out_at
),
owner_bump AS (
	INSERT INTO owner_concurrency (id, current_concurrency, max_concurrency)
	SELECT u.owner_id, count(*), GREATEST(COALESCE(%[1]s(u.owner_id), 0), 0)
	FROM updated u
	WHERE u.owner_id IS NOT NULL
	GROUP BY u.owner_id
	ON CONFLICT (id) DO UPDATE
		SET current_concurrency = owner_concurrency.current_concurrency + excluded.current_concurrency
)
SELECT * FROM updated ORDER BY priority ASC, created_at ASC, id ASC
`

const dispatchPerOwnerPerGroupSQL = `
WITH parts AS (
	SELECT DISTINCT owner_id, group_id FROM jobs
	WHERE status = 'queued'
),
granted AS (
	SELECT p.owner_id, p.group_id FROM parts p
	WHERE pg_try_advisory_xact_lock(hashtextextended(
		$2 || ':' || COALESCE(p.owner_id::text, '-') || '/' || COALESCE(p.group_id::text, '-'), 0))
),
owner_slots AS (
	SELECT DISTINCT g.owner_id,
		CASE
			WHEN g.owner_id IS NULL THEN $1
			WHEN oc.id IS NULL OR oc.max_concurrency IS NULL
				THEN GREATEST(COALESCE(%[1]s(g.owner_id), 0) - COALESCE(oc.current_concurrency, 0), 0)
			ELSE GREATEST(oc.max_concurrency - oc.current_concurrency, 0)
		END AS free
	FROM granted g
	LEFT JOIN owner_concurrency oc ON oc.id = g.owner_id
),
group_slots AS (
	SELECT DISTINCT g.group_id,
		CASE
			WHEN g.group_id IS NULL THEN $1
			WHEN gc.id IS NULL THEN $1
			WHEN gc.max_concurrency IS NULL THEN $1
			ELSE GREATEST(gc.max_concurrency - gc.current_concurrency, 0)
		END AS free
	FROM granted g
	LEFT JOIN group_concurrency gc ON gc.id = g.group_id
),
limits AS (
	SELECT g.owner_id, g.group_id, LEAST(os.free, gs.free) AS free, os.free AS owner_free
	FROM granted g
	JOIN owner_slots os ON os.owner_id IS NOT DISTINCT FROM g.owner_id
	JOIN group_slots gs ON gs.group_id IS NOT DISTINCT FROM g.group_id
	WHERE LEAST(os.free, gs.free) > 0
),
candidates AS (
	SELECT c.id, c.owner_id, c.priority, c.created_at, l.owner_free
	FROM limits l
	CROSS JOIN LATERAL (
		SELECT j.id, j.owner_id, j.priority, j.created_at FROM jobs j
		WHERE j.status = 'queued'
			AND j.owner_id IS NOT DISTINCT FROM l.owner_id
			AND j.group_id IS NOT DISTINCT FROM l.group_id
		ORDER BY j.priority ASC, j.created_at ASC, j.id ASC
		LIMIT LEAST(l.free, $1)
	) c
),
ranked AS (
	SELECT c.id, c.priority, c.created_at, c.owner_free,
		row_number() OVER (PARTITION BY c.owner_id ORDER BY c.priority, c.created_at, c.id) AS rn_owner
	FROM candidates c
),
eligible AS (
	SELECT r.id FROM ranked r
	WHERE r.rn_owner <= r.owner_free
	ORDER BY r.priority ASC, r.created_at ASC, r.id ASC
	LIMIT $1
),
picked AS (
	SELECT j.id FROM jobs j
	WHERE j.id IN (SELECT id FROM eligible) AND j.status = 'queued'
	FOR UPDATE SKIP LOCKED
),
updated AS (
	UPDATE jobs j
	SET status = 'active', lock = gen_random_uuid(), locked_at = now()
	FROM picked p
	WHERE j.id = p.id
	RETURNING j.id, j.status, j.priority, j.data, j.created_at, j.finished_at, j.listen_channel_id,
		j.return_value, j.failed_reason, j.lock, j.locked_at, j.owner_id, j.group_id, j.times_out_at
),
owner_bump AS (
	INSERT INTO owner_concurrency (id, current_concurrency, max_concurrency)
	SELECT u.owner_id, count(*), GREATEST(COALESCE(%[1]s(u.owner_id), 0), 0)
	FROM updated u
	WHERE u.owner_id IS NOT NULL
	GROUP BY u.owner_id
	ON CONFLICT (id) DO UPDATE
		SET current_concurrency = owner_concurrency.current_concurrency + excluded.current_concurrency
),
group_bump AS (
	UPDATE group_concurrency gc
	SET current_concurrency = gc.current_concurrency + u.n
	FROM (
		SELECT group_id, count(*) AS n FROM updated
		WHERE group_id IS NOT NULL
		GROUP BY group_id
	) u
	WHERE gc.id = u.group_id
)
SELECT * FROM updated ORDER BY priority ASC, created_at ASC, id ASC
`

// buildDispatchSQL renders the dispatch statement for a concurrency mode,
// binding the per-queue owner cap resolver name.
func buildDispatchSQL(mode common.ConcurrencyMode, resolver string) string {
	switch mode {
	case common.ConcurrencyPerOwner:
		return fmt.Sprintf(dispatchPerOwnerSQL, resolver)
	case common.ConcurrencyPerOwnerPerGroup:
		return fmt.Sprintf(dispatchPerOwnerPerGroupSQL, resolver)
	default:
		return dispatchOffSQL
	}
}

// DispatchJobs flips up to limit queued jobs to active under fresh lock
// tokens, honoring the configured concurrency ceilings, and returns the
// dispatched rows ordered by (priority, created_at, id). It never blocks on
// an empty queue.
func (s *Store) DispatchJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	sql := buildDispatchSQL(s.mode, s.resolver)
	args := []any{limit}
	if s.mode != common.ConcurrencyOff {
		args = append(args, s.queue)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatched job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dispatched jobs: %w", err)
	}
	return jobs, nil
}
