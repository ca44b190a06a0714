package postgres

import (
	"context"
	"fmt"

	"github.com/bobmcallan/crawlq/internal/models"
)

// statusCountsSQL folds both tables into one pass. The synthetic
// concurrency-limited bucket counts queued jobs whose owner or group
// partition has no free slots right now; those rows are double-counted on
// purpose so queued stays the true queue depth.
const statusCountsSQL = `
SELECT status::text, count(*) FROM jobs GROUP BY status
UNION ALL
SELECT 'backlog', count(*) FROM jobs_backlog
UNION ALL
SELECT $1, count(*)
FROM jobs j
WHERE j.status = 'queued' AND (
	EXISTS (
		SELECT 1 FROM owner_concurrency oc
		WHERE oc.id = j.owner_id
			AND oc.max_concurrency IS NOT NULL
			AND oc.current_concurrency >= oc.max_concurrency
	)
	OR EXISTS (
		SELECT 1 FROM group_concurrency gc
		WHERE gc.id = j.group_id
			AND gc.max_concurrency IS NOT NULL
			AND gc.current_concurrency >= gc.max_concurrency
	)
)
`

// StatusCounts returns the number of jobs per status. Every known status is
// present in the map, zero when empty.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		string(models.StatusQueued):     0,
		string(models.StatusActive):     0,
		string(models.StatusCompleted):  0,
		string(models.StatusFailed):     0,
		string(models.StatusBacklog):    0,
		models.StatusConcurrencyLimited: 0,
	}

	rows, err := s.pool.Query(ctx, statusCountsSQL, models.StatusConcurrencyLimited)
	if err != nil {
		return nil, fmt.Errorf("failed to count job statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}
	return counts, nil
}
