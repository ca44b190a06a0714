// Package interfaces defines the contracts between the queue service and its
// storage and transport backends.
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/models"
)

// ErrDuplicateJob is returned by InsertJob when the job id already exists.
var ErrDuplicateJob = errors.New("job already exists")

// Store is the durable source of truth for jobs, groups, and concurrency
// counters. All multi-row mutations are single statements so that live
// counters move atomically with status changes.
type Store interface {
	JobStore
	GroupStore

	// StatusCounts returns the number of jobs per status, including the
	// synthetic concurrency-limited status for queued jobs whose partition
	// has no free slots.
	StatusCounts(ctx context.Context) (map[string]int, error)

	// Ping probes store reachability (SELECT 1).
	Ping(ctx context.Context) error

	// Listen blocks delivering terminal-state notices from the store's
	// notification channel until ctx is done (returns nil) or the
	// connection fails (returns the transport error). The caller owns
	// reconnection.
	Listen(ctx context.Context, notices chan<- models.JobNotice) error

	// PoolStats reports connection-pool gauges for metrics.
	PoolStats() PoolStats

	Close()
}

// PoolStats summarizes the connection pool state.
type PoolStats struct {
	Total int
	Idle  int
	InUse int
}

// JobStore manages job rows and the dispatch/termination statements.
type JobStore interface {
	// EnsureSchema creates tables, enums, indexes, and the owner cap
	// resolver procedure if they do not exist.
	EnsureSchema(ctx context.Context) error

	// InsertJob stores a new job as queued (or backlog). Returns
	// ErrDuplicateJob if the id is taken.
	InsertJob(ctx context.Context, job *models.Job) error

	// InsertJobs stores a batch of new jobs in one transaction.
	InsertJobs(ctx context.Context, jobs []*models.Job) error

	// GetJob returns the job or nil when absent. Backlog rows are visible.
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// DispatchJobs flips up to limit queued jobs to active under fresh lock
	// tokens, honoring the configured concurrency ceilings, and returns the
	// dispatched rows. It never blocks on an empty queue.
	DispatchJobs(ctx context.Context, limit int) ([]*models.Job, error)

	// RenewLock extends the lease on an active job. False means the lock no
	// longer matches and the worker must abandon the job.
	RenewLock(ctx context.Context, id, lock uuid.UUID) (bool, error)

	// FinishJob transitions an active job to completed, storing the return
	// value. Returns the notice to fan out, or nil on a lost lock.
	FinishJob(ctx context.Context, id, lock uuid.UUID, returnValue json.RawMessage) (*models.JobNotice, error)

	// FailJob transitions an active job to failed with a reason. Returns
	// the notice to fan out, or nil on a lost lock.
	FailJob(ctx context.Context, id, lock uuid.UUID, reason string) (*models.JobNotice, error)

	// ReapExpired re-queues active jobs whose lease expired, decrementing
	// counters in the same statement. Returns the number reclaimed.
	ReapExpired(ctx context.Context, leaseTTL time.Duration) (int, error)

	// PromoteBacklog admits up to limit backlog jobs into the main queue in
	// (priority, created_at, id) order.
	PromoteBacklog(ctx context.Context, limit int) (int, error)

	// PromoteJob admits one specific backlog job. False when absent.
	PromoteJob(ctx context.Context, id uuid.UUID) (bool, error)

	// FailTimedOutBacklog force-fails backlog jobs whose admission window
	// has passed. Returns the number failed.
	FailTimedOutBacklog(ctx context.Context) (int, error)
}

// GroupStore manages job groups and their concurrency caps.
type GroupStore interface {
	// InsertGroup stores the group row plus one group_concurrency row per
	// concurrency setting, transactionally.
	InsertGroup(ctx context.Context, group *models.Group, caps []models.ConcurrencySetting) error

	// GetGroup returns the group or nil when absent.
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)

	// ListOngoingByOwner returns the owner's active groups.
	ListOngoingByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Group, error)

	// CancelGroup flips an active group to cancelled and bulk-fails its
	// queued and backlog members with reason CANCELLED. Active members run
	// to completion. False when the group was not active.
	CancelGroup(ctx context.Context, id uuid.UUID) (bool, error)

	// CompleteFinishedGroups flips active groups whose members have all
	// terminated to completed.
	CompleteFinishedGroups(ctx context.Context) (int, error)

	// DeleteExpiredGroups removes groups past their expiry whose members
	// have all terminated.
	DeleteExpiredGroups(ctx context.Context) (int, error)
}
