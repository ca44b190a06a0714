// Package postgres implements the durable store behind the queue: jobs,
// groups, and concurrency counters, with single-statement CTE dispatch and
// termination so that live counters always move atomically with job status.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
)

// Options configures a Store.
type Options struct {
	// URL is the Postgres connection string.
	URL string
	// MaxConns bounds the connection pool (default 10).
	MaxConns int
	// Queue names this queue. It scopes the notify channel, the advisory
	// lock hash, and the owner cap resolver procedure.
	Queue string
	// Mode selects which concurrency ceilings dispatch enforces.
	Mode common.ConcurrencyMode
	// DefaultOwnerMax seeds the owner cap resolver installed by
	// EnsureSchema (default 5). An operator-installed resolver wins.
	DefaultOwnerMax int
}

// Store is the pgx-backed implementation of interfaces.Store.
type Store struct {
	pool     *pgxpool.Pool
	queue    string
	mode     common.ConcurrencyMode
	resolver string
	channel  string
	ownerMax int
	logger   *common.Logger
}

var _ interfaces.Store = (*Store)(nil)

var identifierRe = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitizeQueueName reduces a queue name to a safe SQL identifier fragment.
func sanitizeQueueName(name string) string {
	s := identifierRe.ReplaceAllString(name, "_")
	if s == "" {
		s = "queue"
	}
	return s
}

// New opens the connection pool and prepares the per-queue identifiers.
// It does not touch the schema; call EnsureSchema once at startup.
func New(ctx context.Context, opts Options, logger *common.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	queue := sanitizeQueueName(opts.Queue)
	ownerMax := opts.DefaultOwnerMax
	if ownerMax <= 0 {
		ownerMax = 5
	}

	return &Store{
		pool:     pool,
		queue:    queue,
		mode:     opts.Mode,
		resolver: queue + "_owner_resolve_max_concurrency",
		channel:  queue + "_jobs",
		ownerMax: ownerMax,
		logger:   logger,
	}, nil
}

// Ping probes store reachability.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// PoolStats reports connection-pool gauges.
func (s *Store) PoolStats() interfaces.PoolStats {
	stat := s.pool.Stat()
	return interfaces.PoolStats{
		Total: int(stat.TotalConns()),
		Idle:  int(stat.IdleConns()),
		InUse: int(stat.AcquiredConns()),
	}
}

// Channel returns the notify channel name for this queue.
func (s *Store) Channel() string { return s.channel }

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// leaseSeconds renders a lease duration for make_interval.
func leaseSeconds(d time.Duration) float64 {
	return d.Seconds()
}
