// Package queue is the service tier: producer, worker, waiter, and group
// operations on top of the durable store, plus the background maintenance
// loops (prefetch bridge, lease reaper, backlog promoter, group sweeper).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/models"
)

const pollInterval = 500 * time.Millisecond

// Options configures a Service. Zero values fall back to the documented
// defaults.
type Options struct {
	QueueName        string
	WaitMode         common.WaitMode
	LeaseTTL         time.Duration
	PrefetchBatch    int
	ChannelID        string
	PrefetchInterval time.Duration
	ReapInterval     time.Duration
	SweepInterval    time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 60 * time.Second
	}
	if opts.PrefetchBatch <= 0 {
		opts.PrefetchBatch = 100
	}
	if opts.ChannelID == "" {
		opts.ChannelID = "main"
	}
	if opts.PrefetchInterval <= 0 {
		opts.PrefetchInterval = 250 * time.Millisecond
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 15 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return opts
}

// Service coordinates all queue operations for one named queue. It is safe
// for concurrent use: shared state lives in the store, and the in-process
// waiter table has its own mutex.
type Service struct {
	store  interfaces.Store
	bus    interfaces.Bus // nil when no bus is configured
	opts   Options
	logger *common.Logger

	// prefetchLimiter paces dispatch write pressure on the store.
	prefetchLimiter *rate.Limiter

	waitersMu sync.Mutex
	waiters   map[uuid.UUID][]chan models.JobNotice

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a Service. Pass a nil bus to run store-only; the prefetch
// bridge and bus fan-out stay disabled and waiters use the store channel.
func NewService(store interfaces.Store, bus interfaces.Bus, opts Options, logger *common.Logger) *Service {
	resolved := opts.withDefaults()
	return &Service{
		store:           store,
		bus:             bus,
		opts:            resolved,
		logger:          logger,
		prefetchLimiter: rate.NewLimiter(rate.Every(resolved.PrefetchInterval), 1),
		waiters:         make(map[uuid.UUID][]chan models.JobNotice),
	}
}

// Start launches the background loops. Idempotent start is not supported;
// call once.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.safeGo("reaper", func() { s.reapLoop(runCtx) })
	s.safeGo("sweeper", func() { s.sweepLoop(runCtx) })
	s.safeGo("promoter", func() { s.promoteLoop(runCtx) })

	if s.opts.WaitMode == common.WaitModeListen {
		s.safeGo("listener", func() { s.listenLoop(runCtx) })
	}
	if s.bus != nil {
		s.safeGo("prefetcher", func() { s.prefetchLoop(runCtx) })
	}

	s.logger.Info().
		Str("queue", s.opts.QueueName).
		Str("wait_mode", string(s.opts.WaitMode)).
		Bool("bus", s.bus != nil).
		Msg("Queue service started")
}

// Stop cancels the background loops, drains pending waiters, and waits for
// the loops to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.drainWaiters()
	s.logger.Info().Str("queue", s.opts.QueueName).Msg("Queue service stopped")
}

// safeGo runs fn on a tracked goroutine with panic recovery, so one crashing
// loop cannot take the process down.
func (s *Service) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("loop", name).Interface("panic", r).Msg("Background loop panicked")
			}
		}()
		fn()
	}()
}

// Ping probes store reachability.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// StatusCounts returns the per-status job counts, including the synthetic
// concurrency-limited bucket.
func (s *Service) StatusCounts(ctx context.Context) (map[string]int, error) {
	return s.store.StatusCounts(ctx)
}

// PoolStats reports store connection-pool gauges.
func (s *Service) PoolStats() interfaces.PoolStats {
	return s.store.PoolStats()
}
