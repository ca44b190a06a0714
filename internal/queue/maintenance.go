package queue

import (
	"context"
	"time"

	"github.com/bobmcallan/crawlq/internal/models"
)

const (
	listenBackoffMin = 250 * time.Millisecond
	listenBackoffMax = 3 * time.Second
)

// listenLoop keeps one notice subscription alive for the process: the bus
// listen queue when a bus is configured, the store notify channel otherwise.
// On reconnect the waiter table is swept, because notices raised while
// disconnected are gone for good.
func (s *Service) listenLoop(ctx context.Context) {
	notices := make(chan models.JobNotice, 64)
	s.safeGo("listen-fanout", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case notice := <-notices:
				s.deliverNotice(notice)
			}
		}
	})

	backoff := listenBackoffMin
	for {
		started := time.Now()

		var err error
		if s.bus != nil {
			err = s.bus.ConsumeNotices(ctx, s.opts.ChannelID, notices)
		} else {
			err = s.store.Listen(ctx, notices)
		}
		if ctx.Err() != nil {
			return
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(started) > listenBackoffMax {
			backoff = listenBackoffMin
		}
		if err != nil {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Notice listener lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenBackoffMax)

		s.sweepWaiters(ctx)
	}
}

// sweepWaiters re-reads every waited-on job and fires its waiters if it went
// terminal while the listener was down.
func (s *Service) sweepWaiters(ctx context.Context) {
	for _, id := range s.waitedJobIDs() {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", id.String()).Msg("Waiter sweep read failed")
			continue
		}
		if job != nil && job.Status.Terminal() {
			s.deliverNotice(models.JobNotice{JobID: id, Status: job.Status})
		}
	}
}

// prefetchLoop keeps the bus primed with dispatched jobs, paced by the
// prefetch limiter so an idle system is not hammered with dispatch writes.
func (s *Service) prefetchLoop(ctx context.Context) {
	for {
		if err := s.prefetchLimiter.Wait(ctx); err != nil {
			return
		}

		n, err := s.PrefetchJobs(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Prefetch round failed")
			continue
		}
		if n > 0 {
			s.logger.Debug().Int("count", n).Msg("Prefetched jobs to bus")
		}
	}
}

// reapLoop returns expired leases to the queue on a fixed cadence.
func (s *Service) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.ReapExpired(ctx, s.opts.LeaseTTL); err != nil {
				s.logger.Warn().Err(err).Msg("Lease reap failed")
			}
		}
	}
}

// promoteLoop admits backlog jobs as capacity frees up and force-fails the
// ones whose admission window has passed.
func (s *Service) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.FailTimedOutBacklog(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Backlog timeout sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("count", n).Msg("Failed timed-out backlog jobs")
			}

			if _, err := s.store.PromoteBacklog(ctx, s.opts.PrefetchBatch); err != nil {
				s.logger.Warn().Err(err).Msg("Backlog promotion failed")
			}
		}
	}
}

// sweepLoop completes finished groups and deletes expired ones.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.CompleteFinishedGroups(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Group completion sweep failed")
			}
			if n, err := s.store.DeleteExpiredGroups(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Group expiry sweep failed")
			} else if n > 0 {
				s.logger.Debug().Int("count", n).Msg("Deleted expired groups")
			}
		}
	}
}
