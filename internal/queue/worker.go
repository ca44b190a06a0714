package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/models"
)

// GetJobToProcess hands out one dispatched job, or nil when nothing is
// available. With a bus configured it drains the prefetch queue first; the
// store selector is the fallback so a down bus only costs latency, never
// correctness.
func (s *Service) GetJobToProcess(ctx context.Context) (*models.Job, error) {
	if s.bus != nil {
		job, err := s.bus.GetPrefetched(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Prefetch get failed, falling back to store")
		} else if job != nil {
			return job, nil
		}
	}

	jobs, err := s.store.DispatchJobs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// RenewLock extends the lease on an active job. A false return means the
// lease was reclaimed; the worker must abandon the job.
func (s *Service) RenewLock(ctx context.Context, id, lock uuid.UUID) (bool, error) {
	return s.store.RenewLock(ctx, id, lock)
}

// JobFinish completes an active job with its result. False on a lost lock;
// the worker's output is discarded.
func (s *Service) JobFinish(ctx context.Context, id, lock uuid.UUID, returnValue json.RawMessage) (bool, error) {
	notice, err := s.store.FinishJob(ctx, id, lock, returnValue)
	if err != nil {
		return false, err
	}
	if notice == nil {
		s.logger.Debug().Str("job_id", id.String()).Msg("Finish discarded, lock lost")
		return false, nil
	}
	s.fanOut(ctx, *notice)
	return true, nil
}

// JobFail fails an active job with a reason. False on a lost lock.
func (s *Service) JobFail(ctx context.Context, id, lock uuid.UUID, reason string) (bool, error) {
	notice, err := s.store.FailJob(ctx, id, lock, reason)
	if err != nil {
		return false, err
	}
	if notice == nil {
		s.logger.Debug().Str("job_id", id.String()).Msg("Fail discarded, lock lost")
		return false, nil
	}
	s.fanOut(ctx, *notice)
	return true, nil
}

// fanOut wakes local waiters directly and, when a bus carries cross-process
// notices, routes the notice to the producing process's listen queue. The
// store notify already fired inside the termination statement, so this is
// purely additive and bus failures are logged, not returned.
func (s *Service) fanOut(ctx context.Context, notice models.JobNotice) {
	s.deliverNotice(notice)

	if s.bus != nil && notice.ListenChannelID != "" {
		if err := s.bus.PublishNotice(ctx, notice); err != nil {
			s.logger.Warn().Err(err).Str("job_id", notice.JobID.String()).Msg("Notice publish failed")
		}
	}
}

// PrefetchJobs dispatches up to the configured batch of queued jobs and
// publishes them to the prefetch queue. Returns how many were dispatched.
// Jobs whose publish fails stay active under their fresh lock and are
// recovered by the lease reaper once the bus TTL would have expired anyway.
func (s *Service) PrefetchJobs(ctx context.Context) (int, error) {
	if s.bus == nil {
		return 0, nil
	}

	jobs, err := s.store.DispatchJobs(ctx, s.opts.PrefetchBatch)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		if err := s.bus.PublishPrefetch(ctx, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Prefetch publish failed, reaper will recover")
		}
	}
	return len(jobs), nil
}
