package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/models"
)

// ErrWaitTimeout is returned by WaitForJob when the deadline fires before the
// job terminates. The job itself is unaffected.
var ErrWaitTimeout = errors.New("timed out waiting for job")

// JobFailedError is returned by WaitForJob when the awaited job failed.
type JobFailedError struct {
	JobID  uuid.UUID
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// WaitForJob blocks until the job terminates, the timeout fires, or ctx is
// cancelled. It returns the job's return value, a JobFailedError carrying the
// failure reason, or ErrWaitTimeout.
//
// The notification is only a wakeup signal: on every wakeup the row is
// re-read, so spurious or duplicate notices are harmless.
func (s *Service) WaitForJob(ctx context.Context, id uuid.UUID, timeout time.Duration) (json.RawMessage, error) {
	if s.opts.WaitMode == common.WaitModeListen {
		return s.waitListen(ctx, id, timeout)
	}
	return s.waitPoll(ctx, id, timeout)
}

func (s *Service) waitPoll(ctx context.Context, id uuid.UUID, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		value, done, err := s.checkJob(ctx, id)
		if err != nil || done {
			return value, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

func (s *Service) waitListen(ctx context.Context, id uuid.UUID, timeout time.Duration) (json.RawMessage, error) {
	// Register before the store check: a terminal transition between the two
	// still fires either the notice or the check, never neither.
	signal := s.addWaiter(id)
	defer s.removeWaiter(id, signal)

	value, done, err := s.checkJob(ctx, id)
	if err != nil || done {
		return value, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrWaitTimeout
		case _, ok := <-signal:
			if !ok {
				// Shutdown drained the waiter table.
				return nil, fmt.Errorf("queue shutting down while waiting for job %s", id)
			}
			value, done, err := s.checkJob(ctx, id)
			if err != nil || done {
				return value, err
			}
		}
	}
}

// checkJob re-reads the row and resolves it when terminal. done=false means
// keep waiting.
func (s *Service) checkJob(ctx context.Context, id uuid.UUID) (json.RawMessage, bool, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, fmt.Errorf("job %s not found", id)
	}

	switch job.Status {
	case models.StatusCompleted:
		return job.ReturnValue, true, nil
	case models.StatusFailed:
		return nil, true, &JobFailedError{JobID: id, Reason: job.FailedReason}
	default:
		return nil, false, nil
	}
}

// addWaiter registers a one-shot signal channel for a job id. The channel is
// buffered so deliverNotice never blocks on a slow waiter.
func (s *Service) addWaiter(id uuid.UUID) chan models.JobNotice {
	signal := make(chan models.JobNotice, 1)
	s.waitersMu.Lock()
	s.waiters[id] = append(s.waiters[id], signal)
	s.waitersMu.Unlock()
	return signal
}

func (s *Service) removeWaiter(id uuid.UUID, signal chan models.JobNotice) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	chans := s.waiters[id]
	for i, c := range chans {
		if c == signal {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}

// deliverNotice wakes every local waiter registered for the job. Waiters that
// already have a pending signal are skipped; one wakeup is enough because the
// waiter re-reads the row.
func (s *Service) deliverNotice(notice models.JobNotice) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	for _, signal := range s.waiters[notice.JobID] {
		select {
		case signal <- notice:
		default:
		}
	}
}

// waitedJobIDs snapshots the ids with registered waiters, for the
// post-reconnect sweep.
func (s *Service) waitedJobIDs() []uuid.UUID {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.waiters))
	for id := range s.waiters {
		ids = append(ids, id)
	}
	return ids
}

// drainWaiters closes every registered signal channel on shutdown, failing
// pending waits with a final error.
func (s *Service) drainWaiters() {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	for id, chans := range s.waiters {
		for _, c := range chans {
			close(c)
		}
		delete(s.waiters, id)
	}
}
