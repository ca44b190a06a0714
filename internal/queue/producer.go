package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/models"
)

// AddJobRequest carries the caller-supplied attributes of a new job. OwnerID
// is the raw external team identifier; it is normalized before storage.
type AddJobRequest struct {
	ID       uuid.UUID
	Priority int
	Data     []byte
	OwnerID  string
	GroupID  *uuid.UUID

	// Backlog holds the job in the admission pre-queue until promoted.
	// TimesOutAt bounds how long it may wait there.
	Backlog    bool
	TimesOutAt *time.Time
}

// buildJob turns a request into a storable job, normalizing the owner id and
// stamping the waiter channel when listen mode is on.
func (s *Service) buildJob(req AddJobRequest) *models.Job {
	var ownerID *uuid.UUID
	if req.OwnerID != "" {
		id := common.NormalizeOwnerID(req.OwnerID)
		ownerID = &id
	}

	listenChannel := ""
	if s.opts.WaitMode == common.WaitModeListen {
		listenChannel = s.opts.ChannelID
	}

	return models.NewJob(models.JobOptions{
		ID:              req.ID,
		Priority:        req.Priority,
		Data:            req.Data,
		OwnerID:         ownerID,
		GroupID:         req.GroupID,
		ListenChannelID: listenChannel,
		Backlog:         req.Backlog,
		TimesOutAt:      req.TimesOutAt,
	})
}

// AddJob inserts a new job. A duplicate id surfaces as
// interfaces.ErrDuplicateJob.
func (s *Service) AddJob(ctx context.Context, req AddJobRequest) (*models.Job, error) {
	job := s.buildJob(req)
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("job_id", job.ID.String()).Str("status", job.Status.String()).Msg("Job added")
	return job, nil
}

// AddJobs inserts a batch of jobs in one transaction.
func (s *Service) AddJobs(ctx context.Context, reqs []AddJobRequest) ([]*models.Job, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	jobs := make([]*models.Job, len(reqs))
	for i, req := range reqs {
		jobs[i] = s.buildJob(req)
	}
	if err := s.store.InsertJobs(ctx, jobs); err != nil {
		return nil, err
	}
	s.logger.Debug().Int("count", len(jobs)).Msg("Job batch added")
	return jobs, nil
}

// TryAddJob inserts a new job, returning created=false when the id already
// exists. The existing row is returned in that case so callers can attach a
// waiter to it.
func (s *Service) TryAddJob(ctx context.Context, req AddJobRequest) (*models.Job, bool, error) {
	job, err := s.AddJob(ctx, req)
	if errors.Is(err, interfaces.ErrDuplicateJob) {
		existing, getErr := s.store.GetJob(ctx, req.ID)
		if getErr != nil {
			return nil, false, getErr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("job %s vanished during duplicate check", req.ID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// GetJob returns the job or nil when absent.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// PromoteJob admits one backlog job into the main queue. False when the job
// is absent from the backlog or already timed out.
func (s *Service) PromoteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.PromoteJob(ctx, id)
}
