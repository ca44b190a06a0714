package interfaces

import (
	"context"

	"github.com/bobmcallan/crawlq/internal/models"
)

// Bus is the optional message-bus tier that moves prefetched jobs to workers
// and fans out completion notices between processes. All methods degrade
// gracefully: a bus failure never fails the durable path, callers fall back
// to the store.
type Bus interface {
	// PublishPrefetch pushes a freshly dispatched job onto the prefetch
	// queue with the job id as correlation id and a short TTL.
	PublishPrefetch(ctx context.Context, job *models.Job) error

	// GetPrefetched performs a non-blocking get on the prefetch queue.
	// Returns nil when the queue is empty.
	GetPrefetched(ctx context.Context) (*models.Job, error)

	// PublishNotice sends a completion notice to the listen queue of the
	// process identified by the notice's listen channel.
	PublishNotice(ctx context.Context, notice models.JobNotice) error

	// ConsumeNotices blocks delivering completion notices addressed to
	// channelID until ctx is done (returns nil) or the session fails
	// (returns the transport error). The caller owns reconnection.
	ConsumeNotices(ctx context.Context, channelID string, notices chan<- models.JobNotice) error

	Close() error
}
