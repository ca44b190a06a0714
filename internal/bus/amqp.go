package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/models"
)

const (
	prefetchTTLMs    = 15000
	prefetchMaxLen   = 20000
	listenQueueTTLMs = 60000
)

// AMQPBus is the amqp091-backed implementation of interfaces.Bus.
//
// The prefetch queue is durable and quorum-replicated with a short message
// TTL, so a stale prefetched job expires on the broker and the lease reaper
// recovers it from the store. Listen queues are exclusive per process and
// vanish with the consumer connection.
type AMQPBus struct {
	queue   string
	session *session
	logger  *common.Logger
}

var _ interfaces.Bus = (*AMQPBus)(nil)

// New builds a bus for the named queue. The connection is dialed lazily on
// first use.
func New(url, queue string, logger *common.Logger) *AMQPBus {
	return &AMQPBus{
		queue:   queue,
		session: newSession(url, logger),
		logger:  logger,
	}
}

func (b *AMQPBus) prefetchQueue() string { return b.queue + ".prefetch" }

func (b *AMQPBus) listenQueue(channelID string) string {
	return b.queue + ".listen." + channelID
}

func (b *AMQPBus) declarePrefetch(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(b.prefetchQueue(), true, false, false, false, amqp.Table{
		"x-queue-type":  "quorum",
		"x-message-ttl": int32(prefetchTTLMs),
		"x-max-length":  int32(prefetchMaxLen),
		"x-overflow":    "reject-publish",
	})
	if err != nil {
		return fmt.Errorf("failed to declare prefetch queue: %w", err)
	}
	return nil
}

func (b *AMQPBus) declareListen(ch *amqp.Channel, channelID string) (string, error) {
	name := b.listenQueue(channelID)
	_, err := ch.QueueDeclare(name, false, true, true, false, amqp.Table{
		"x-message-ttl": int32(listenQueueTTLMs),
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare listen queue %s: %w", name, err)
	}
	return name, nil
}

// PublishPrefetch pushes a dispatched job onto the prefetch queue. The job id
// rides as correlation id so consumers can cheaply match deliveries without
// decoding the body.
func (b *AMQPBus) PublishPrefetch(ctx context.Context, job *models.Job) error {
	ch, err := b.session.channel()
	if err != nil {
		return err
	}
	if err := b.declarePrefetch(ch); err != nil {
		b.session.invalidate(ch)
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	err = ch.PublishWithContext(ctx, "", b.prefetchQueue(), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: job.ID.String(),
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		b.session.invalidate(ch)
		return fmt.Errorf("failed to publish prefetched job %s: %w", job.ID, err)
	}
	return nil
}

// GetPrefetched performs a non-blocking get on the prefetch queue. Returns
// nil when the queue is empty. Deliveries are acked immediately: the job is
// already active in the store, so a lost message is recovered by the reaper,
// not by redelivery.
func (b *AMQPBus) GetPrefetched(ctx context.Context) (*models.Job, error) {
	ch, err := b.session.channel()
	if err != nil {
		return nil, err
	}
	if err := b.declarePrefetch(ch); err != nil {
		b.session.invalidate(ch)
		return nil, err
	}

	delivery, ok, err := ch.Get(b.prefetchQueue(), true)
	if err != nil {
		b.session.invalidate(ch)
		return nil, fmt.Errorf("failed to get prefetched job: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		return nil, fmt.Errorf("failed to decode prefetched job: %w", err)
	}
	return &job, nil
}

// PublishNotice routes a completion notice to the listen queue of the process
// named by the notice. A missing queue means the target process is gone; the
// broker drops the message, which is the intended outcome.
func (b *AMQPBus) PublishNotice(ctx context.Context, notice models.JobNotice) error {
	if notice.ListenChannelID == "" {
		return nil
	}

	ch, err := b.session.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", b.listenQueue(notice.ListenChannelID), false, false, amqp.Publishing{
		ContentType:   "text/plain",
		CorrelationId: notice.JobID.String(),
		Timestamp:     time.Now(),
		Body:          []byte(notice.Status),
	})
	if err != nil {
		b.session.invalidate(ch)
		return fmt.Errorf("failed to publish notice for job %s: %w", notice.JobID, err)
	}
	return nil
}

// ConsumeNotices blocks delivering completion notices addressed to channelID
// until ctx is done (nil) or the session fails (the transport error). The
// caller owns reconnection; the exclusive queue dies with the connection, so
// reconnecting callers must re-check waited-on jobs for missed terminals.
func (b *AMQPBus) ConsumeNotices(ctx context.Context, channelID string, notices chan<- models.JobNotice) error {
	conn, err := b.session.connection()
	if err != nil {
		return err
	}

	// Exclusive queues need their own channel so a failed publish elsewhere
	// cannot tear the consumer down.
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	name, err := b.declareListen(ch, channelID)
	if err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", name, err)
	}
	b.logger.Debug().Str("queue", name).Msg("Consuming completion notices")

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("notice consumer on %s closed", name)
			}

			notice, err := decodeNoticeDelivery(delivery)
			if err != nil {
				b.logger.Warn().Err(err).Msg("Dropping malformed notice delivery")
				continue
			}

			select {
			case notices <- notice:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func decodeNoticeDelivery(d amqp.Delivery) (models.JobNotice, error) {
	id, err := uuid.Parse(d.CorrelationId)
	if err != nil {
		return models.JobNotice{}, fmt.Errorf("bad correlation id %q: %w", d.CorrelationId, err)
	}
	status, err := models.ParseStatus(string(d.Body))
	if err != nil {
		return models.JobNotice{}, err
	}
	if !status.Terminal() {
		return models.JobNotice{}, fmt.Errorf("non-terminal status %q in notice", d.Body)
	}
	return models.JobNotice{JobID: id, Status: status}, nil
}

// Close tears down the underlying connection.
func (b *AMQPBus) Close() error {
	return b.session.close()
}
