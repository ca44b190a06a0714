// Package bus implements the optional AMQP tier: a prefetch queue that moves
// dispatched jobs to pull-based workers, and per-process listen queues that
// fan completion notices out across service instances.
package bus

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bobmcallan/crawlq/internal/common"
)

const (
	reconnectDelayMin = 250 * time.Millisecond
	reconnectDelayMax = 3 * time.Second
)

// session lazily maintains one AMQP connection and channel, redialing on
// demand with capped backoff. All bus operations borrow the channel under the
// mutex; a broken channel is invalidated so the next caller redials.
type session struct {
	url    string
	logger *common.Logger

	mu          sync.Mutex
	conn        *amqp.Connection
	ch          *amqp.Channel
	lastAttempt time.Time
	delay       time.Duration
}

func newSession(url string, logger *common.Logger) *session {
	return &session{
		url:    url,
		logger: logger,
		delay:  reconnectDelayMin,
	}
}

// channel returns a live channel, dialing if necessary. Redial attempts are
// rate limited so a down broker costs one failed call per backoff window
// instead of one per operation.
func (s *session) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}

	if time.Since(s.lastAttempt) < s.delay {
		return nil, fmt.Errorf("bus unavailable, retry suppressed for %s", s.delay)
	}
	s.lastAttempt = time.Now()

	if err := s.dialLocked(); err != nil {
		s.delay = min(s.delay*2, reconnectDelayMax)
		return nil, err
	}
	s.delay = reconnectDelayMin
	return s.ch, nil
}

func (s *session) dialLocked() error {
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.Dial(s.url)
		if err != nil {
			return fmt.Errorf("failed to dial bus: %w", err)
		}
		s.conn = conn
		s.logger.Info().Msg("Bus connection established")
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open bus channel: %w", err)
	}
	s.ch = ch
	return nil
}

// invalidate discards a channel after a failed operation so the next caller
// redials instead of reusing a dead channel.
func (s *session) invalidate(ch *amqp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == ch {
		s.ch = nil
	}
}

// connection returns the live connection, dialing if necessary. Used by
// consumers that need their own channel (exclusive queues).
func (s *session) connection() (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}

	if time.Since(s.lastAttempt) < s.delay {
		return nil, fmt.Errorf("bus unavailable, retry suppressed for %s", s.delay)
	}
	s.lastAttempt = time.Now()

	conn, err := amqp.Dial(s.url)
	if err != nil {
		s.delay = min(s.delay*2, reconnectDelayMax)
		return nil, fmt.Errorf("failed to dial bus: %w", err)
	}
	s.conn = conn
	s.delay = reconnectDelayMin
	s.logger.Info().Msg("Bus connection established")
	return conn, nil
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ch = nil
	if s.conn != nil && !s.conn.IsClosed() {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
