package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bobmcallan/crawlq/internal/models"
)

// Listen holds a dedicated connection on the queue's notify channel and
// delivers decoded terminal-state notices until ctx is done. A transport
// failure returns the error; the caller owns backoff and reconnection.
// Notices raised while no listener is connected are dropped by Postgres, so
// reconnecting callers must re-check waited-on jobs afterwards.
func (s *Store) Listen(ctx context.Context, notices chan<- models.JobNotice) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	listenSQL := fmt.Sprintf(`LISTEN %s`, pgx.Identifier{s.channel}.Sanitize())
	if _, err := conn.Exec(ctx, listenSQL); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.channel, err)
	}
	s.logger.Debug().Str("channel", s.channel).Msg("Listening for job notices")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("notification wait failed: %w", err)
		}

		notice, err := models.DecodeJobNotice(notification.Payload)
		if err != nil {
			s.logger.Warn().Str("payload", notification.Payload).Err(err).Msg("Dropping malformed job notice")
			continue
		}

		select {
		case notices <- notice:
		case <-ctx.Done():
			return nil
		}
	}
}
