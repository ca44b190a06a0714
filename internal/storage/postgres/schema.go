package postgres

import (
	"context"
	"fmt"
)

const schemaDDL = `
DO $$ BEGIN
	CREATE TYPE job_status AS ENUM ('queued', 'active', 'completed', 'failed', 'backlog');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE job_group_status AS ENUM ('active', 'completed', 'cancelled');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

CREATE TABLE IF NOT EXISTS jobs (
	id                uuid PRIMARY KEY,
	status            job_status NOT NULL DEFAULT 'queued',
	priority          int NOT NULL DEFAULT 0,
	data              jsonb,
	created_at        timestamptz NOT NULL DEFAULT now(),
	finished_at       timestamptz,
	listen_channel_id text,
	return_value      jsonb,
	failed_reason     text,
	lock              uuid,
	locked_at         timestamptz,
	owner_id          uuid,
	group_id          uuid,
	times_out_at      timestamptz
);

CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs (owner_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_group_status ON jobs (group_id, status);

CREATE TABLE IF NOT EXISTS jobs_backlog (
	id                uuid PRIMARY KEY,
	status            job_status NOT NULL DEFAULT 'backlog',
	priority          int NOT NULL DEFAULT 0,
	data              jsonb,
	created_at        timestamptz NOT NULL DEFAULT now(),
	finished_at       timestamptz,
	listen_channel_id text,
	return_value      jsonb,
	failed_reason     text,
	lock              uuid,
	locked_at         timestamptz,
	owner_id          uuid,
	group_id          uuid,
	times_out_at      timestamptz
);

CREATE INDEX IF NOT EXISTS idx_jobs_backlog_order ON jobs_backlog (priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_backlog_timeout ON jobs_backlog (times_out_at);

CREATE TABLE IF NOT EXISTS groups (
	id          uuid PRIMARY KEY,
	status      job_group_status NOT NULL DEFAULT 'active',
	created_at  timestamptz NOT NULL DEFAULT now(),
	finished_at timestamptz,
	expires_at  timestamptz,
	owner_id    uuid,
	ttl         bigint NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_groups_owner_status ON groups (owner_id, status);
CREATE INDEX IF NOT EXISTS idx_groups_expiry ON groups (expires_at);

CREATE TABLE IF NOT EXISTS owner_concurrency (
	id                  uuid PRIMARY KEY,
	current_concurrency int NOT NULL DEFAULT 0 CHECK (current_concurrency >= 0),
	max_concurrency     int
);

CREATE TABLE IF NOT EXISTS group_concurrency (
	id                  uuid PRIMARY KEY,
	current_concurrency int NOT NULL DEFAULT 0 CHECK (current_concurrency >= 0),
	max_concurrency     int
);
`

// resolverDDL installs the owner cap resolver only when absent, so an
// operator-installed resolver that consults team plan tables survives
// restarts.
const resolverDDL = `
DO $$ BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_proc WHERE proname = '%s') THEN
		EXECUTE format(
			'CREATE FUNCTION %%I(p_owner_id uuid) RETURNS int LANGUAGE sql STABLE AS ''SELECT %d''',
			'%s');
	END IF;
END $$;
`

// EnsureSchema creates the tables, enums, indexes, and the owner cap
// resolver procedure if they do not exist. Safe to run concurrently from
// multiple processes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	ddl := fmt.Sprintf(resolverDDL, s.resolver, s.ownerMax, s.resolver)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to install owner cap resolver: %w", err)
	}

	s.logger.Debug().Str("queue", s.queue).Msg("Schema ensured")
	return nil
}
