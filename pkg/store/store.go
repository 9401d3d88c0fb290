// Package store is the relational persistence layer backing §6's table
// layout (users, chats, threads, messages, user_files, balance_operations,
// tool_calls) via pgx/v5. It is the flush target the Write-Behind Queue
// (pkg/queue) drives; the synchronous writes on the hot path are the
// balance update (pkg/balance) and the chat/user/thread upserts in
// reads.go.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns the connection pool and exposes one typed batch-insert method
// per WriteEnvelope kind, plus read accessors used by the Thread/Message
// Cache and Context Formatter on cache miss.
type Store struct {
	Pool *pgxpool.Pool
}

// Open creates a pool against dsn. Ping is eager: a Postgres that is
// unreachable at boot is a FatalConfiguration per §7, not a deferred
// surprise.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Schema is the DDL for the tables named in §6. Applied by an external
// migration runner in production; kept here so tests and local bootstrap
// can create a throwaway schema without a separate migrations tool.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id       BIGINT PRIMARY KEY,
	preferred_model TEXT NOT NULL DEFAULT '',
	preamble      TEXT NOT NULL DEFAULT '',
	message_count BIGINT NOT NULL DEFAULT 0,
	token_count   BIGINT NOT NULL DEFAULT 0,
	balance       NUMERIC(20,6) NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chats (
	chat_id    BIGINT PRIMARY KEY,
	chat_type  TEXT NOT NULL DEFAULT 'private',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS threads (
	thread_id  BIGSERIAL PRIMARY KEY,
	chat_id    BIGINT NOT NULL REFERENCES chats(chat_id),
	user_id    BIGINT NOT NULL REFERENCES users(user_id),
	topic_id   BIGINT,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (chat_id, user_id, topic_id)
);

CREATE TABLE IF NOT EXISTS messages (
	chat_id         BIGINT NOT NULL,
	message_id      BIGINT NOT NULL,
	thread_id       BIGINT NOT NULL REFERENCES threads(thread_id),
	role            TEXT NOT NULL,
	text_body       TEXT NOT NULL DEFAULT '',
	thinking_blocks JSONB,
	sender_display  TEXT,
	reply_snippet   TEXT,
	quote_text      TEXT,
	forward_origin  TEXT,
	has_attachments BOOLEAN NOT NULL DEFAULT false,
	edit_count      INT NOT NULL DEFAULT 0,
	original_body   TEXT,
	prompt_tokens   INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	cost            NUMERIC(20,6) NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chat_id, message_id)
);

CREATE TABLE IF NOT EXISTS user_files (
	file_id      TEXT PRIMARY KEY,
	message_id   BIGINT,
	chat_id      BIGINT,
	platform_handle TEXT NOT NULL,
	llm_handle   TEXT NOT NULL,
	mime_type    TEXT NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS balance_operations (
	id               BIGSERIAL PRIMARY KEY,
	user_id          BIGINT NOT NULL REFERENCES users(user_id),
	kind             TEXT NOT NULL,
	amount           NUMERIC(20,6) NOT NULL,
	balance_before   NUMERIC(20,6) NOT NULL,
	balance_after    NUMERIC(20,6) NOT NULL,
	related_message  BIGINT,
	description      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id          BIGSERIAL PRIMARY KEY,
	thread_id   BIGINT NOT NULL,
	tool_name   TEXT NOT NULL,
	tool_use_id TEXT NOT NULL,
	duration_ms INT NOT NULL,
	is_error    BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies Schema idempotently. Intended for local/dev
// bootstrap and tests; production deployments run migrations externally.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, Schema)
	return err
}
