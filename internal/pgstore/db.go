// Package pgstore implements the message store and a counter-row sequence
// allocator on PostgreSQL.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/groupstream/internal/types"
)

// Compile-time interface compliance checks.
var _ types.SequenceAllocator = (*Sequence)(nil)
var _ types.MessageStore = (*MessageStore)(nil)

// DB is the subset of *pgxpool.Pool used by the stores.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a connection pool and pings the database.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS group_counters (
	group_id TEXT PRIMARY KEY,
	seq      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                   TEXT PRIMARY KEY,
	group_id             TEXT NOT NULL DEFAULT '',
	group_seq            BIGINT,
	session_id           TEXT NOT NULL DEFAULT '',
	run_id               TEXT NOT NULL DEFAULT '',
	sender_id            TEXT NOT NULL DEFAULT '',
	role                 TEXT NOT NULL,
	content              TEXT NOT NULL DEFAULT '',
	is_deleted           BOOLEAN NOT NULL DEFAULT FALSE,
	reply_to_message_id  TEXT NOT NULL DEFAULT '',
	resend_of_message_id TEXT NOT NULL DEFAULT '',
	input_tokens         INTEGER,
	output_tokens        INTEGER,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_group_seq_idx
	ON messages (group_id, group_seq) WHERE group_seq IS NOT NULL;
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, created_at);
`

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
