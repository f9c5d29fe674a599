// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, sessionID, history.Entry{Role: "user", Content: "hi"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_session
    ON conversation_entries (session_id, id);
`

// Migrate creates the conversation_entries table and its index if they do
// not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationEntries); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}
