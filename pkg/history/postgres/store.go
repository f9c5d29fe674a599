package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/avatalk/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store persists conversation turns in the conversation_entries table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, verifies the
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [history.Store]. All entries are written in a single
// batch so a partial exchange is never stored.
func (s *Store) Append(ctx context.Context, sessionID string, entries ...history.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO conversation_entries (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`

	now := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history store: append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range entries {
		at := e.CreatedAt
		if at.IsZero() {
			at = now
		}
		batch.Queue(q, sessionID, e.Role, e.Content, at)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history store: append: commit: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	const all = `
		SELECT role, content, created_at
		FROM   conversation_entries
		WHERE  session_id = $1
		ORDER  BY id`
	const last = `
		SELECT role, content, created_at FROM (
		    SELECT id, role, content, created_at
		    FROM   conversation_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) recent
		ORDER BY id`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, last, sessionID, limit)
	} else {
		rows, err = s.pool.Query(ctx, all, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var e history.Entry
		err := row.Scan(&e.Role, &e.Content, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}

// Clear implements [history.Store].
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("history store: clear: %w", err)
	}
	return nil
}
