// Package history defines the conversation log the chat service reads
// context from and appends each exchange to.
//
// Two implementations exist: [memory] keeps entries in process and
// [postgres] persists them in a PostgreSQL table so conversations survive
// restarts.
package history

import (
	"context"
	"time"
)

// Entry is one turn of a conversation.
type Entry struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the text of the turn.
	Content string

	// CreatedAt is when the turn was recorded. Stores set it when zero.
	CreatedAt time.Time
}

// Store persists conversation turns per session.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records entries for sessionID in order.
	Append(ctx context.Context, sessionID string, entries ...Entry) error

	// Recent returns the last limit entries for sessionID, oldest first.
	// A limit of zero or less returns every entry.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Clear deletes all entries for sessionID.
	Clear(ctx context.Context, sessionID string) error
}
