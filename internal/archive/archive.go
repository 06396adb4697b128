// Package archive is the long-term relational store of sessions and messages
// (storage priority 2). Appends are idempotent over the message dedup key so
// coordinator retries never create doubles.
package archive

import (
	"context"
	"errors"

	"nova/internal/domain/conversation"
)

// ErrSessionNotFound is returned for lookups of unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// Store is the archive contract.
type Store interface {
	// EnsureSchema creates or migrates the schema.
	EnsureSchema(ctx context.Context) error

	// CreateSession registers a session. Creating an existing id is a no-op.
	CreateSession(ctx context.Context, session conversation.Session) error

	// GetSession returns a session by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*conversation.Session, error)

	// ListSessions returns all sessions, most recently active first.
	ListSessions(ctx context.Context) ([]conversation.Session, error)

	// UpdateTitle renames a session.
	UpdateTitle(ctx context.Context, sessionID, title string) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessages inserts messages, silently ignoring duplicates of
	// (session, role, content, timestamp). It creates missing sessions,
	// advances their activity timestamp and message count, and returns the
	// number of rows actually inserted.
	AppendMessages(ctx context.Context, messages []conversation.Message) (int, error)

	// Messages returns up to limit of the most recent messages for a session
	// in timestamp order. limit <= 0 returns everything.
	Messages(ctx context.Context, sessionID string, limit int) ([]conversation.Message, error)
}
