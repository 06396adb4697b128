// Package durable provides the per-session append-only message log and the
// small key/value state store used for the task board and agent snapshots.
// It is the priority-1 storage layer: a write failure here fails the turn.
package durable

import (
	"context"
	"errors"

	"nova/internal/domain/conversation"
)

// ErrStateNotFound is returned when a state key has no value for the session.
var ErrStateNotFound = errors.New("state key not found")

// Log is the durable per-session store.
type Log interface {
	// AppendMessages appends messages to their sessions' logs. Messages whose
	// dedup key was already appended are silently skipped.
	AppendMessages(ctx context.Context, messages []conversation.Message) error

	// Replay returns up to limit of the most recent messages for a session in
	// insertion order. limit <= 0 returns everything.
	Replay(ctx context.Context, sessionID string, limit int) ([]conversation.Message, error)

	// PutState stores an opaque value under (sessionID, key).
	PutState(ctx context.Context, sessionID, key string, value []byte) error

	// GetState loads the value for (sessionID, key), or ErrStateNotFound.
	GetState(ctx context.Context, sessionID, key string) ([]byte, error)

	// DeleteState removes (sessionID, key). Missing keys are not an error.
	DeleteState(ctx context.Context, sessionID, key string) error

	// Clear removes the session's log and all of its state.
	Clear(ctx context.Context, sessionID string) error
}

// BoardStateKey is the state key holding the serialized task board.
func BoardStateKey(sessionID string) string {
	return "taskBoard:" + sessionID
}

// AgentStateKey is the state key holding the opaque agent-state blob.
const AgentStateKey = "state"
