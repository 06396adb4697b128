package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nova/internal/domain/conversation"
	"nova/internal/logging"
)

// PostgresStore persists the archive in Postgres through a shared pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore constructs a Postgres-backed archive.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logging.NewComponentLogger("archive-pg")}
}

// EnsureSchema creates the tables and the dedup index if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("archive store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    last_activity_at TIMESTAMPTZ NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);`,
		`CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user','model')),
    content TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    tokens INTEGER
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_dedup ON messages (session_id, content, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages (session_id, ts);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session conversation.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (session_id, title, created_at, last_activity_at, message_count)
VALUES ($1, $2, $3, $4, 0)
ON CONFLICT (session_id) DO NOTHING`,
		session.ID, session.Title, session.CreatedAt, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*conversation.Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT session_id, title, created_at, last_activity_at, message_count
FROM sessions WHERE session_id = $1`, sessionID)

	var sess conversation.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActivityAt, &sess.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]conversation.Session, error) {
	rows, err := s.pool.Query(ctx, `
SELECT session_id, title, created_at, last_activity_at, message_count
FROM sessions ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []conversation.Session
	for rows.Next() {
		var sess conversation.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActivityAt, &sess.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET title = $2 WHERE session_id = $1`, sessionID, title)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessages(ctx context.Context, messages []conversation.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	perSession := make(map[string]int)
	now := time.Now()

	for _, msg := range messages {
		if _, err := tx.Exec(ctx, `
INSERT INTO sessions (session_id, title, created_at, last_activity_at, message_count)
VALUES ($1, '', $2, $2, 0)
ON CONFLICT (session_id) DO NOTHING`, msg.SessionID, now); err != nil {
			return 0, fmt.Errorf("ensure session: %w", err)
		}

		tag, err := tx.Exec(ctx, `
INSERT INTO messages (session_id, role, content, ts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, content, ts) DO NOTHING`,
			msg.SessionID, string(msg.Role), msg.Text(), msg.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		if tag.RowsAffected() > 0 {
			inserted++
			perSession[msg.SessionID]++
		}
	}

	for sessionID, n := range perSession {
		if _, err := tx.Exec(ctx, `
UPDATE sessions SET message_count = message_count + $2, last_activity_at = $3
WHERE session_id = $1`, sessionID, n, now); err != nil {
			return 0, fmt.Errorf("bump session activity: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string, limit int) ([]conversation.Message, error) {
	query := `
SELECT role, content, ts FROM messages
WHERE session_id = $1 ORDER BY ts, id`
	args := []any{sessionID}
	if limit > 0 {
		query = `
SELECT role, content, ts FROM (
    SELECT role, content, ts, id FROM messages
    WHERE session_id = $1 ORDER BY ts DESC, id DESC LIMIT $2
) recent ORDER BY ts, id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var role, content string
		var ts time.Time
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, conversation.Message{
			SessionID: sessionID,
			Role:      conversation.Role(role),
			Parts:     []conversation.Part{{Text: content}},
			Timestamp: ts,
		})
	}
	return messages, rows.Err()
}
