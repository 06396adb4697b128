package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	"nova/internal/domain/conversation"
)

// MemoryStore is an in-process archive used by tests and the memory storage
// driver. Dedup semantics match the Postgres unique index.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*conversation.Session
	messages map[string][]conversation.Message
	seen     map[string]map[string]struct{}
	failNext error
}

// NewMemoryStore returns an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*conversation.Session),
		messages: make(map[string][]conversation.Message),
		seen:     make(map[string]map[string]struct{}),
	}
}

// FailNextAppend makes the next AppendMessages call return err.
func (s *MemoryStore) FailNextAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, session conversation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return nil
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	cp := session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*conversation.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]conversation.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Title = title
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.seen, sessionID)
	return nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, messages []conversation.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return 0, err
	}

	now := time.Now()
	inserted := 0
	for _, msg := range messages {
		sess, ok := s.sessions[msg.SessionID]
		if !ok {
			sess = &conversation.Session{ID: msg.SessionID, CreatedAt: now, LastActivityAt: now}
			s.sessions[msg.SessionID] = sess
		}

		keys, ok := s.seen[msg.SessionID]
		if !ok {
			keys = make(map[string]struct{})
			s.seen[msg.SessionID] = keys
		}
		key := msg.DedupKey()
		if _, dup := keys[key]; dup {
			continue
		}
		keys[key] = struct{}{}
		s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
		sess.MessageCount++
		sess.LastActivityAt = now
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) Messages(ctx context.Context, sessionID string, limit int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
