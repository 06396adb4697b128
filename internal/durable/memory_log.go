package durable

import (
	"context"
	"sync"

	"nova/internal/domain/conversation"
)

// MemoryLog is an in-process Log used by tests and the memory storage driver.
type MemoryLog struct {
	mu       sync.Mutex
	messages map[string][]conversation.Message
	seen     map[string]map[string]struct{}
	state    map[string]map[string][]byte
	failNext error
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		messages: make(map[string][]conversation.Message),
		seen:     make(map[string]map[string]struct{}),
		state:    make(map[string]map[string][]byte),
	}
}

// FailNextAppend makes the next AppendMessages call return err. Used by
// coordinator tests to exercise the priority-1 retry path.
func (l *MemoryLog) FailNextAppend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *MemoryLog) AppendMessages(ctx context.Context, messages []conversation.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	for _, msg := range messages {
		keys, ok := l.seen[msg.SessionID]
		if !ok {
			keys = make(map[string]struct{})
			l.seen[msg.SessionID] = keys
		}
		key := msg.DedupKey()
		if _, dup := keys[key]; dup {
			continue
		}
		keys[key] = struct{}{}
		l.messages[msg.SessionID] = append(l.messages[msg.SessionID], msg)
	}
	return nil
}

func (l *MemoryLog) Replay(ctx context.Context, sessionID string, limit int) ([]conversation.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (l *MemoryLog) PutState(ctx context.Context, sessionID, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.state[sessionID]
	if !ok {
		m = make(map[string][]byte)
		l.state[sessionID] = m
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m[key] = cp
	return nil
}

func (l *MemoryLog) GetState(ctx context.Context, sessionID, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.state[sessionID]
	if !ok {
		return nil, ErrStateNotFound
	}
	v, ok := m[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (l *MemoryLog) DeleteState(ctx context.Context, sessionID, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.state[sessionID]; ok {
		delete(m, key)
	}
	return nil
}

func (l *MemoryLog) Clear(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messages, sessionID)
	delete(l.seen, sessionID)
	delete(l.state, sessionID)
	return nil
}
