package durable

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nova/internal/domain/conversation"
	"nova/internal/logging"
)

// FileLog stores each session under its own directory:
//
//	<root>/<sessionID>/log.jsonl   append-only message records
//	<root>/<sessionID>/state/<key>.json
//
// A per-process dedup set avoids re-reading the log on every append; the log
// is scanned once per session on first touch.
type FileLog struct {
	root   string
	logger logging.Logger

	mu   sync.Mutex
	seen map[string]map[string]struct{} // sessionID -> dedup keys
}

// NewFileLog creates the root directory and returns a file-backed log.
func NewFileLog(root string) (*FileLog, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create durable log root: %w", err)
	}
	return &FileLog{
		root:   root,
		logger: logging.NewComponentLogger("durable-log"),
		seen:   make(map[string]map[string]struct{}),
	}, nil
}

func (l *FileLog) sessionDir(sessionID string) string {
	return filepath.Join(l.root, sanitize(sessionID))
}

func (l *FileLog) logPath(sessionID string) string {
	return filepath.Join(l.sessionDir(sessionID), "log.jsonl")
}

func (l *FileLog) statePath(sessionID, key string) string {
	return filepath.Join(l.sessionDir(sessionID), "state", sanitize(key)+".json")
}

// loadSeenLocked scans the session log once to seed the dedup set.
func (l *FileLog) loadSeenLocked(sessionID string) (map[string]struct{}, error) {
	if keys, ok := l.seen[sessionID]; ok {
		return keys, nil
	}
	keys := make(map[string]struct{})
	file, err := os.Open(l.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			l.seen[sessionID] = keys
			return keys, nil
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg conversation.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			l.logger.Warn("skipping corrupt log line for session %s: %v", sessionID, err)
			continue
		}
		keys[msg.DedupKey()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	l.seen[sessionID] = keys
	return keys, nil
}

func (l *FileLog) AppendMessages(ctx context.Context, messages []conversation.Message) error {
	if len(messages) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Group per session so each log file is opened once per batch.
	bySession := make(map[string][]conversation.Message)
	for _, msg := range messages {
		bySession[msg.SessionID] = append(bySession[msg.SessionID], msg)
	}

	for sessionID, group := range bySession {
		seen, err := l.loadSeenLocked(sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}

		var fresh []conversation.Message
		for _, msg := range group {
			key := msg.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			fresh = append(fresh, msg)
		}
		if len(fresh) == 0 {
			continue
		}

		if err := os.MkdirAll(l.sessionDir(sessionID), 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
		file, err := os.OpenFile(l.logPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}

		w := bufio.NewWriter(file)
		for _, msg := range fresh {
			line, err := json.Marshal(msg)
			if err != nil {
				_ = file.Close()
				return fmt.Errorf("encode message: %w", err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				_ = file.Close()
				return fmt.Errorf("append message: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			_ = file.Close()
			return fmt.Errorf("flush session log: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close session log: %w", err)
		}
		for _, msg := range fresh {
			seen[msg.DedupKey()] = struct{}{}
		}
	}
	return nil
}

func (l *FileLog) Replay(ctx context.Context, sessionID string, limit int) ([]conversation.Message, error) {
	file, err := os.Open(l.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var messages []conversation.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg conversation.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			l.logger.Warn("skipping corrupt log line for session %s: %v", sessionID, err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (l *FileLog) PutState(ctx context.Context, sessionID, key string, value []byte) error {
	path := l.statePath(sessionID, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	// Write-then-rename keeps the previous value intact on a crash.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (l *FileLog) GetState(ctx context.Context, sessionID, key string) ([]byte, error) {
	data, err := os.ReadFile(l.statePath(sessionID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}
	return data, nil
}

func (l *FileLog) DeleteState(ctx context.Context, sessionID, key string) error {
	err := os.Remove(l.statePath(sessionID, key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *FileLog) Clear(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	delete(l.seen, sessionID)
	l.mu.Unlock()
	if err := os.RemoveAll(l.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// sanitize maps a session id or state key to a safe file name.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
