package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"nova/internal/domain/conversation"
)

func openLogs(t *testing.T) map[string]Log {
	t.Helper()
	fileLog, err := NewFileLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	return map[string]Log{
		"memory": NewMemoryLog(),
		"file":   fileLog,
	}
}

func msgAt(sessionID string, role conversation.Role, text string, ts time.Time) conversation.Message {
	m := conversation.NewText(sessionID, role, text)
	m.Timestamp = ts
	return m
}

func TestLogAppendAndReplay(t *testing.T) {
	for name, log := range openLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			msgs := []conversation.Message{
				msgAt("s1", conversation.RoleUser, "hello", base),
				msgAt("s1", conversation.RoleModel, "hi there", base.Add(time.Second)),
				msgAt("s1", conversation.RoleUser, "how are you", base.Add(2*time.Second)),
				msgAt("s2", conversation.RoleUser, "other session", base),
			}
			if err := log.AppendMessages(ctx, msgs); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}

			got, err := log.Replay(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("replayed %d messages, want 3", len(got))
			}
			if got[0].Text() != "hello" || got[2].Text() != "how are you" {
				t.Fatalf("replay out of order: %q .. %q", got[0].Text(), got[2].Text())
			}

			limited, err := log.Replay(ctx, "s1", 2)
			if err != nil {
				t.Fatalf("Replay limited: %v", err)
			}
			if len(limited) != 2 || limited[0].Text() != "hi there" {
				t.Fatalf("limit must keep the most recent messages, got %v", limited)
			}
		})
	}
}

func TestLogAppendDeduplicates(t *testing.T) {
	for name, log := range openLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msg := msgAt("s1", conversation.RoleUser, "once", time.Now())
			if err := log.AppendMessages(ctx, []conversation.Message{msg, msg}); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}
			// A re-delivered batch must collapse on the dedup key.
			if err := log.AppendMessages(ctx, []conversation.Message{msg}); err != nil {
				t.Fatalf("AppendMessages redelivery: %v", err)
			}
			got, err := log.Replay(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("duplicate appends produced %d messages, want 1", len(got))
			}
		})
	}
}

func TestLogStateRoundTrip(t *testing.T) {
	for name, log := range openLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := BoardStateKey("s1")

			if _, err := log.GetState(ctx, "s1", key); !errors.Is(err, ErrStateNotFound) {
				t.Fatalf("GetState before put: %v, want ErrStateNotFound", err)
			}
			if err := log.PutState(ctx, "s1", key, []byte(`{"id":"b1"}`)); err != nil {
				t.Fatalf("PutState: %v", err)
			}
			v, err := log.GetState(ctx, "s1", key)
			if err != nil {
				t.Fatalf("GetState: %v", err)
			}
			if string(v) != `{"id":"b1"}` {
				t.Fatalf("GetState = %q", v)
			}

			if err := log.DeleteState(ctx, "s1", key); err != nil {
				t.Fatalf("DeleteState: %v", err)
			}
			if _, err := log.GetState(ctx, "s1", key); !errors.Is(err, ErrStateNotFound) {
				t.Fatalf("GetState after delete: %v, want ErrStateNotFound", err)
			}
			// Deleting a missing key is not an error.
			if err := log.DeleteState(ctx, "s1", "no-such-key"); err != nil {
				t.Fatalf("DeleteState on missing key: %v", err)
			}
		})
	}
}

func TestLogClear(t *testing.T) {
	for name, log := range openLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := log.AppendMessages(ctx, []conversation.Message{
				msgAt("s1", conversation.RoleUser, "wipe me", time.Now()),
			}); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}
			if err := log.PutState(ctx, "s1", AgentStateKey, []byte("blob")); err != nil {
				t.Fatalf("PutState: %v", err)
			}

			if err := log.Clear(ctx, "s1"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			got, err := log.Replay(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("Clear left %d messages", len(got))
			}
			if _, err := log.GetState(ctx, "s1", AgentStateKey); !errors.Is(err, ErrStateNotFound) {
				t.Fatalf("Clear left state behind: %v", err)
			}

			// A cleared session accepts the same message again.
			if err := log.AppendMessages(ctx, []conversation.Message{
				msgAt("s1", conversation.RoleUser, "wipe me", time.Now()),
			}); err != nil {
				t.Fatalf("AppendMessages after clear: %v", err)
			}
		})
	}
}

func TestFileLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	msg := msgAt("s1", conversation.RoleUser, "persist me", time.Now())
	if err := first.AppendMessages(ctx, []conversation.Message{msg}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := first.PutState(ctx, "s1", AgentStateKey, []byte("snapshot")); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	second, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := second.Replay(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Replay after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Text() != "persist me" {
		t.Fatalf("Replay after reopen = %v", got)
	}
	v, err := second.GetState(ctx, "s1", AgentStateKey)
	if err != nil || string(v) != "snapshot" {
		t.Fatalf("GetState after reopen = %q, %v", v, err)
	}

	// The dedup index must survive the reopen too.
	if err := second.AppendMessages(ctx, []conversation.Message{msg}); err != nil {
		t.Fatalf("AppendMessages after reopen: %v", err)
	}
	got, err = second.Replay(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("dedup lost across reopen: %d messages", len(got))
	}
}
