package executor

import (
	"strings"
	"testing"

	"nova/internal/domain/conversation"
	"nova/internal/llm"
)

func text(role conversation.Role, s string) conversation.Message {
	return conversation.NewText("s1", role, s)
}

func TestFormatHistoryCollapsesConsecutiveRoles(t *testing.T) {
	msgs := []conversation.Message{
		text(conversation.RoleUser, "first draft"),
		text(conversation.RoleUser, "actually, use this one"),
		text(conversation.RoleModel, "sure"),
	}
	history := formatHistory(msgs, 0, 0)
	if len(history) != 2 {
		t.Fatalf("history = %v", history)
	}
	if history[0].Content != "actually, use this one" {
		t.Fatalf("consecutive same-role messages must keep the latest: %q", history[0].Content)
	}
}

func TestFormatHistoryMaxMessages(t *testing.T) {
	var msgs []conversation.Message
	for i := 0; i < 6; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleModel
		}
		msgs = append(msgs, text(role, strings.Repeat("x", i+1)))
	}
	history := formatHistory(msgs, 4, 0)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[0].Content != "xxx" {
		t.Fatalf("window must keep the most recent messages: %q", history[0].Content)
	}
}

func TestFormatHistoryTokenBudget(t *testing.T) {
	msgs := []conversation.Message{
		text(conversation.RoleUser, strings.Repeat("old words here ", 100)),
		text(conversation.RoleModel, "short reply"),
		text(conversation.RoleUser, "latest question"),
	}
	history := formatHistory(msgs, 0, 20)
	if len(history) == 3 {
		t.Fatal("the oversized oldest message must be dropped")
	}
	if history[len(history)-1].Content != "latest question" {
		t.Fatalf("the newest message must survive: %v", history)
	}
}

func TestFormatHistoryRoleMapping(t *testing.T) {
	msgs := []conversation.Message{
		text(conversation.RoleUser, "hi"),
		text(conversation.RoleModel, "hello"),
	}
	history := formatHistory(msgs, 0, 0)
	if history[0].Role != llm.ChatRoleUser || history[1].Role != llm.ChatRoleAssistant {
		t.Fatalf("roles = %v, %v", history[0].Role, history[1].Role)
	}
}

func TestFormatHistoryEmpty(t *testing.T) {
	if got := formatHistory(nil, 10, 100); got != nil {
		t.Fatalf("formatHistory(nil) = %v", got)
	}
}

func TestCountTokensFallbackIsPositive(t *testing.T) {
	if countTokens("") < 0 {
		t.Fatal("token count must never be negative")
	}
	if countTokens("some words to count") == 0 {
		t.Fatal("non-empty text must count at least one token")
	}
}
