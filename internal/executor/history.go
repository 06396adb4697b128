package executor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"nova/internal/domain/conversation"
	"nova/internal/llm"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates the token length of text. When the encoding is
// unavailable the estimate falls back to one token per four characters.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text)/4 + 1
	}
	return len(encoding.Encode(text, nil, nil))
}

// formatHistory prepares persisted messages for the model: consecutive
// same-role messages collapse to the latest one, only the most recent
// maxMessages survive, and older entries are dropped once the token budget
// is spent.
func formatHistory(messages []conversation.Message, maxMessages, tokenBudget int) []llm.ChatMessage {
	if len(messages) == 0 {
		return nil
	}

	deduped := make([]conversation.Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(deduped); n > 0 && deduped[n-1].Role == msg.Role {
			deduped[n-1] = msg
			continue
		}
		deduped = append(deduped, msg)
	}

	if maxMessages > 0 && len(deduped) > maxMessages {
		deduped = deduped[len(deduped)-maxMessages:]
	}

	if tokenBudget > 0 {
		total := 0
		start := len(deduped)
		for i := len(deduped) - 1; i >= 0; i-- {
			total += countTokens(deduped[i].Text())
			if total > tokenBudget {
				break
			}
			start = i
		}
		deduped = deduped[start:]
	}

	history := make([]llm.ChatMessage, 0, len(deduped))
	for _, msg := range deduped {
		role := llm.ChatRoleUser
		if msg.Role == conversation.RoleModel {
			role = llm.ChatRoleAssistant
		}
		history = append(history, llm.ChatMessage{Role: role, Content: msg.Text()})
	}
	return history
}
