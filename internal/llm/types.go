// Package llm wraps the model provider behind a small client contract and a
// resilient gateway. The gateway is the only path the rest of the server uses
// for generation and embedding, so retry, circuit breaking and deadlines are
// applied uniformly.
package llm

import "context"

// ChatRole is the provider-facing role of a chat message.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of the generation history.
type ChatMessage struct {
	Role      ChatRole   `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation extracted from a model response, in response
// order.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ToolDef declares an external tool the model may call.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema
}

// NativeTools toggles provider-side capabilities independently of the
// external tool list.
type NativeTools struct {
	WebSearch     bool
	CodeExecution bool
	Maps          bool
	Vision        bool
}

// FileRef is an attachment forwarded to the provider inline.
type FileRef struct {
	Data     string `json:"data"` // base64 payload
	MimeType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
}

// GenerateOptions parameterises one generation call.
type GenerateOptions struct {
	Model           string
	Temperature     float64
	ReasoningBudget int // provider reasoning-token budget, 0 = provider default
	Stream          bool
	Native          NativeTools
	Files           []FileRef
}

// GenerateResult is the aggregated outcome of a generation call. When the
// call streamed, Text is the concatenation of every delta.
type GenerateResult struct {
	Text      string
	ToolCalls []ToolCall
}

// ChunkFunc receives streamed text deltas as they arrive. Delivery is
// best-effort; the GenerateResult is authoritative.
type ChunkFunc func(delta string)

// EmbedOptions parameterises embedding calls.
type EmbedOptions struct {
	Model     string
	Normalize bool // unit-normalise returned vectors
	BatchSize int  // max texts per provider call
}

// DefaultEmbedOptions returns the embedding defaults.
func DefaultEmbedOptions() EmbedOptions {
	return EmbedOptions{Normalize: true, BatchSize: 16}
}

// Client is the raw provider contract. Implementations perform a single
// attempt; resilience lives in the Gateway.
type Client interface {
	// GenerateWithTools runs one generation over history with the given tool
	// definitions. When opts.Stream is set and onChunk is non-nil, textual
	// deltas are forwarded as received.
	GenerateWithTools(ctx context.Context, history []ChatMessage, tools []ToolDef, opts GenerateOptions, onChunk ChunkFunc) (*GenerateResult, error)

	// EmbedBatch embeds texts in input order. len(result) == len(texts).
	EmbedBatch(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error)
}
