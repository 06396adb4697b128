// Package conversation defines the message and session domain model shared by
// the executor, the storage layers and the transport.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether the role is one of the two persisted roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Part is one ordered unit of message content: inline text or an opaque
// reference to attached media.
type Part struct {
	Text string `json:"text,omitempty"`
	// MediaRef points at an uploaded attachment (mime type + storage key).
	MediaRef *MediaRef `json:"media_ref,omitempty"`
}

// MediaRef references attached media without carrying the payload.
type MediaRef struct {
	MimeType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
	Key      string `json:"key"`
}

// ToolCallRecord captures one tool invocation associated with a model message.
type ToolCallRecord struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Args   string `json:"args,omitempty"`
	Result string `json:"result,omitempty"`
}

// Message is a single turn in a session's conversation. Messages are
// immutable after insert.
type Message struct {
	SessionID string           `json:"session_id"`
	Role      Role             `json:"role"`
	Parts     []Part           `json:"parts"`
	Timestamp time.Time        `json:"timestamp"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// NewText builds a single-part text message stamped with the current time.
func NewText(sessionID string, role Role, text string) Message {
	return Message{
		SessionID: sessionID,
		Role:      role,
		Parts:     []Part{{Text: text}},
		Timestamp: time.Now(),
	}
}

// Text concatenates the textual parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// DedupKey uniquely identifies a message within its session. The archive
// enforces the same key with a unique index so re-delivered batches collapse.
func (m Message) DedupKey() string {
	h := sha256.New()
	h.Write([]byte(m.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(m.Role))
	h.Write([]byte{0})
	h.Write([]byte(m.Text()))
	h.Write([]byte{0})
	h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Session is the archived view of one conversation.
type Session struct {
	ID             string    `json:"session_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
}
