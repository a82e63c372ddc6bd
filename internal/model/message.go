// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleydev/parley-tui/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Model is the label of the model that produced an assistant message.
	// It starts as the requested model and is overwritten when the server
	// announces the model actually used.
	Model string `json:"model,omitempty"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations while tokens arrive
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// MessageSnapshot is a read-only copy of a message taken at one point in
// time. Content holds the accumulated text for streaming messages, so
// renderers never touch the live builder.
type MessageSnapshot struct {
	ID          string
	Role        Role
	Timestamp   time.Time
	Content     string
	Model       string
	IsStreaming bool
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewStreamingAssistantMessage creates an assistant message that is open
// for token accumulation. The model label is the best label known at the
// time the first token arrives.
func NewStreamingAssistantMessage(modelLabel string) *Message {
	return &Message{
		ID:          generateMessageID(),
		Role:        RoleAssistant,
		Model:       modelLabel,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewAssistantNotice creates a finalized assistant message carrying a
// client-generated notice, such as the transport failure apology.
func NewAssistantNotice(content string) *Message {
	return NewMessage(RoleAssistant, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends a token to a streaming message. Accumulation is
// strictly monotonic: tokens are concatenated in arrival order and never
// truncated or reordered.
func (m *Message) AppendToken(token string) {
	if m.IsStreaming {
		m.streamContent.WriteString(token)
	}
}

// FinalizeStream closes a streaming message, freezing its content.
func (m *Message) FinalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// SetModel updates the model label.
func (m *Message) SetModel(label string) {
	if label != "" {
		m.Model = label
	}
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Snapshot copies the message into an immutable value. The copy is safe
// to read from any goroutine while the original is still streaming, as
// long as the caller holds whatever lock guards the writers.
func (m *Message) Snapshot() MessageSnapshot {
	return MessageSnapshot{
		ID:          m.ID,
		Role:        m.Role,
		Timestamp:   m.Timestamp,
		Content:     m.DisplayContent(),
		Model:       m.Model,
		IsStreaming: m.IsStreaming,
	}
}

// Preview returns a single-line truncated preview of the message content.
func (m *Message) Preview(maxRunes int) string {
	return util.TruncateRunes(util.CollapseWhitespace(m.DisplayContent()), maxRunes)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateMessageID creates a unique message ID.
func generateMessageID() string {
	return "msg_" + uuid.NewString()
}
