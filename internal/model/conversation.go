// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"time"

	"github.com/parleydev/parley-tui/internal/util"
)

// NewConversationID is the sentinel identity of a conversation that has
// not been persisted server-side yet. The server assigns the real id
// during the first streamed exchange.
const NewConversationID = "new"

// ErrAlreadyIdentified is returned when adopting a server-assigned id
// onto a conversation that already has one.
var ErrAlreadyIdentified = errors.New("conversation already has a server-assigned id")

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the live message list for one chat session.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages, in chronological send order. Append-only: the core never
	// reorders or deletes.
	Messages []*Message `json:"messages"`

	// Model is the requested model identifier ("auto" lets the backend pick).
	Model string `json:"model"`
}

// NewConversation creates an unidentified conversation.
func NewConversation(modelID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        NewConversationID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
		Model:     modelID,
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

// IsNew reports whether the conversation has no server-assigned identity.
func (c *Conversation) IsNew() bool {
	return c.ID == NewConversationID || c.ID == ""
}

// AdoptID transitions the conversation from the "new" sentinel to a
// server-assigned id. The transition happens at most once.
func (c *Conversation) AdoptID(id string) error {
	if !c.IsNew() {
		return ErrAlreadyIdentified
	}
	c.ID = id
	c.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// AddUserMessage creates and appends a user message.
func (c *Conversation) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	c.AddMessage(msg)
	return msg
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// LastAssistantMessage returns the most recent assistant message, or nil.
func (c *Conversation) LastAssistantMessage() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i]
		}
	}
	return nil
}

// FirstUserMessage returns the oldest user message, or nil.
func (c *Conversation) FirstUserMessage() *Message {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			return msg
		}
	}
	return nil
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// Preview returns a short single-line preview of the conversation.
func (c *Conversation) Preview() string {
	first := c.FirstUserMessage()
	if first == nil {
		return ""
	}
	return first.Preview(80)
}

// =============================================================================
// CONVERSATION SUMMARY
// =============================================================================

// DefaultTitle is shown for conversations that have no title yet.
const DefaultTitle = "New Conversation"

// OptimisticTitle is the placeholder used when a new conversation id is
// observed before the backend has generated a real title.
const OptimisticTitle = "New Chat"

// ConversationSummary is a lightweight registry entry backing the
// conversation list UI.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Preview   string    `json:"preview"`
}

// DisplayTitle returns the title to render: the stored title, a derived
// fallback from the preview (first 50 characters plus ellipsis), or the
// fixed default when neither exists.
func (s ConversationSummary) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	if s.Preview != "" {
		return util.TruncateRunes(util.CollapseWhitespace(s.Preview), 53)
	}
	return DefaultTitle
}
