// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package chat provides the chat view component for the parley TUI.
package chat

import (
	"time"

	"github.com/parleydev/parley-tui/internal/model"
)

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// TranscriptUpdatedMsg signals that the conversation's message list
// changed. The view re-reads the transcript from the controller.
type TranscriptUpdatedMsg struct{}

// ConversationCreatedMsg carries the server-assigned id of a
// conversation that was started locally.
type ConversationCreatedMsg struct {
	ID string
}

// ListingRefreshRequestMsg asks the UI to re-fetch the conversation
// listing, typically after title generation has had time to land.
type ListingRefreshRequestMsg struct{}

// ListingRefreshedMsg carries the result of a listing refresh.
type ListingRefreshedMsg struct {
	Summaries []model.ConversationSummary
	Err       error
}

// ConversationOpenedMsg carries a conversation loaded from the local
// cache after a sidebar selection.
type ConversationOpenedMsg struct {
	Conversation *model.Conversation
	Err          error
}

// RenderTickMsg drives throttled re-rendering during streaming.
type RenderTickMsg struct {
	Time time.Time
}
