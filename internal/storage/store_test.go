// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleydev/parley-tui/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func identifiedConversation(t *testing.T, id string) *model.Conversation {
	t.Helper()
	conv := model.NewConversation("deepseek")
	require.NoError(t, conv.AdoptID(id))
	conv.Title = "Go questions"
	conv.AddUserMessage("What is a goroutine?")
	reply := model.NewStreamingAssistantMessage("deepseek")
	reply.AppendToken("A lightweight thread.")
	reply.FinalizeStream()
	conv.AddMessage(reply)
	return conv
}

func TestSaveAndLoadConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv := identifiedConversation(t, "conv_1")

	require.NoError(t, store.SaveConversation(ctx, conv))

	loaded, err := store.LoadConversation(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, "conv_1", loaded.ID)
	assert.Equal(t, "Go questions", loaded.Title)
	assert.Equal(t, "deepseek", loaded.Model)

	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, model.RoleUser, loaded.Messages[0].Role)
	assert.Equal(t, "What is a goroutine?", loaded.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, loaded.Messages[1].Role)
	assert.Equal(t, "A lightweight thread.", loaded.Messages[1].Content)
	assert.Equal(t, "deepseek", loaded.Messages[1].Model)
}

func TestSaveReplacesTranscript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv := identifiedConversation(t, "conv_1")
	require.NoError(t, store.SaveConversation(ctx, conv))

	conv.AddUserMessage("And a channel?")
	require.NoError(t, store.SaveConversation(ctx, conv))

	loaded, err := store.LoadConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3, "re-saving must not duplicate messages")
	assert.Equal(t, "And a channel?", loaded.Messages[2].Content)
}

func TestSaveSkipsUnidentifiedConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := model.NewConversation("auto")
	conv.AddUserMessage("Hello")
	require.NoError(t, store.SaveConversation(ctx, conv))

	_, err := store.LoadConversation(ctx, model.NewConversationID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSaveSkipsEmptyStreamingPlaceholders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := identifiedConversation(t, "conv_1")
	conv.AddMessage(model.NewStreamingAssistantMessage("auto")) // no content yet
	require.NoError(t, store.SaveConversation(ctx, conv))

	loaded, err := store.LoadConversation(ctx, "conv_1")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 2)
}

func TestLoadMissingConversation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadConversation(context.Background(), "conv_missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestDeleteConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveConversation(ctx, identifiedConversation(t, "conv_1")))

	require.NoError(t, store.DeleteConversation(ctx, "conv_1"))
	_, err := store.LoadConversation(ctx, "conv_1")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	assert.ErrorIs(t, store.DeleteConversation(ctx, "conv_1"), ErrConversationNotFound)
}

func TestListingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	listing := []model.ConversationSummary{
		{ID: "conv_2", Title: "Second", Preview: "latest question", CreatedAt: now},
		{ID: "conv_1", Title: "First", Preview: "older question", CreatedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, store.SaveListing(ctx, listing))

	loaded, err := store.LoadListing(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "conv_2", loaded[0].ID, "stored order is preserved")
	assert.Equal(t, "Second", loaded[0].Title)
	assert.Equal(t, "latest question", loaded[0].Preview)
	assert.True(t, loaded[0].CreatedAt.Equal(now))

	// A later save fully replaces the cache.
	require.NoError(t, store.SaveListing(ctx, listing[:1]))
	loaded, err = store.LoadListing(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestExportMarkdown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveConversation(ctx, identifiedConversation(t, "conv_1")))

	md, err := store.ExportMarkdown(ctx, "conv_1")
	require.NoError(t, err)
	assert.Contains(t, md, "# Go questions")
	assert.Contains(t, md, "**You**")
	assert.Contains(t, md, "What is a goroutine?")
	assert.Contains(t, md, "**Assistant**")
	assert.Contains(t, md, "A lightweight thread.")
}
