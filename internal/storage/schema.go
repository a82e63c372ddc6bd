// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package storage caches conversations locally in SQLite so transcripts
// and the sidebar listing survive restarts and brief offline stretches.
package storage

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// SQLite schema for the local conversation cache.
const schema = `
-- Metadata table for schema version and cache state
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- Conversations table: one row per server-identified conversation
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,  -- Unix timestamp
    updated_at INTEGER NOT NULL   -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);

-- Messages table: ordered transcript per conversation
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,         -- Position within the conversation
    role TEXT NOT NULL,           -- user, assistant
    content TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,   -- Unix timestamp
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, seq);

-- Listing cache: last known server listing, for offline startup
CREATE TABLE IF NOT EXISTS listing (
    position INTEGER PRIMARY KEY,
    id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
`

// initMetadata seeds the metadata table with default values.
const initMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`
