// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/parleydev/parley-tui/internal/model"
)

// ErrConversationNotFound is returned when a conversation is not cached.
var ErrConversationNotFound = errors.New("storage: conversation not found")

// Store is the local conversation cache. It is backed by a single
// SQLite database under the user's data directory.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default cache location, ~/.parley/parley.db.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".parley", "parley.db"), nil
}

// Open opens (creating if needed) the cache at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(initMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed metadata: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TRANSCRIPT OPERATIONS
// =============================================================================

// SaveConversation upserts a conversation and replaces its transcript in
// one transaction. Conversations the server has not identified yet are
// skipped, since their id is a local placeholder.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.IsNew() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Title, conv.Model,
		conv.CreatedAt.Unix(), time.Now().Unix())
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, model, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, msg := range conv.Messages {
		content := msg.DisplayContent()
		if content == "" {
			continue
		}
		_, err := stmt.ExecContext(ctx, msg.ID, conv.ID, i,
			msg.Role.String(), content, msg.Model, msg.Timestamp.Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadConversation reads a cached conversation and its transcript.
func (s *Store) LoadConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.Model, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, model, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg model.Message
		var role string
		var ts int64
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Model, &ts); err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		msg.Timestamp = time.Unix(ts, 0)
		conv.Messages = append(conv.Messages, &msg)
	}
	return conv, rows.Err()
}

// DeleteConversation removes a conversation and its transcript.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// =============================================================================
// LISTING CACHE
// =============================================================================

// SaveListing replaces the cached sidebar listing with summaries,
// preserving their order.
func (s *Store) SaveListing(ctx context.Context, summaries []model.ConversationSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM listing`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listing (position, id, title, preview, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sum := range summaries {
		if _, err := stmt.ExecContext(ctx, i, sum.ID, sum.Title, sum.Preview, sum.CreatedAt.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadListing returns the cached sidebar listing in its stored order.
func (s *Store) LoadListing(ctx context.Context) ([]model.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, preview, created_at
		FROM listing ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var sum model.ConversationSummary
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Preview, &createdAt); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSCRIPT EXPORT
// =============================================================================

// ExportMarkdown renders a cached conversation as Markdown.
func (s *Store) ExportMarkdown(ctx context.Context, id string) (string, error) {
	conv, err := s.LoadConversation(ctx, id)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	title := conv.Title
	if title == "" {
		title = model.DefaultTitle
	}
	sb.WriteString("# " + title + "\n\n")
	sb.WriteString("Created: " + conv.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range conv.Messages {
		sb.WriteString("**" + msg.Role.DisplayName() + "** (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String(), nil
}
