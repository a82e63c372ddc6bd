// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package session owns the request lifecycle for one live conversation.
//
// The Controller runs an explicit state machine (Idle, Sending, Streaming,
// Completed, Failed) around each exchange: it appends the user message,
// opens the completion stream, folds decoded events into the message list
// through the Accumulator, detects mid-stream conversation identity
// assignment, and kicks off detached title generation after the first
// successful exchange. At most one exchange is in flight per session;
// concurrent submits are dropped.
package session
