// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package model contains the data structures for conversations and messages.
//
// A Conversation owns an ordered, append-only message list for one chat
// session. Messages are mutable only while a response is streaming into
// them; once finalized they are read-only, except for the model label
// backfill performed when the server announces which model replied.
package model
