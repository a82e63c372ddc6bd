// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package api implements the HTTP client for the parley chat backend.
//
// The backend exposes three endpoints the client consumes: a streaming
// chat completions endpoint, a best-effort title-generation endpoint, and
// a conversations listing endpoint. Completions are delivered as a
// newline-delimited "data: " event stream terminated by a [DONE] sentinel;
// Decoder turns that byte stream into structured events.
package api
