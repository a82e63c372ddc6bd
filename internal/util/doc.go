// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package util provides small shared helpers for the parley client:
// rune- and width-aware string truncation and atomic file writes.
package util
