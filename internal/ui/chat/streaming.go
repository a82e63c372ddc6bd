// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// This file implements streaming render throttling for smooth,
// flicker-free output while reply tokens arrive. Token updates mark the
// transcript dirty; the view re-renders at a capped frame rate instead
// of once per token, which keeps CPU usage flat on fast streams.
package chat

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// RENDER THROTTLE
// =============================================================================

// RenderThrottle coalesces transcript updates into rate-limited renders.
// Update marks happen on the streaming goroutine while render checks
// happen on the main Bubble Tea loop, so all state is mutex-protected.
type RenderThrottle struct {
	mu         sync.Mutex
	dirty      bool
	pending    int
	lastRender time.Time

	// Configuration
	batchSize   int           // Marks per forced render (default: 15)
	minInterval time.Duration // Min time between renders (1000ms / maxFPS)
}

// NewRenderThrottle creates a throttle capped at maxFPS renders per
// second. Out-of-range values fall back to 30fps with a batch of 15.
func NewRenderThrottle(batchSize, maxFPS int) *RenderThrottle {
	if batchSize <= 0 {
		batchSize = 15
	}
	if maxFPS <= 0 || maxFPS > 60 {
		maxFPS = 30
	}

	return &RenderThrottle{
		batchSize:   batchSize,
		minInterval: time.Duration(1000/maxFPS) * time.Millisecond,
		lastRender:  time.Now(),
	}
}

// Mark records a transcript change. Called once per token update.
func (rt *RenderThrottle) Mark() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.dirty = true
	rt.pending++
}

// ShouldRender reports whether a render is due and, when it is, resets
// the dirty state. A render is due when enough marks have accumulated
// or enough time has passed since the last one.
func (rt *RenderThrottle) ShouldRender() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.dirty {
		return false
	}
	if rt.pending < rt.batchSize && time.Since(rt.lastRender) < rt.minInterval {
		return false
	}

	rt.dirty = false
	rt.pending = 0
	rt.lastRender = time.Now()
	return true
}

// Flush forces the next ShouldRender-style check to succeed if anything
// is pending, regardless of thresholds. Used when a stream completes so
// the final tokens are never held back.
func (rt *RenderThrottle) Flush() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.dirty {
		return false
	}
	rt.dirty = false
	rt.pending = 0
	rt.lastRender = time.Now()
	return true
}

// Pending returns the number of unrendered marks.
func (rt *RenderThrottle) Pending() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending
}

// Reset clears pending state, e.g. when switching conversations.
func (rt *RenderThrottle) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.dirty = false
	rt.pending = 0
	rt.lastRender = time.Now()
}

// renderTickCmd creates a tea.Cmd that sends RenderTickMsg at ~30fps,
// driving throttled renders while a reply streams.
func renderTickCmd() tea.Cmd {
	return tea.Tick(33*time.Millisecond, func(t time.Time) tea.Msg {
		return RenderTickMsg{Time: t}
	})
}
