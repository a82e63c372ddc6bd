// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

// Package registry maintains the client-side list of a user's
// conversations. It mirrors the server listing, layered with optimistic
// local inserts so a conversation appears in the sidebar the moment the
// server assigns it an id, before the next listing fetch would surface
// it.
package registry

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/parleydev/parley-tui/internal/model"
)

// lister is the slice of the API client the registry needs.
type lister interface {
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
}

// Registry holds the known conversation summaries, newest first.
// All methods are safe for concurrent use.
type Registry struct {
	client lister

	mu        sync.RWMutex
	summaries []model.ConversationSummary
	subs      map[chan struct{}]struct{}
}

// New creates an empty registry backed by client.
func New(client lister) *Registry {
	return &Registry{
		client: client,
		subs:   make(map[chan struct{}]struct{}),
	}
}

// List returns a snapshot of the current summaries.
func (r *Registry) List() []model.ConversationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ConversationSummary, len(r.summaries))
	copy(out, r.summaries)
	return out
}

// Len returns the number of known conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.summaries)
}

// Get returns the summary for id, if present.
func (r *Registry) Get(id string) (model.ConversationSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.summaries {
		if s.ID == id {
			return s, true
		}
	}
	return model.ConversationSummary{}, false
}

// Refresh replaces the list with the server's listing. Duplicate ids in
// the response keep the first occurrence. On fetch error the previous
// list is left untouched and the error is returned, so a stale sidebar
// beats an empty one.
func (r *Registry) Refresh(ctx context.Context) error {
	fetched, err := r.client.ListConversations(ctx)
	if err != nil {
		log.WithError(err).Debug("conversation listing refresh failed")
		return err
	}

	deduped := dedupeByID(fetched)

	r.mu.Lock()
	r.summaries = deduped
	r.mu.Unlock()

	r.notify()
	return nil
}

// Seed populates an empty registry from a cached listing, for offline
// startup. A no-op once any entries exist, so a live Refresh always
// wins over the cache.
func (r *Registry) Seed(summaries []model.ConversationSummary) {
	r.mu.Lock()
	if len(r.summaries) > 0 {
		r.mu.Unlock()
		return
	}
	r.summaries = dedupeByID(summaries)
	r.mu.Unlock()

	r.notify()
}

// InsertOptimistic prepends a placeholder entry for a conversation the
// server just created, so it shows up before the next Refresh. A no-op
// when the id is already listed.
func (r *Registry) InsertOptimistic(id, preview string) {
	if id == "" || id == model.NewConversationID {
		return
	}

	r.mu.Lock()
	for _, s := range r.summaries {
		if s.ID == id {
			r.mu.Unlock()
			return
		}
	}
	entry := model.ConversationSummary{
		ID:      id,
		Title:   model.OptimisticTitle,
		Preview: preview,
	}
	r.summaries = append([]model.ConversationSummary{entry}, r.summaries...)
	r.mu.Unlock()

	r.notify()
}

// UpdateTitle sets the title of an existing entry in place, preserving
// its position. Unknown ids are ignored.
func (r *Registry) UpdateTitle(id, title string) {
	if title == "" {
		return
	}

	r.mu.Lock()
	updated := false
	for i := range r.summaries {
		if r.summaries[i].ID == id {
			updated = r.summaries[i].Title != title
			r.summaries[i].Title = title
			break
		}
	}
	r.mu.Unlock()

	if updated {
		r.notify()
	}
}

// Subscribe returns a channel that receives a signal whenever the list
// changes. The channel has a buffer of one; coalesced signals are fine
// since subscribers re-read via List.
func (r *Registry) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe.
func (r *Registry) Unsubscribe(ch chan struct{}) {
	r.mu.Lock()
	delete(r.subs, ch)
	r.mu.Unlock()
}

func (r *Registry) notify() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// dedupeByID keeps the first occurrence of each id, preserving order.
func dedupeByID(in []model.ConversationSummary) []model.ConversationSummary {
	seen := make(map[string]struct{}, len(in))
	out := make([]model.ConversationSummary, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}
