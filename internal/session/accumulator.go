// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package session

import (
	"github.com/parleydev/parley-tui/internal/api"
	"github.com/parleydev/parley-tui/internal/model"
)

// Accumulator folds decoded stream events into a growing assistant
// message. It is scoped to one exchange: the controller creates a fresh
// one per request.
//
// The assistant message is created lazily at the first content event, so
// a reply that never arrives never leaves an empty bubble behind. Model
// announcements that precede the first content byte are remembered and
// applied when the message is created.
type Accumulator struct {
	conv           *model.Conversation
	open           *model.Message
	lastKnownModel string
}

// NewAccumulator creates an accumulator for one exchange against conv.
// requestedModel seeds the model label until the backend announces the
// model it actually routed to.
func NewAccumulator(conv *model.Conversation, requestedModel string) *Accumulator {
	return &Accumulator{
		conv:           conv,
		lastKnownModel: requestedModel,
	}
}

// Fold applies one stream event. It reports whether the message list
// changed, so callers can skip redundant UI notifications.
func (a *Accumulator) Fold(ev api.Event) bool {
	switch ev.Kind {
	case api.EventContent:
		if a.open == nil {
			a.open = model.NewStreamingAssistantMessage(a.lastKnownModel)
			a.conv.AddMessage(a.open)
		}
		a.open.AppendToken(ev.Text)
		return true

	case api.EventModel:
		a.lastKnownModel = ev.Model
		if a.open != nil {
			a.open.SetModel(ev.Model)
		}
		return a.open != nil

	case api.EventDone:
		// Control signal for the controller, not a mutation.
		return false
	}
	return false
}

// HasContent reports whether any assistant text has been accumulated.
func (a *Accumulator) HasContent() bool {
	return a.open != nil
}

// Finalize closes the open assistant message, if any, and returns it.
func (a *Accumulator) Finalize() *model.Message {
	if a.open == nil {
		return nil
	}
	a.open.FinalizeStream()
	return a.open
}
