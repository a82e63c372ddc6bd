// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/parleydev/parley-tui/internal/api"
	"github.com/parleydev/parley-tui/internal/model"
)

// ============================================================================
// Exchange state machine
// ============================================================================

// State tracks where the controller is in the request lifecycle.
type State int

const (
	// StateIdle means no exchange is running.
	StateIdle State = iota
	// StateSending means the request is in flight but no reply byte has
	// arrived yet.
	StateSending
	// StateStreaming means reply tokens are arriving.
	StateStreaming
	// StateCompleted means the exchange finished cleanly. Transient:
	// the controller returns to StateIdle after reporting the outcome.
	StateCompleted
	// StateFailed means the exchange ended in an error. Transient, like
	// StateCompleted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyMessage is returned when a submit carries no visible text.
	ErrEmptyMessage = errors.New("session: message is empty")

	// ErrExchangeInFlight is returned when a submit arrives while a
	// previous exchange is still sending or streaming.
	ErrExchangeInFlight = errors.New("session: an exchange is already in flight")
)

// transportApology is shown in place of a reply when the exchange failed
// before any assistant content arrived. Partial replies are kept as-is.
const transportApology = "Sorry, I couldn't reach the server. Please try again."

// chatBackend is the slice of the API client the controller drives.
// *api.Client satisfies it.
type chatBackend interface {
	OpenChatStream(ctx context.Context, messages []api.ChatMessage, modelID, conversationID string) (*api.StreamResponse, error)
	GenerateTitle(ctx context.Context, conversationID, firstUserMessage, firstAssistantReply string) error
}

// ============================================================================
// Controller
// ============================================================================

// Controller owns one conversation and runs its exchanges one at a time.
// Submit appends the user message synchronously and streams the reply on
// a background goroutine; callbacks fire from that goroutine and callers
// are expected to marshal them onto their own event loop.
type Controller struct {
	backend chatBackend

	mu    sync.Mutex
	conv  *model.Conversation
	state State

	exchangeDone chan struct{}
	titleJob     *TitleJob

	ctx    context.Context
	cancel context.CancelFunc

	// OnUpdate fires whenever the message list changes.
	OnUpdate func()
	// OnConversationCreated fires once, when the backend assigns a
	// server identity to a conversation started locally.
	OnConversationCreated func(conversationID string)
	// OnListingRefresh fires when the conversation listing should be
	// re-fetched, e.g. after title generation has had time to land.
	OnListingRefresh func()
}

// NewController creates a controller for conv.
func NewController(backend chatBackend, conv *model.Conversation) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		backend: backend,
		conv:    conv,
		state:   StateIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Conversation returns the conversation this controller owns.
func (c *Controller) Conversation() *model.Conversation {
	return c.conv
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLoading reports whether an exchange is in flight.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSending || c.state == StateStreaming
}

// Messages returns value snapshots of the transcript. Snapshots are
// taken under the controller lock, so callers on other goroutines never
// observe a message mid-mutation while its reply is still streaming.
func (c *Controller) Messages() []model.MessageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MessageSnapshot, len(c.conv.Messages))
	for i, msg := range c.conv.Messages {
		out[i] = msg.Snapshot()
	}
	return out
}

// Submit appends text as a user message and starts the exchange. The
// user message is visible to Messages before Submit returns; the reply
// streams in afterwards. Returns ErrEmptyMessage for whitespace-only
// input and ErrExchangeInFlight when a previous exchange has not
// finished.
func (c *Controller) Submit(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state == StateSending || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}

	firstExchange := c.conv.MessageCount() == 0
	c.conv.AddUserMessage(trimmed)
	c.state = StateSending
	done := make(chan struct{})
	c.exchangeDone = done

	wire := c.wireMessagesLocked()
	modelID := c.conv.Model
	convID := c.conv.ID
	c.mu.Unlock()

	c.notifyUpdate()
	go c.runExchange(done, wire, modelID, convID, firstExchange)
	return nil
}

// Wait blocks until the current exchange, if any, has finished.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.exchangeDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels the in-flight exchange and any pending title timers.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	job := c.titleJob
	c.mu.Unlock()
	if job != nil {
		job.Cancel()
	}
}

// wireMessagesLocked maps the transcript to the wire format. Streaming
// placeholders with no content yet are skipped.
func (c *Controller) wireMessagesLocked() []api.ChatMessage {
	out := make([]api.ChatMessage, 0, len(c.conv.Messages))
	for _, msg := range c.conv.Messages {
		content := msg.DisplayContent()
		if content == "" {
			continue
		}
		out = append(out, api.ChatMessage{
			Role:    msg.Role.String(),
			Content: content,
		})
	}
	return out
}

// runExchange drives one request/stream cycle on its own goroutine.
func (c *Controller) runExchange(done chan struct{}, wire []api.ChatMessage, modelID, convID string, firstExchange bool) {
	defer close(done)

	resp, err := c.backend.OpenChatStream(c.ctx, wire, modelID, convID)
	if err != nil {
		c.finishFailed(err, nil)
		return
	}
	defer resp.Close()

	c.adoptServerID(resp.ConversationID, firstExchange)

	c.mu.Lock()
	acc := NewAccumulator(c.conv, modelID)
	c.mu.Unlock()

	for {
		ev, err := resp.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			c.finishFailed(err, acc)
			return
		}
		if ev.Kind == api.EventDone {
			break
		}

		c.mu.Lock()
		changed := acc.Fold(ev)
		if c.state == StateSending {
			c.state = StateStreaming
		}
		c.mu.Unlock()

		if changed {
			c.notifyUpdate()
		}
	}

	c.finishCompleted(acc, firstExchange)
}

// adoptServerID applies the identity the backend assigned to a new
// conversation. Established conversations ignore the header.
func (c *Controller) adoptServerID(serverID string, firstExchange bool) {
	if serverID == "" || !firstExchange {
		return
	}

	c.mu.Lock()
	adopt := c.conv.IsNew()
	var err error
	if adopt {
		err = c.conv.AdoptID(serverID)
	}
	c.mu.Unlock()

	if !adopt {
		return
	}
	if err != nil {
		log.WithError(err).Warn("could not adopt server conversation id")
		return
	}
	if c.OnConversationCreated != nil {
		c.OnConversationCreated(serverID)
	}
}

func (c *Controller) finishCompleted(acc *Accumulator, firstExchange bool) {
	c.mu.Lock()
	final := acc.Finalize()
	if final == nil {
		// Stream closed cleanly but carried no content.
		c.conv.AddMessage(model.NewAssistantNotice(transportApology))
	}
	c.state = StateCompleted

	var job *TitleJob
	if firstExchange && final != nil {
		job = StartTitleJob(c.ctx, c.backend, c.conv, c.notifyListingRefresh)
		c.titleJob = job
	}
	c.mu.Unlock()

	c.notifyUpdate()
	c.settle()
}

// finishFailed records the failure. A partially streamed reply is kept;
// the apology appears only when nothing at all arrived.
func (c *Controller) finishFailed(cause error, acc *Accumulator) {
	log.WithError(cause).Warn("exchange failed")

	c.mu.Lock()
	hadContent := acc != nil && acc.HasContent()
	if acc != nil {
		acc.Finalize()
	}
	if !hadContent {
		c.conv.AddMessage(model.NewAssistantNotice(transportApology))
	}
	c.state = StateFailed
	c.mu.Unlock()

	c.notifyUpdate()
	c.settle()
}

// settle returns the machine to idle once the outcome has been
// reported. Completed and Failed are pass-through states: observers see
// them during the OnUpdate callback, then the controller is ready for
// the next submit.
func (c *Controller) settle() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Controller) notifyUpdate() {
	if c.OnUpdate != nil {
		c.OnUpdate()
	}
}

func (c *Controller) notifyListingRefresh() {
	if c.OnListingRefresh != nil {
		c.OnListingRefresh()
	}
}
