// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package chat

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	log "github.com/sirupsen/logrus"

	"github.com/parleydev/parley-tui/internal/api"
	"github.com/parleydev/parley-tui/internal/config"
	"github.com/parleydev/parley-tui/internal/model"
	"github.com/parleydev/parley-tui/internal/registry"
	"github.com/parleydev/parley-tui/internal/session"
	"github.com/parleydev/parley-tui/internal/storage"
	"github.com/parleydev/parley-tui/internal/ui/styles"
)

const (
	sidebarWidth = 28

	// persistTimeout bounds local cache writes so a stuck disk never
	// blocks the event loop's command goroutines for long.
	persistTimeout = 5 * time.Second
)

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view. It owns the input,
// transcript viewport, and conversation sidebar, and drives exchanges
// through a session.Controller.
type Model struct {
	cfg   *config.Config
	theme *styles.Theme
	keys  keyMap

	client   *api.Client
	registry *registry.Registry
	store    *storage.Store

	controller *session.Controller
	send       func(tea.Msg)

	input    textinput.Model
	viewport viewport.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer
	throttle *RenderThrottle

	width  int
	height int
	ready  bool

	sidebarFocused bool
	selected       int

	status    string
	statusErr bool
}

// New creates the chat model. store may be nil when transcript caching
// is disabled.
func New(cfg *config.Config, client *api.Client, reg *registry.Registry, store *storage.Store) *Model {
	input := textinput.New()
	input.Placeholder = "Ask anything..."
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	// Markdown renderer for assistant replies. Falls back to plain text
	// when initialization fails (e.g. exotic terminals).
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		log.WithError(err).Debug("markdown renderer unavailable, using plain text")
		renderer = nil
	}

	m := &Model{
		cfg:      cfg,
		theme:    styles.NewTheme(),
		keys:     defaultKeyMap(),
		client:   client,
		registry: reg,
		store:    store,
		input:    input,
		spin:     spin,
		renderer: renderer,
		throttle: NewRenderThrottle(15, 30),
	}
	m.spin.Style = m.theme.Spinner
	m.controller = m.newController(model.NewConversation(cfg.Chat.Model))
	return m
}

// BindProgram wires controller callbacks to the running program's event
// loop. Must be called before the first Submit.
func (m *Model) BindProgram(p *tea.Program) {
	m.send = p.Send
}

// post delivers a message to the event loop from a background goroutine.
func (m *Model) post(msg tea.Msg) {
	if m.send != nil {
		m.send(msg)
	}
}

// newController builds a controller for conv with callbacks posting to
// the event loop.
func (m *Model) newController(conv *model.Conversation) *session.Controller {
	ctrl := session.NewController(m.client, conv)
	ctrl.OnUpdate = func() {
		m.post(TranscriptUpdatedMsg{})
	}
	ctrl.OnConversationCreated = func(id string) {
		m.post(ConversationCreatedMsg{ID: id})
	}
	ctrl.OnListingRefresh = func() {
		m.post(ListingRefreshRequestMsg{})
	}
	return ctrl
}

// Controller exposes the active controller, for shutdown handling.
func (m *Model) Controller() *session.Controller {
	return m.controller
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.refreshListingCmd(),
	)
}

// =============================================================================
// COMMANDS
// =============================================================================

// refreshListingCmd fetches the server listing into the registry.
func (m *Model) refreshListingCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), api.DefaultTimeout)
		defer cancel()

		err := m.registry.Refresh(ctx)
		return ListingRefreshedMsg{Summaries: m.registry.List(), Err: err}
	}
}

// openConversationCmd loads a cached transcript for a sidebar selection.
func (m *Model) openConversationCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if m.store == nil {
			return ConversationOpenedMsg{Err: storage.ErrConversationNotFound}
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		conv, err := m.store.LoadConversation(ctx, id)
		return ConversationOpenedMsg{Conversation: conv, Err: err}
	}
}

// persistTranscriptCmd writes the active conversation to the local cache.
func (m *Model) persistTranscriptCmd() tea.Cmd {
	if m.store == nil || !m.cfg.Chat.SaveTranscripts {
		return nil
	}
	conv := m.controller.Conversation()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := m.store.SaveConversation(ctx, conv); err != nil {
			log.WithError(err).Warn("could not cache transcript")
		}
		return nil
	}
}

// persistListingCmd mirrors the registry snapshot into the local cache.
func (m *Model) persistListingCmd() tea.Cmd {
	if m.store == nil {
		return nil
	}
	snapshot := m.registry.List()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := m.store.SaveListing(ctx, snapshot); err != nil {
			log.WithError(err).Warn("could not cache listing")
		}
		return nil
	}
}

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TranscriptUpdatedMsg:
		m.throttle.Mark()
		if !m.controller.IsLoading() {
			// Stream finished (or a synchronous append): render now and
			// persist the transcript.
			m.throttle.Flush()
			m.rebuildViewport()
			return m, m.persistTranscriptCmd()
		}
		return m, nil

	case RenderTickMsg:
		if m.throttle.ShouldRender() {
			m.rebuildViewport()
		}
		if m.controller.IsLoading() {
			return m, renderTickCmd()
		}
		return m, nil

	case ConversationCreatedMsg:
		preview := ""
		if first := m.controller.Conversation().FirstUserMessage(); first != nil {
			preview = first.Content
		}
		m.registry.InsertOptimistic(msg.ID, preview)
		if m.controller.IsLoading() {
			// Mid-stream; the transcript is persisted once the
			// exchange settles rather than racing the accumulator.
			return m, nil
		}
		return m, m.persistTranscriptCmd()

	case ListingRefreshRequestMsg:
		return m, m.refreshListingCmd()

	case ListingRefreshedMsg:
		return m.handleListingRefreshed(msg)

	case ConversationOpenedMsg:
		return m.handleConversationOpened(msg)

	case spinner.TickMsg:
		if !m.controller.IsLoading() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	chromeHeight := 4 // header + input + status bar
	vpWidth := msg.Width - sidebarWidth - 2
	if vpWidth < 20 {
		vpWidth = msg.Width
	}

	if !m.ready {
		m.viewport = viewport.New(vpWidth, msg.Height-chromeHeight)
		m.ready = true
	} else {
		m.viewport.Width = vpWidth
		m.viewport.Height = msg.Height - chromeHeight
	}
	m.input.Width = msg.Width - 6

	m.rebuildViewport()
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		// Wait for the exchange goroutine to wind down before the
		// persist command reads the transcript.
		m.controller.Close()
		m.controller.Wait()
		return m, tea.Sequence(m.persistTranscriptCmd(), tea.Quit)

	case key.Matches(msg, m.keys.Sidebar):
		m.sidebarFocused = !m.sidebarFocused
		if m.sidebarFocused {
			m.input.Blur()
		} else {
			m.input.Focus()
		}
		return m, nil
	}

	if m.sidebarFocused {
		return m.handleSidebarKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.NewChat):
		return m.startNewConversation()

	case key.Matches(msg, m.keys.Refresh):
		return m, m.refreshListingCmd()

	case key.Matches(msg, m.keys.Scroll), key.Matches(msg, m.keys.ScrollEnd):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleSidebarKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	listing := m.registry.List()

	switch {
	case key.Matches(msg, m.keys.PrevConv):
		if m.selected > 0 {
			m.selected--
		}
	case key.Matches(msg, m.keys.NextConv):
		if m.selected < len(listing)-1 {
			m.selected++
		}
	case key.Matches(msg, m.keys.Open):
		if m.selected >= 0 && m.selected < len(listing) {
			return m, m.openConversationCmd(listing[m.selected].ID)
		}
	}
	return m, nil
}

// submit sends the input as a user message.
func (m *Model) submit() (tea.Model, tea.Cmd) {
	err := m.controller.Submit(m.input.Value())
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return m, nil
	case errors.Is(err, session.ErrExchangeInFlight):
		m.setStatus("Still replying - hang on", true)
		return m, nil
	case err != nil:
		m.setStatus(err.Error(), true)
		return m, nil
	}

	m.input.Reset()
	m.setStatus("", false)
	return m, tea.Batch(m.spin.Tick, renderTickCmd())
}

// startNewConversation persists the current transcript and swaps in a
// fresh controller.
func (m *Model) startNewConversation() (tea.Model, tea.Cmd) {
	if m.controller.IsLoading() {
		m.setStatus("Still replying - hang on", true)
		return m, nil
	}

	persist := m.persistTranscriptCmd()
	m.controller.Close()
	m.controller = m.newController(model.NewConversation(m.cfg.Chat.Model))
	m.throttle.Reset()
	m.rebuildViewport()
	m.setStatus("", false)
	return m, persist
}

func (m *Model) handleListingRefreshed(msg ListingRefreshedMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		// Fall back to the cached listing the first time around.
		if m.registry.Len() == 0 && m.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if cached, err := m.store.LoadListing(ctx); err == nil && len(cached) > 0 {
				m.registry.Seed(cached)
				m.setStatus("Offline - showing cached conversations", true)
				return m, nil
			}
		}
		m.setStatus("Could not load conversations", true)
		return m, nil
	}

	// Pick up a freshly generated title for the open conversation.
	conv := m.controller.Conversation()
	if sum, ok := m.registry.Get(conv.ID); ok && sum.Title != "" {
		conv.Title = sum.Title
	}

	if m.selected >= len(msg.Summaries) {
		m.selected = 0
	}
	m.setStatus("", false)
	return m, m.persistListingCmd()
}

func (m *Model) handleConversationOpened(msg ConversationOpenedMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.setStatus("Transcript not cached yet", true)
		return m, nil
	}

	m.controller.Close()
	m.controller.Wait()
	persist := m.persistTranscriptCmd()
	m.controller = m.newController(msg.Conversation)
	m.throttle.Reset()
	m.sidebarFocused = false
	m.input.Focus()
	m.rebuildViewport()
	m.setStatus("", false)
	return m, persist
}

func (m *Model) setStatus(text string, isErr bool) {
	m.status = text
	m.statusErr = isErr
}
