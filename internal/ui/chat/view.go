// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/parleydev/parley-tui/internal/model"
	"github.com/parleydev/parley-tui/internal/util"
)

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderSidebar(),
		m.viewport.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		main,
		m.renderInput(),
		m.renderStatusBar(),
	)
}

func (m *Model) renderHeader() string {
	brand := m.theme.HeaderBrand.Render("parley")
	title := m.theme.HeaderTitle.Render(m.conversationTitle())
	return m.theme.Header.Width(m.width).Render(brand + "  " + title)
}

func (m *Model) conversationTitle() string {
	conv := m.controller.Conversation()
	if conv.Title != "" {
		return conv.Title
	}
	return model.DefaultTitle
}

func (m *Model) renderInput() string {
	return m.theme.InputContainer.Width(m.width).Render(m.input.View())
}

func (m *Model) renderStatusBar() string {
	if m.statusErr && m.status != "" {
		return m.theme.StatusBar.Width(m.width).Render(
			m.theme.StatusError.Render(m.status))
	}

	left := m.status
	if left == "" {
		if m.controller.IsLoading() {
			left = m.spin.View() + m.theme.ThinkingText.Render(" thinking")
		} else {
			left = m.theme.ShortcutKey.Render("enter") + m.theme.ShortcutDesc.Render(" send  ") +
				m.theme.ShortcutKey.Render("tab") + m.theme.ShortcutDesc.Render(" sidebar  ") +
				m.theme.ShortcutKey.Render("ctrl+n") + m.theme.ShortcutDesc.Render(" new  ") +
				m.theme.ShortcutKey.Render("ctrl+c") + m.theme.ShortcutDesc.Render(" quit")
		}
	}
	return m.theme.StatusBar.Width(m.width).Render(left)
}

// =============================================================================
// SIDEBAR
// =============================================================================

func (m *Model) renderSidebar() string {
	var sb strings.Builder
	sb.WriteString(m.theme.SidebarTitle.Render("Conversations"))
	sb.WriteString("\n\n")

	listing := m.registry.List()
	if len(listing) == 0 {
		sb.WriteString(m.theme.SidebarMeta.Render("No conversations yet"))
	}

	activeID := m.controller.Conversation().ID
	// UNICODE: width-aware truncation keeps CJK titles inside the column
	for i, sum := range listing {
		label := util.TruncateWidth(sum.DisplayTitle(), sidebarWidth-4)
		style := m.theme.SidebarItem
		if m.sidebarFocused && i == m.selected {
			style = m.theme.SidebarItemSelected
		}
		marker := "  "
		if sum.ID == activeID {
			marker = "* "
		}
		sb.WriteString(style.Render(marker + label))
		sb.WriteString("\n")
	}

	return m.theme.Sidebar.
		Width(sidebarWidth).
		Height(m.viewport.Height).
		Render(sb.String())
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// rebuildViewport re-renders the transcript into the viewport and
// follows the tail.
func (m *Model) rebuildViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m *Model) renderTranscript() string {
	msgs := m.controller.Messages()
	if len(msgs) == 0 {
		return m.theme.ThinkingText.Render("Start a conversation - type a message and press enter.")
	}

	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		parts = append(parts, m.renderMessage(msg))
	}
	return strings.Join(parts, "\n")
}

func (m *Model) renderMessage(msg model.MessageSnapshot) string {
	label := m.theme.MessageLabel.Render(msg.Role.DisplayName())
	meta := m.theme.MessageTime.Render(msg.Timestamp.Format("15:04"))
	if m.cfg.UI.ShowModel && msg.Role == model.RoleAssistant && msg.Model != "" {
		meta = m.theme.MessageModel.Render(msg.Model) + " " + meta
	}
	header := label + " " + meta

	content := msg.Content
	if msg.Role == model.RoleAssistant && !msg.IsStreaming {
		content = m.renderMarkdown(content)
	}

	bubble := m.theme.UserBubble
	if msg.Role == model.RoleAssistant {
		bubble = m.theme.AssistantBubble
	}

	width := m.viewport.Width - 6
	if width < 20 {
		width = 20
	}
	return header + "\n" + bubble.Width(width).Render(content) + "\n"
}

// renderMarkdown renders assistant markdown for terminal display.
// Returns the original content if rendering fails. Streaming messages
// stay plain until finalized, since partial markdown renders poorly.
func (m *Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return content
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(rendered)
}
