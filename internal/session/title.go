// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parleydev/parley-tui/internal/model"
)

// Title generation runs server-side and lands asynchronously: the
// generate-title endpoint returns before the title is written, so the
// client polls the listing a couple of times afterwards to pick it up.
var (
	// titleRefreshDelay is the wait before the first listing refresh
	// after requesting a title.
	titleRefreshDelay = 2 * time.Second

	// titleRefreshInterval spaces the second refresh from the first.
	// Two refreshes cover slow generation without polling forever.
	titleRefreshInterval = 2 * time.Second
)

// titleClient is the slice of the API client the title job needs.
type titleClient interface {
	GenerateTitle(ctx context.Context, conversationID, firstUserMessage, firstAssistantReply string) error
}

// TitleJob requests a server-generated title for a conversation and
// fires a fixed number of refresh signals afterwards. The refreshes are
// unconditional: they fire even when the generate request fails, since
// the backend may still title the conversation on its own.
type TitleJob struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartTitleJob kicks off title generation for conv using its first
// user/assistant exchange. onRefresh is invoked from the job goroutine
// after each scheduled delay; callers marshal it onto their own loop.
// Returns nil when the conversation has no complete exchange yet.
func StartTitleJob(ctx context.Context, client titleClient, conv *model.Conversation, onRefresh func()) *TitleJob {
	userMsg := conv.FirstUserMessage()
	assistantMsg := conv.LastAssistantMessage()
	if userMsg == nil || assistantMsg == nil || conv.IsNew() {
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &TitleJob{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go job.run(jobCtx, client, conv.ID, userMsg.Content, assistantMsg.DisplayContent(), onRefresh)
	return job
}

// Cancel stops any pending refresh timers. Safe to call more than once.
func (j *TitleJob) Cancel() {
	j.once.Do(j.cancel)
}

// Wait blocks until the job goroutine has finished.
func (j *TitleJob) Wait() {
	<-j.done
}

func (j *TitleJob) run(ctx context.Context, client titleClient, conversationID, userText, assistantText string, onRefresh func()) {
	defer close(j.done)
	defer j.Cancel()

	if err := client.GenerateTitle(ctx, conversationID, userText, assistantText); err != nil {
		// Refreshes still run; the listing may carry a title anyway.
		log.WithError(err).WithField("conversation_id", conversationID).
			Debug("title generation request failed")
	}

	delays := []time.Duration{titleRefreshDelay, titleRefreshInterval}
	for _, d := range delays {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if onRefresh != nil {
			onRefresh()
		}
	}
}
