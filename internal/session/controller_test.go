// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package session

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleydev/parley-tui/internal/api"
	"github.com/parleydev/parley-tui/internal/model"
)

// streamHandler answers /api/chat with the given SSE lines and accepts
// /api/generate-title so title jobs don't pollute test logs.
func streamHandler(convID string, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate-title" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if convID != "" {
			w.Header().Set(api.HeaderConversationID, convID)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	}
}

func newTestController(t *testing.T, handler http.Handler) (*Controller, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := api.NewClient("pk-test-key", "user_1").WithBaseURL(server.URL)
	ctrl := NewController(client, model.NewConversation("auto"))
	t.Cleanup(ctrl.Close)
	return ctrl, server
}

func TestSubmitAppendsUserMessageSynchronously(t *testing.T) {
	ctrl, _ := newTestController(t, streamHandler("conv_1", []string{
		`data: {"content":"Hi"}`,
		`data: [DONE]`,
	}))

	require.NoError(t, ctrl.Submit("  Hello there  "))

	// The user bubble is visible before any network round trip resolves.
	msgs := ctrl.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[0].Content, "input is trimmed")

	ctrl.Wait()
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	ctrl, _ := newTestController(t, streamHandler("", nil))

	assert.ErrorIs(t, ctrl.Submit(""), ErrEmptyMessage)
	assert.ErrorIs(t, ctrl.Submit("   \n\t "), ErrEmptyMessage)
	assert.Equal(t, 0, len(ctrl.Messages()))
}

func TestSingleExchangeInFlight(t *testing.T) {
	release := make(chan struct{})
	ctrl, _ := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"content\":\"thinking\"}\n")
		flusher.Flush()
		<-release
		io.WriteString(w, "data: [DONE]\n")
	}))

	require.NoError(t, ctrl.Submit("first"))

	// Wait until the reply has started streaming.
	require.Eventually(t, func() bool {
		return ctrl.State() == StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, ctrl.Submit("second"), ErrExchangeInFlight)
	assert.True(t, ctrl.IsLoading())

	close(release)
	ctrl.Wait()
	assert.Equal(t, StateIdle, ctrl.State())

	// The dropped submit left no trace in the transcript.
	for _, msg := range ctrl.Messages() {
		assert.NotEqual(t, "second", msg.Content)
	}
}

func TestStreamedReplyAccumulates(t *testing.T) {
	ctrl, _ := newTestController(t, streamHandler("conv_1", []string{
		`data: {"model":"deepseek"}`,
		`data: {"content":"Hello"}`,
		`data: {"content":" world"}`,
		`data: [DONE]`,
	}))

	var updates atomic.Int32
	ctrl.OnUpdate = func() { updates.Add(1) }

	require.NoError(t, ctrl.Submit("Hi"))
	ctrl.Wait()

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	reply := msgs[1]
	assert.Equal(t, model.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello world", reply.Content)
	assert.Equal(t, "deepseek", reply.Model)
	assert.False(t, reply.IsStreaming)
	assert.GreaterOrEqual(t, updates.Load(), int32(3), "submit plus each token notifies")
}

func TestTransportFailureApology(t *testing.T) {
	ctrl, _ := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))

	require.NoError(t, ctrl.Submit("Hi"))
	ctrl.Wait()

	assert.Equal(t, StateIdle, ctrl.State())
	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, transportApology, msgs[1].Content)
}

func TestMidStreamFailureKeepsPartialReply(t *testing.T) {
	ctrl, _ := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"content\":\"partial reply\"}\n")
		flusher.Flush()

		// Drop the connection mid-stream without a terminator.
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))

	require.NoError(t, ctrl.Submit("Hi"))
	ctrl.Wait()

	// The partial text survives and no apology replaces it.
	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial reply", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	for _, msg := range msgs {
		assert.NotEqual(t, transportApology, msg.Content)
	}
}

func TestEmptyStreamProducesApology(t *testing.T) {
	ctrl, _ := newTestController(t, streamHandler("conv_1", []string{
		`data: [DONE]`,
	}))

	require.NoError(t, ctrl.Submit("Hi"))
	ctrl.Wait()

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transportApology, msgs[1].Content)
}

func TestServerConversationIDAdoption(t *testing.T) {
	ctrl, _ := newTestController(t, streamHandler("conv_42", []string{
		`data: {"content":"Hi"}`,
		`data: [DONE]`,
	}))

	var created []string
	var mu sync.Mutex
	ctrl.OnConversationCreated = func(id string) {
		mu.Lock()
		created = append(created, id)
		mu.Unlock()
	}

	require.NoError(t, ctrl.Submit("first"))
	ctrl.Wait()

	assert.Equal(t, "conv_42", ctrl.Conversation().ID)
	mu.Lock()
	assert.Equal(t, []string{"conv_42"}, created)
	mu.Unlock()

	// A second exchange must not re-fire creation or change identity.
	require.NoError(t, ctrl.Submit("second"))
	ctrl.Wait()

	assert.Equal(t, "conv_42", ctrl.Conversation().ID)
	mu.Lock()
	assert.Len(t, created, 1)
	mu.Unlock()
}

func TestFirstExchangeSchedulesTitleJob(t *testing.T) {
	restoreTitleDelays(t, 20*time.Millisecond)

	var titleRequests atomic.Int32
	ctrl, _ := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate-title" {
			titleRequests.Add(1)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		streamHandler("conv_7", []string{
			`data: {"content":"Hi"}`,
			`data: [DONE]`,
		})(w, r)
	}))

	var refreshes atomic.Int32
	ctrl.OnListingRefresh = func() { refreshes.Add(1) }

	require.NoError(t, ctrl.Submit("first"))
	ctrl.Wait()

	require.Eventually(t, func() bool {
		return refreshes.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), titleRequests.Load())

	// Later exchanges never retitle.
	require.NoError(t, ctrl.Submit("second"))
	ctrl.Wait()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), titleRequests.Load())
	assert.Equal(t, int32(2), refreshes.Load())
}

func TestMessagesSafeToReadWhileStreaming(t *testing.T) {
	// A long token stream read concurrently the way the render loop
	// does: snapshots must never expose a reply mid-mutation. Run with
	// -race to verify.
	lines := make([]string, 0, 501)
	for i := 0; i < 500; i++ {
		lines = append(lines, `data: {"content":"tok "}`)
	}
	lines = append(lines, `data: [DONE]`)
	ctrl, _ := newTestController(t, streamHandler("conv_1", lines))

	require.NoError(t, ctrl.Submit("Hi"))

	stop := make(chan struct{})
	var readerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prev := ""
		for {
			for _, msg := range ctrl.Messages() {
				if msg.Role != model.RoleAssistant {
					continue
				}
				if !strings.HasPrefix(msg.Content, prev) {
					readerErr = fmt.Errorf("content regressed: %q then %q", prev, msg.Content)
					return
				}
				prev = msg.Content
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	ctrl.Wait()
	close(stop)
	wg.Wait()

	require.NoError(t, readerErr, "accumulation is monotonic across snapshots")
	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, strings.Repeat("tok ", 500), msgs[1].Content)
}

func TestExchangeSettlesToIdle(t *testing.T) {
	ctrl, _ := newTestController(t, streamHandler("conv_1", []string{
		`data: {"content":"Hi"}`,
		`data: [DONE]`,
	}))

	var mu sync.Mutex
	var seen []State
	ctrl.OnUpdate = func() {
		mu.Lock()
		seen = append(seen, ctrl.State())
		mu.Unlock()
	}

	require.NoError(t, ctrl.Submit("Hi"))
	ctrl.Wait()

	assert.Equal(t, StateIdle, ctrl.State(), "machine is restful after the exchange")
	mu.Lock()
	assert.Contains(t, seen, StateCompleted, "the terminal state is observable in the outcome callback")
	mu.Unlock()
}

func TestFailedExchangeSettlesToIdle(t *testing.T) {
	ctrl, _ := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))

	var mu sync.Mutex
	var seen []State
	ctrl.OnUpdate = func() {
		mu.Lock()
		seen = append(seen, ctrl.State())
		mu.Unlock()
	}

	require.NoError(t, ctrl.Submit("Hi"))
	ctrl.Wait()

	assert.Equal(t, StateIdle, ctrl.State())
	assert.False(t, ctrl.IsLoading())
	mu.Lock()
	assert.Contains(t, seen, StateFailed)
	mu.Unlock()
}

// restoreTitleDelays shortens the title refresh timers for the duration
// of a test.
func restoreTitleDelays(t *testing.T, d time.Duration) {
	t.Helper()
	prevDelay, prevInterval := titleRefreshDelay, titleRefreshInterval
	titleRefreshDelay, titleRefreshInterval = d, d
	t.Cleanup(func() {
		titleRefreshDelay, titleRefreshInterval = prevDelay, prevInterval
	})
}
