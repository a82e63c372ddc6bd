// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/parleydev/parley-tui/internal/model"
)

// Configuration constants for the parley backend API.
const (
	// DefaultBaseURL is the base URL of the hosted backend.
	DefaultBaseURL = "https://api.parley.chat"

	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the retry budget for transient listing failures.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024

	// HeaderConversationID carries the server-assigned conversation id on
	// the first streamed exchange of a new conversation.
	HeaderConversationID = "X-Conversation-Id"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// Shared HTTP client for JSON request/response calls.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests. It carries no
	// client timeout: long-lived completion streams are bounded by their
	// request context instead.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// Error variables for common backend errors.
var (
	// ErrNotConfigured indicates the API key or user id is not set.
	ErrNotConfigured = errors.New("parley API credentials not configured")

	// ErrAuthFailed indicates authentication failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")
)

// APIError represents an error response from the backend.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("parley API error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("parley API error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is one role/content pair in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of the streaming completions endpoint.
type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	Model          string        `json:"model"`
	Stream         bool          `json:"stream"`
	UserID         string        `json:"user_id"`
	ConversationID *string       `json:"conversation_id"`
}

// titleRequest is the body of the title-generation endpoint.
type titleRequest struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Messages       []ChatMessage `json:"messages"`
}

// listingResponse is the body of the conversations listing endpoint.
// Older deployments use timestamp/last_message, newer ones
// created_at/preview; both are accepted.
type listingResponse struct {
	Conversations []struct {
		ID          string    `json:"id"`
		Title       string    `json:"title"`
		CreatedAt   time.Time `json:"created_at"`
		Timestamp   time.Time `json:"timestamp"`
		LastMessage string    `json:"last_message"`
		Preview     string    `json:"preview"`
	} `json:"conversations"`
}

// apiErrorResponse is the backend's error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the parley backend on behalf of one user.
type Client struct {
	apiKey     string
	baseURL    string
	userID     string
	maxRetries int

	// limiter throttles non-streaming calls so delayed refresh timers and
	// manual refreshes cannot stampede the backend.
	limiter *rate.Limiter
}

// NewClient creates a client for the given API key and user id.
func NewClient(apiKey, userID string) *Client {
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultBaseURL,
		userID:     userID,
		maxRetries: DefaultMaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
	}
}

// WithBaseURL sets a custom base URL.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

// WithMaxRetries sets the retry budget for transient listing failures.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// IsConfigured returns true if the client can authenticate.
func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.userID != ""
}

// UserID returns the user the client acts for.
func (c *Client) UserID() string {
	return c.userID
}

// setHeaders sets the required headers for backend requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "parley/0.1.0")
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamResponse is an open completion stream. The caller must Close it.
type StreamResponse struct {
	// ConversationID is the server-assigned conversation id from the
	// response header, empty when the header was absent.
	ConversationID string

	body    io.ReadCloser
	decoder *Decoder
}

// Next returns the next decoded stream event. It returns io.EOF when the
// stream is exhausted or the done sentinel has been seen.
func (s *StreamResponse) Next() (Event, error) {
	return s.decoder.Next()
}

// Close releases the underlying connection.
func (s *StreamResponse) Close() error {
	return s.body.Close()
}

// OpenChatStream dispatches a completion request and returns the open
// event stream. conversationID may be the model.NewConversationID
// sentinel, in which case null is sent and the server mints an id,
// returned via the X-Conversation-Id header.
func (c *Client) OpenChatStream(ctx context.Context, messages []ChatMessage, modelID, conversationID string) (*StreamResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	reqBody := ChatRequest{
		Messages: messages,
		Model:    modelID,
		Stream:   true,
		UserID:   c.userID,
	}
	if conversationID != "" && conversationID != model.NewConversationID {
		reqBody.ConversationID = &conversationID
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := readResponse(resp)
		resp.Body.Close()
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	return &StreamResponse{
		ConversationID: resp.Header.Get(HeaderConversationID),
		body:           resp.Body,
		decoder:        NewDecoder(resp.Body),
	}, nil
}

// =============================================================================
// TITLE GENERATION
// =============================================================================

// GenerateTitle asks the backend to derive and persist a title from the
// first exchange. Single shot: the caller treats failures as best-effort
// and never retries, so neither does the client.
func (c *Client) GenerateTitle(ctx context.Context, conversationID, firstUserMessage, firstAssistantReply string) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqBody := titleRequest{
		ConversationID: conversationID,
		UserID:         c.userID,
		Messages: []ChatMessage{
			{Role: model.RoleUser.String(), Content: firstUserMessage},
			{Role: model.RoleAssistant.String(), Content: firstAssistantReply},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate-title", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// The title itself is not read from this response; it is picked up by
	// a later listing refresh once the backend has persisted it.
	body, err := readResponse(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.handleErrorResponse(resp.StatusCode, body)
	}
	return nil
}

// =============================================================================
// CONVERSATIONS LISTING
// =============================================================================

// ListConversations fetches the canonical conversation listing for the
// client's user, most recent first as ordered by the backend.
func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + "/api/conversations?user_id=" + url.QueryEscape(c.userID)

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		summaries, err := c.fetchListing(ctx, u)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return summaries, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// fetchListing performs a single listing request.
func (c *Client) fetchListing(ctx context.Context, u string) ([]model.ConversationSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var listing listingResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}

	summaries := make([]model.ConversationSummary, 0, len(listing.Conversations))
	for _, entry := range listing.Conversations {
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = entry.Timestamp
		}
		preview := entry.Preview
		if preview == "" {
			preview = entry.LastMessage
		}
		summaries = append(summaries, model.ConversationSummary{
			ID:        entry.ID,
			Title:     entry.Title,
			CreatedAt: createdAt,
			Preview:   preview,
		})
	}
	return summaries, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// readResponse reads a response body with a size cap.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to Go errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		wrapped := &APIError{
			Code:    apiErr.Error.Code,
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}
		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailed, wrapped.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, wrapped.Message)
		default:
			return wrapped
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &APIError{Message: strings.TrimSpace(string(body)), Status: statusCode}
	}
}

// isRetryable determines if an error should trigger a listing retry.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	if errors.Is(err, ErrAuthFailed) {
		return false
	}
	// Network-level failures are worth another attempt.
	return true
}

// calculateBackoff returns the delay before the next retry attempt.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// logDroppedLine records a malformed stream line without surfacing it.
func logDroppedLine(line string, err error) {
	log.WithError(err).WithField("line", truncateForLog(line)).
		Debug("dropping malformed stream line")
}

// truncateForLog keeps log records bounded when a corrupt line is huge.
func truncateForLog(s string) string {
	const maxLogLine = 200
	if len(s) <= maxLogLine {
		return s
	}
	return s[:maxLogLine] + "..."
}
