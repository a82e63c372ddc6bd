// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// STREAMING: Robust event-stream parsing with error recovery.

// MaxLineSize is the maximum allowed size for a single stream line (64KB).
const MaxLineSize = 64 * 1024

// dataPrefix marks lines that carry an event payload. Anything else on
// the wire (blank keep-alives, comments) is ignored.
const dataPrefix = "data: "

// doneSentinel is the payload that terminates a completion stream.
const doneSentinel = "[DONE]"

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventKind discriminates the stream event union.
type EventKind int

const (
	// EventContent carries one token (or token batch) of assistant text.
	EventContent EventKind = iota
	// EventModel announces the model label the backend routed to.
	EventModel
	// EventDone signals the end of the completion.
	EventDone
)

// String returns the event kind name for logs and test output.
func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventModel:
		return "model"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one decoded stream event.
type Event struct {
	Kind  EventKind
	Text  string // set for EventContent
	Model string // set for EventModel
}

// chunkPayload is the JSON shape of one data line. Content is a pointer
// so that an explicitly present empty string still yields an event.
type chunkPayload struct {
	Content *string `json:"content"`
	Model   string  `json:"model"`
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns a raw completion response body into a lazy, forward-only
// sequence of events. It is not restartable: once exhausted, a new HTTP
// request is required for a new sequence.
//
// The reader buffers partial lines internally, so chunk boundaries that
// split a line mid-way are invisible to callers: only complete lines are
// ever interpreted.
type Decoder struct {
	reader  *bufio.Reader
	pending []Event
	done    bool
}

// NewDecoder creates a decoder over a response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 4096),
	}
}

// Next returns the next event. It returns io.EOF once the transport body
// is exhausted or the done sentinel has been seen; after the sentinel, no
// further lines are read, so trailing garbage can never raise an error.
func (d *Decoder) Next() (Event, error) {
	if len(d.pending) > 0 {
		ev := d.pending[0]
		d.pending = d.pending[1:]
		return ev, nil
	}
	if d.done {
		return Event{}, io.EOF
	}

	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF && line != "" {
				// Final line without trailing newline still counts.
				if ev, ok := d.decodeLine(line); ok {
					return ev, nil
				}
			}
			return Event{}, err
		}

		if ev, ok := d.decodeLine(line); ok {
			return ev, nil
		}
	}
}

// readLine reads one complete line, with a size cap against runaway
// buffering of a corrupt stream.
func (d *Decoder) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := d.reader.ReadString('\n')
		sb.WriteString(chunk)
		if sb.Len() > MaxLineSize {
			return "", fmt.Errorf("stream line too large: %d bytes", sb.Len())
		}
		if err != nil {
			return strings.TrimRight(sb.String(), "\r\n"), err
		}
		if strings.HasSuffix(chunk, "\n") {
			return strings.TrimRight(sb.String(), "\r\n"), nil
		}
	}
}

// decodeLine interprets one complete line. It returns the first event
// produced and queues any second one (a payload may carry both content
// and a model announcement). Non-data lines and malformed payloads
// produce nothing; one corrupt line must never abort the stream.
func (d *Decoder) decodeLine(line string) (Event, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}
	payload := line[len(dataPrefix):]

	if strings.TrimSpace(payload) == doneSentinel {
		d.done = true
		return Event{Kind: EventDone}, true
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		logDroppedLine(line, err)
		return Event{}, false
	}

	var events []Event
	if chunk.Content != nil {
		events = append(events, Event{Kind: EventContent, Text: *chunk.Content})
	}
	if chunk.Model != "" {
		events = append(events, Event{Kind: EventModel, Model: chunk.Model})
	}
	if len(events) == 0 {
		// Valid JSON with neither field; nothing to emit.
		return Event{}, false
	}

	if len(events) > 1 {
		d.pending = append(d.pending, events[1:]...)
	}
	return events[0], true
}
