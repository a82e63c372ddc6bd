// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectEvents drains a decoder until io.EOF.
func collectEvents(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoderBasicSequence(t *testing.T) {
	stream := "data: {\"model\":\"deepseek\"}\n" +
		"data: {\"content\":\"Hello\"}\n" +
		"data: {\"content\":\" there\"}\n" +
		"data: [DONE]\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 4)
	assert.Equal(t, Event{Kind: EventModel, Model: "deepseek"}, events[0])
	assert.Equal(t, Event{Kind: EventContent, Text: "Hello"}, events[1])
	assert.Equal(t, Event{Kind: EventContent, Text: " there"}, events[2])
	assert.Equal(t, Event{Kind: EventDone}, events[3])
}

func TestDecoderMalformedLineIsDropped(t *testing.T) {
	stream := "data: {\"content\":\"a\"}\n" +
		"data: {not valid json\n" +
		"data: {\"content\":\"b\"}\n" +
		"data: [DONE]\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, "b", events[1].Text)
	assert.Equal(t, EventDone, events[2].Kind)
}

func TestDecoderIgnoresNonDataLines(t *testing.T) {
	stream := "\n" +
		": keep-alive comment\n" +
		"event: noise\n" +
		"data: {\"content\":\"x\"}\n" +
		"data: [DONE]\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 2)
	assert.Equal(t, "x", events[0].Text)
}

func TestDecoderStopsAfterDone(t *testing.T) {
	// Anything after the sentinel must be ignored, even if it would not
	// parse, and must never produce an error.
	stream := "data: {\"content\":\"ok\"}\n" +
		"data: [DONE]\n" +
		"data: {broken beyond repair\n" +
		"data: {\"content\":\"late\"}\n"

	d := NewDecoder(strings.NewReader(stream))
	events := collectEvents(t, d)

	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Text)
	assert.Equal(t, EventDone, events[1].Kind)

	// Repeated calls stay at EOF.
	_, err := d.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderCombinedContentAndModel(t *testing.T) {
	stream := "data: {\"content\":\"hi\",\"model\":\"deepseek\"}\n" +
		"data: [DONE]\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: EventContent, Text: "hi"}, events[0])
	assert.Equal(t, Event{Kind: EventModel, Model: "deepseek"}, events[1])
	assert.Equal(t, EventDone, events[2].Kind)
}

func TestDecoderEmptyContentStillEmits(t *testing.T) {
	stream := "data: {\"content\":\"\"}\n" +
		"data: [DONE]\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 2)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "", events[0].Text)
}

func TestDecoderEOFWithoutSentinel(t *testing.T) {
	// A dropped connection ends the sequence without a done event.
	stream := "data: {\"content\":\"partial\"}\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Text)
}

func TestDecoderFinalLineWithoutNewline(t *testing.T) {
	stream := "data: {\"content\":\"a\"}\ndata: {\"content\":\"b\"}"

	events := collectEvents(t, NewDecoder(strings.NewReader(stream)))

	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Text)
}

// splitReader delivers its payload in tiny chunks to simulate a transport
// that splits lines across reads.
type splitReader struct {
	data []byte
	pos  int
	step int
}

func (r *splitReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.step
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func TestDecoderToleratesMidLineChunking(t *testing.T) {
	stream := "data: {\"content\":\"Hello\"}\ndata: {\"content\":\" world\"}\ndata: [DONE]\n"

	d := NewDecoder(&splitReader{data: []byte(stream), step: 3})
	events := collectEvents(t, d)

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)
	assert.Equal(t, EventDone, events[2].Kind)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "content", EventContent.String())
	assert.Equal(t, "model", EventModel.String())
	assert.Equal(t, "done", EventDone.String())
}
