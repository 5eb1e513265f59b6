package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event is a single server-sent event as it appeared on the wire.
// Raw holds the exact bytes including the trailing blank-line delimiter,
// so untouched events can be re-emitted byte for byte.
type Event struct {
	Name string
	Data string
	Raw  []byte
}

// DecodeData unmarshals the event data as a JSON object.
// The second return value is false when the data is not a JSON object.
func (e *Event) DecodeData() (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Data), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// SSEReassembler turns an arbitrarily chunked byte stream back into whole
// server-sent events. Events are delimited by a blank line; bytes after the
// last complete event are carried over to the next Feed call.
type SSEReassembler struct {
	buf bytes.Buffer
}

// NewSSEReassembler creates an empty reassembler.
func NewSSEReassembler() *SSEReassembler {
	return &SSEReassembler{}
}

// Feed appends chunk to the internal buffer and returns all events that are
// now complete, in stream order. A chunk may complete zero, one or many
// events.
func (r *SSEReassembler) Feed(chunk []byte) []Event {
	r.buf.Write(chunk)

	var events []Event
	for {
		data := r.buf.Bytes()
		idx, dlen := findEventDelimiter(data)
		if idx < 0 {
			break
		}
		raw := make([]byte, idx+dlen)
		copy(raw, data[:idx+dlen])
		r.buf.Next(idx + dlen)
		events = append(events, parseEvent(raw))
	}
	return events
}

// Carry returns the bytes of any incomplete trailing event.
// The reassembler still owns this data until the stream ends.
func (r *SSEReassembler) Carry() []byte {
	return r.buf.Bytes()
}

// eventDelimiters are the blank-line forms that terminate an event, longest
// first so a CRLF pair is not split into an LF-terminated line plus a CRLF
// blank line. Mixed framing (an LF line followed by a CRLF blank line, or
// the reverse) is accepted.
var eventDelimiters = [][]byte{
	[]byte("\r\n\r\n"),
	[]byte("\n\r\n"),
	[]byte("\n\n"),
}

// findEventDelimiter locates the first blank-line event delimiter in data.
// It returns the delimiter's start offset and length, or (-1, 0) when no
// complete event is buffered.
func findEventDelimiter(data []byte) (int, int) {
	best, bestLen := -1, 0
	for _, d := range eventDelimiters {
		if i := bytes.Index(data, d); i >= 0 && (best < 0 || i < best) {
			best, bestLen = i, len(d)
		}
	}
	return best, bestLen
}

// parseEvent extracts the event name and data payload from a raw event.
// Multiple data lines are joined with a newline per the SSE format.
func parseEvent(raw []byte) Event {
	ev := Event{Raw: raw}
	var dataLines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	ev.Data = strings.Join(dataLines, "\n")
	return ev
}

// WriteEvent writes a server-sent event with the given name and data payload.
// Multi-line payloads are split across data lines.
func WriteEvent(w io.Writer, name, data string) error {
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
