package proxy

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/codefionn/schleier/schleier-srv/logger"
	"github.com/codefionn/schleier/schleier-srv/redact"
)

// StreamRewriter rewrites a server-sent event stream in flight. Text deltas
// are run through a line-buffered redactor and re-synthesized; everything the
// rewriter does not understand is passed through byte for byte. Usage
// metadata reported by the upstream is stored for inspection but not
// forwarded, since redaction changes the token accounting anyway.
type StreamRewriter struct {
	w           io.Writer
	flusher     http.Flusher
	reassembler *SSEReassembler
	redactor    *redact.StreamRedactor
	streamID    int64
	usage       map[string]any
	finalCounts map[string]int
	// last decoded text delta, reused as a template when flushed
	// redactor output has to be synthesized into a new event
	template map[string]any
}

// NewStreamRewriter creates a rewriter that writes rewritten events to w.
// The stream is registered with the redactor until Finish is called.
func NewStreamRewriter(w io.Writer, redactor *redact.StreamRedactor, streamID int64) *StreamRewriter {
	flusher, _ := w.(http.Flusher)
	redactor.Track(streamID)
	return &StreamRewriter{
		w:           w,
		flusher:     flusher,
		reassembler: NewSSEReassembler(),
		redactor:    redactor,
		streamID:    streamID,
	}
}

// Process feeds a chunk of upstream bytes through the rewriter. Complete
// events are classified and written out; a trailing partial event stays
// buffered until more bytes arrive.
func (sr *StreamRewriter) Process(chunk []byte) error {
	for _, ev := range sr.reassembler.Feed(chunk) {
		if err := sr.handleEvent(ev); err != nil {
			return err
		}
	}
	sr.flush()
	return nil
}

func (sr *StreamRewriter) handleEvent(ev Event) error {
	payload, ok := ev.DecodeData()
	if !ok {
		// Opaque event, forward untouched.
		return sr.writeRaw(ev.Raw)
	}

	eventType, _ := payload["type"].(string)
	switch eventType {
	case "content_block_delta":
		return sr.handleDelta(ev, payload)
	case "content_block_stop":
		if err := sr.flushPending(); err != nil {
			return err
		}
		return sr.writeRaw(ev.Raw)
	case "message_delta":
		if usage, found := payload["usage"]; found {
			if usageMap, isMap := usage.(map[string]any); isMap {
				sr.storeUsage(usageMap)
				return nil
			}
		}
		return sr.writeRaw(ev.Raw)
	default:
		return sr.writeRaw(ev.Raw)
	}
}

// handleDelta redacts text deltas and forwards all other delta kinds.
func (sr *StreamRewriter) handleDelta(ev Event, payload map[string]any) error {
	delta, ok := payload["delta"].(map[string]any)
	if !ok {
		return sr.writeRaw(ev.Raw)
	}
	deltaType, _ := delta["type"].(string)
	if deltaType != "text_delta" {
		return sr.writeRaw(ev.Raw)
	}
	text, ok := delta["text"].(string)
	if !ok {
		return sr.writeRaw(ev.Raw)
	}

	sr.template = payload

	emitted := sr.redactor.Append(sr.streamID, text)
	if emitted == "" {
		return nil
	}
	return sr.writeSynthesizedDelta(ev.Name, emitted)
}

// flushPending drains the redactor's buffered tail for this stream and
// emits it as a synthesized text delta.
func (sr *StreamRewriter) flushPending() error {
	tail := sr.redactor.Flush(sr.streamID)
	if tail == "" {
		return nil
	}
	return sr.writeSynthesizedDelta("content_block_delta", tail)
}

// writeSynthesizedDelta emits a text delta event carrying the given text.
// The last seen delta payload is used as a template so index and any extra
// fields survive the rewrite.
func (sr *StreamRewriter) writeSynthesizedDelta(name, text string) error {
	payload := sr.template
	if payload == nil {
		payload = map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": ""},
		}
	}
	delta, ok := payload["delta"].(map[string]any)
	if !ok {
		delta = map[string]any{"type": "text_delta"}
		payload["delta"] = delta
	}
	delta["text"] = text

	data, err := json.Marshal(payload)
	if err != nil {
		return NewStreamError(ErrCodeEventDecodeFailed, "failed to encode rewritten event", err)
	}
	if name == "" {
		name = "content_block_delta"
	}
	if err := WriteEvent(sr.w, name, string(data)); err != nil {
		return NewStreamError(ErrCodeStreamWriteFailed, "failed to write rewritten event", err)
	}
	return nil
}

func (sr *StreamRewriter) storeUsage(usage map[string]any) {
	if sr.usage == nil {
		sr.usage = make(map[string]any)
	}
	for k, v := range usage {
		sr.usage[k] = v
	}
}

// Usage returns the usage metadata collected from the stream, or nil.
func (sr *StreamRewriter) Usage() map[string]any {
	return sr.usage
}

// Counts returns the per-rule redaction counts accumulated so far. After
// Finish it returns the final counts for the whole stream.
func (sr *StreamRewriter) Counts() map[string]int {
	if sr.finalCounts != nil {
		return sr.finalCounts
	}
	return sr.redactor.Counts(sr.streamID)
}

// Finish flushes any buffered text, emits any incomplete trailing event
// untouched and releases the redactor state. It must be called exactly once
// when the upstream stream ends.
func (sr *StreamRewriter) Finish() error {
	defer func() {
		sr.finalCounts = sr.redactor.Counts(sr.streamID)
		sr.redactor.Release(sr.streamID)
	}()

	if err := sr.flushPending(); err != nil {
		return err
	}
	if carry := sr.reassembler.Carry(); len(carry) > 0 {
		if err := sr.writeRaw(carry); err != nil {
			return err
		}
	}
	if sr.usage != nil {
		logger.Debug("Stream %d upstream usage withheld from client: %v", sr.streamID, sr.usage)
	}
	sr.flush()
	return nil
}

func (sr *StreamRewriter) writeRaw(raw []byte) error {
	if _, err := sr.w.Write(raw); err != nil {
		return NewStreamError(ErrCodeStreamWriteFailed, "failed to write event", err)
	}
	return nil
}

func (sr *StreamRewriter) flush() {
	if sr.flusher != nil {
		sr.flusher.Flush()
	}
}
