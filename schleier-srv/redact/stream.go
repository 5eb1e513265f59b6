package redact

import (
	"strings"
	"sync"
)

// StreamRedactor applies a RuleSet to per-stream text that arrives in
// arbitrary network chunks. Text is buffered until a line boundary so a
// secret split across chunks is reassembled before any rule runs; the
// remainder after the last newline is held back until the next Append or
// a Flush.
//
// Streams are keyed by the owning request ID. Each stream's buffer is only
// touched by its connection goroutine; the map itself is mutex-guarded.
//
// Known limitation: a secret containing an interior newline spans two
// emission units and is not fully redacted.
type StreamRedactor struct {
	rules *RuleSet

	mu      sync.Mutex
	streams map[int64]*streamBuffer
}

type streamBuffer struct {
	pending string
	counts  map[string]int
}

// NewStreamRedactor creates a redactor over the given rule set.
func NewStreamRedactor(rules *RuleSet) *StreamRedactor {
	return &StreamRedactor{
		rules:   rules,
		streams: make(map[int64]*streamBuffer),
	}
}

// Track registers a stream. Tracking an already-tracked ID resets its state.
func (r *StreamRedactor) Track(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[id] = &streamBuffer{}
}

// Append adds a chunk to the stream and returns the redacted text up to the
// last line boundary. Text after the final newline stays buffered. An
// unknown ID is a no-op returning the empty string.
func (r *StreamRedactor) Append(id int64, chunk string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.streams[id]
	if !ok {
		return ""
	}

	buf := sb.pending + chunk
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		sb.pending = buf
		return ""
	}

	sb.pending = buf[idx+1:]
	return r.redact(sb, buf[:idx+1])
}

// Flush redacts and returns whatever the stream still buffers, emptying the
// buffer. The stream stays tracked until Release. Unknown ID is a no-op.
func (r *StreamRedactor) Flush(id int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.streams[id]
	if !ok || sb.pending == "" {
		return ""
	}

	pending := sb.pending
	sb.pending = ""
	return r.redact(sb, pending)
}

// Counts returns a copy of the per-rule match counts accumulated for the
// stream so far, or nil for an unknown stream.
func (r *StreamRedactor) Counts(id int64) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.streams[id]
	if !ok || sb.counts == nil {
		return nil
	}
	out := make(map[string]int, len(sb.counts))
	for name, n := range sb.counts {
		out[name] = n
	}
	return out
}

// Release drops all state for the stream. Releasing an unknown ID is a
// no-op.
func (r *StreamRedactor) Release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

func (r *StreamRedactor) redact(sb *streamBuffer, text string) string {
	out, counts := r.rules.ApplyCounted(text)
	if counts != nil {
		if sb.counts == nil {
			sb.counts = make(map[string]int)
		}
		for name, n := range counts {
			sb.counts[name] += n
		}
	}
	return out
}
