package proxy

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/codefionn/schleier/schleier-srv/redact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk-ant-REDACTED"

func newTestRewriter(t *testing.T) (*StreamRewriter, *bytes.Buffer) {
	t.Helper()
	rules, err := redact.NewRuleSet(config.RedactionConfig{})
	require.NoError(t, err)
	redactor := redact.NewStreamRedactor(rules)
	var buf bytes.Buffer
	return NewStreamRewriter(&buf, redactor, 1), &buf
}

func eventBytes(t *testing.T, name, data string) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, WriteEvent(&b, name, data))
	return b.Bytes()
}

func textDeltaBytes(t *testing.T, index int, text string) []byte {
	t.Helper()
	data := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":%q}}`, index, text)
	return eventBytes(t, "content_block_delta", data)
}

func decodeOutput(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	r := NewSSEReassembler()
	events := r.Feed(buf.Bytes())
	assert.Empty(t, r.Carry())
	return events
}

func TestRewriterRedactsSecretSplitAcrossDeltas(t *testing.T) {
	rw, buf := newTestRewriter(t)

	require.NoError(t, rw.Process(textDeltaBytes(t, 0, "key="+testSecret[:12])))
	require.NoError(t, rw.Process(textDeltaBytes(t, 0, testSecret[12:]+"\n")))
	require.NoError(t, rw.Process(eventBytes(t, "content_block_stop", `{"type":"content_block_stop","index":0}`)))
	require.NoError(t, rw.Finish())

	assert.NotContains(t, buf.String(), testSecret)

	events := decodeOutput(t, buf)
	require.Len(t, events, 2)

	payload, ok := events[0].DecodeData()
	require.True(t, ok)
	delta := payload["delta"].(map[string]any)
	assert.Equal(t, "key=[REDACTED:ANTHROPIC]\n", delta["text"])

	payload, ok = events[1].DecodeData()
	require.True(t, ok)
	assert.Equal(t, "content_block_stop", payload["type"])
}

func TestRewriterFlushesTailOnBlockStop(t *testing.T) {
	rw, buf := newTestRewriter(t)

	// No trailing newline: the text stays buffered until the block ends.
	require.NoError(t, rw.Process(textDeltaBytes(t, 2, "token "+testSecret)))
	assert.Empty(t, buf.Bytes())

	require.NoError(t, rw.Process(eventBytes(t, "content_block_stop", `{"type":"content_block_stop","index":2}`)))

	events := decodeOutput(t, buf)
	require.Len(t, events, 2)

	payload, ok := events[0].DecodeData()
	require.True(t, ok)
	assert.Equal(t, "content_block_delta", payload["type"])
	assert.Equal(t, float64(2), payload["index"])
	delta := payload["delta"].(map[string]any)
	assert.Equal(t, "token [REDACTED:ANTHROPIC]", delta["text"])

	payload, _ = events[1].DecodeData()
	assert.Equal(t, "content_block_stop", payload["type"])

	require.NoError(t, rw.Finish())
}

func TestRewriterWithholdsUsage(t *testing.T) {
	rw, buf := newTestRewriter(t)

	usageEvent := eventBytes(t, "message_delta",
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`)
	require.NoError(t, rw.Process(usageEvent))
	assert.Empty(t, buf.Bytes())

	require.NoError(t, rw.Finish())
	assert.Empty(t, decodeOutput(t, buf))

	usage := rw.Usage()
	require.NotNil(t, usage)
	assert.Equal(t, float64(42), usage["output_tokens"])
}

func TestRewriterMessageDeltaWithoutUsagePassesThrough(t *testing.T) {
	rw, buf := newTestRewriter(t)

	raw := eventBytes(t, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)
	require.NoError(t, rw.Process(raw))
	require.NoError(t, rw.Finish())

	assert.Equal(t, raw, buf.Bytes())
}

func TestRewriterOpaquePassthrough(t *testing.T) {
	rw, buf := newTestRewriter(t)

	raw := eventBytes(t, "weird", "this is not json")
	require.NoError(t, rw.Process(raw))
	require.NoError(t, rw.Finish())

	assert.Equal(t, raw, buf.Bytes())
}

func TestRewriterOtherEventsVerbatim(t *testing.T) {
	rw, buf := newTestRewriter(t)

	var want bytes.Buffer
	for _, ev := range [][2]string{
		{"message_start", `{"type":"message_start","message":{"id":"msg_1"}}`},
		{"content_block_start", `{"type":"content_block_start","index":0}`},
		{"ping", `{"type":"ping"}`},
		{"message_stop", `{"type":"message_stop"}`},
	} {
		raw := eventBytes(t, ev[0], ev[1])
		want.Write(raw)
		require.NoError(t, rw.Process(raw))
	}
	require.NoError(t, rw.Finish())

	assert.Equal(t, want.Bytes(), buf.Bytes())
}

func TestRewriterNonTextDeltaPassthrough(t *testing.T) {
	rw, buf := newTestRewriter(t)

	raw := eventBytes(t, "content_block_delta",
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`)
	require.NoError(t, rw.Process(raw))
	require.NoError(t, rw.Finish())

	assert.Equal(t, raw, buf.Bytes())
}

func TestRewriterFinishEmitsIncompleteTail(t *testing.T) {
	rw, buf := newTestRewriter(t)

	partial := []byte("event: ping\ndata: {\"ty")
	require.NoError(t, rw.Process(partial))
	assert.Empty(t, buf.Bytes())

	require.NoError(t, rw.Finish())
	assert.Equal(t, partial, buf.Bytes())
}

func TestRewriterCounts(t *testing.T) {
	rw, buf := newTestRewriter(t)

	require.NoError(t, rw.Process(textDeltaBytes(t, 0, "a="+testSecret+"\nb="+testSecret+"\n")))
	require.NoError(t, rw.Finish())

	counts := rw.Counts()
	assert.Equal(t, 2, counts["ANTHROPIC"])
	assert.NotContains(t, buf.String(), testSecret)
}
