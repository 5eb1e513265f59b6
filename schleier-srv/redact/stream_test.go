package redact

import (
	"testing"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedactor(t *testing.T) *StreamRedactor {
	t.Helper()
	rs, err := NewRuleSet(config.RedactionConfig{})
	require.NoError(t, err)
	return NewStreamRedactor(rs)
}

func TestAppendBuffersUntilNewline(t *testing.T) {
	r := newTestRedactor(t)
	r.Track(1)

	assert.Equal(t, "", r.Append(1, "key=sk-ant-ABCD"))
	assert.Equal(t, "", r.Append(1, "EFGHIJKLMNOP"))
	assert.Equal(t, "key=[REDACTED:ANTHROPIC]\n", r.Append(1, "QRSTUVWX\n"))
}

func TestAppendEmitsCompleteLinesOnly(t *testing.T) {
	r := newTestRedactor(t)
	r.Track(7)

	out := r.Append(7, "line one\nline two\npartial")
	assert.Equal(t, "line one\nline two\n", out)
	assert.Equal(t, "partial end\n", r.Append(7, " end\n"))
}

func TestFlushEmitsTail(t *testing.T) {
	r := newTestRedactor(t)
	r.Track(2)

	assert.Equal(t, "", r.Append(2, "tail sk-ant-REDACTED"))
	assert.Equal(t, "tail [REDACTED:ANTHROPIC]", r.Flush(2))
	// Flushing again returns nothing.
	assert.Equal(t, "", r.Flush(2))
}

func TestUnknownStreamIsNoOp(t *testing.T) {
	r := newTestRedactor(t)

	assert.Equal(t, "", r.Append(99, "data\n"))
	assert.Equal(t, "", r.Flush(99))
	assert.Nil(t, r.Counts(99))
	r.Release(99)
}

func TestStreamsAreIsolated(t *testing.T) {
	r := newTestRedactor(t)
	r.Track(1)
	r.Track(2)

	assert.Equal(t, "", r.Append(1, "key=sk-ant-ABCDEFGHIJKL"))
	assert.Equal(t, "other\n", r.Append(2, "other\n"))

	// Stream 2 never sees stream 1's partial secret.
	assert.Equal(t, "", r.Append(2, "more"))
	assert.Equal(t, "more", r.Flush(2))

	assert.Equal(t, "key=[REDACTED:ANTHROPIC]\n", r.Append(1, "MNOPQRSTUVWX\n"))
}

func TestReleaseDropsState(t *testing.T) {
	r := newTestRedactor(t)
	r.Track(5)
	assert.Equal(t, "", r.Append(5, "buffered"))

	r.Release(5)
	assert.Equal(t, "", r.Flush(5))
	assert.Equal(t, "", r.Append(5, "post-release\n"))
}

func TestCountsAccumulate(t *testing.T) {
	r := newTestRedactor(t)
	r.Track(3)

	r.Append(3, "a sk-ant-REDACTED\n")
	r.Append(3, "b sk-ant-REDACTED\n")
	r.Append(3, "tail sk-ant-REDACTED")
	r.Flush(3)

	counts := r.Counts(3)
	require.NotNil(t, counts)
	assert.Equal(t, 3, counts["ANTHROPIC"])
}
