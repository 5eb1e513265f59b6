package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	SetLevel(WARN)
	defer SetLevel(INFO)

	Debug("hidden %d", 1)
	Info("hidden %d", 2)
	Warn("visible %d", 3)
	Error("visible %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] visible 3")
	assert.Contains(t, out, "[ERROR] visible 4")
}

func TestGetLevelFromString(t *testing.T) {
	assert.Equal(t, TRACE, GetLevelFromString("trace"))
	assert.Equal(t, DEBUG, GetLevelFromString("DEBUG"))
	assert.Equal(t, ERROR, GetLevelFromString("Error"))
	assert.Equal(t, INFO, GetLevelFromString("bogus"))
}

func TestIsLevelEnabled(t *testing.T) {
	SetLevel(INFO)
	assert.True(t, IsLevelEnabled(ERROR))
	assert.False(t, IsLevelEnabled(DEBUG))
}

func TestWithRequestID(t *testing.T) {
	assert.Equal(t, "[req 42] dial ok", WithRequestID(42, "dial %s", "ok"))
}
