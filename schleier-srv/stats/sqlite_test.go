package stats

import (
	"context"
	"testing"
	"time"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteCollectorRecords(t *testing.T) {
	collector, err := NewSQLiteCollector(":memory:")
	require.NoError(t, err)
	defer collector.Close()

	ctx := context.Background()

	connID, err := collector.StartConnection(ctx, "127.0.0.1", "api.anthropic.com", 443, "http")
	require.NoError(t, err)
	assert.Greater(t, connID, int64(0))

	require.NoError(t, collector.RecordHTTPRequest(ctx, connID, "POST", "/v1/messages", "api.anthropic.com", "agent/1.0", 512))
	require.NoError(t, collector.RecordHTTPResponse(ctx, connID, 200, 2048))
	require.NoError(t, collector.RecordRedaction(ctx, connID, "ANTHROPIC", 2))
	require.NoError(t, collector.RecordDataTransfer(ctx, connID, 100, 200))
	require.NoError(t, collector.RecordError(ctx, connID, "upstream_failure", "dial tcp: connection refused"))
	require.NoError(t, collector.EndConnection(ctx, connID, 512, 2048, 80*time.Millisecond, "normal"))

	var count int
	require.NoError(t, collector.db.QueryRow("SELECT COUNT(*) FROM http_requests WHERE connection_id = ?", connID).Scan(&count))
	assert.Equal(t, 1, count)

	var rule string
	var matches int
	require.NoError(t, collector.db.QueryRow("SELECT rule, match_count FROM redactions WHERE connection_id = ?", connID).Scan(&rule, &matches))
	assert.Equal(t, "ANTHROPIC", rule)
	assert.Equal(t, 2, matches)

	var closeReason string
	require.NoError(t, collector.db.QueryRow("SELECT close_reason FROM connections WHERE id = ?", connID).Scan(&closeReason))
	assert.Equal(t, "normal", closeReason)

	require.NoError(t, collector.HealthCheck(ctx))
}

func TestBufferedCollectorFlushesOnClose(t *testing.T) {
	underlying, err := NewSQLiteCollector(":memory:")
	require.NoError(t, err)

	buffered := NewBufferedCollectorWithInterval(underlying, time.Hour)

	ctx := context.Background()
	connID, err := buffered.StartConnection(ctx, "127.0.0.1", "example.com", 443, "tcp")
	require.NoError(t, err)

	require.NoError(t, buffered.RecordHTTPRequest(ctx, connID, "GET", "/v1/models", "example.com", "", 0))
	require.NoError(t, buffered.RecordRedaction(ctx, connID, "GITHUB", 1))

	// Nothing should be visible before the flush.
	var count int
	require.NoError(t, underlying.db.QueryRow("SELECT COUNT(*) FROM http_requests").Scan(&count))
	assert.Equal(t, 0, count)

	buffered.ForceFlush()

	require.NoError(t, underlying.db.QueryRow("SELECT COUNT(*) FROM http_requests").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, underlying.db.QueryRow("SELECT COUNT(*) FROM redactions").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, buffered.Close())
}

func TestCollectorFactory(t *testing.T) {
	factory := NewCollectorFactory()

	disabled, err := factory.CreateCollector(config.StatisticsConfig{Enabled: false})
	require.NoError(t, err)
	_, ok := disabled.(*DummyCollector)
	assert.True(t, ok)

	_, err = factory.CreateCollector(config.StatisticsConfig{Enabled: true, Backend: "postgres"})
	require.Error(t, err)

	_, err = factory.CreateCollector(config.StatisticsConfig{Enabled: true, Backend: "etcd"})
	require.Error(t, err)

	sqlite, err := factory.CreateCollector(config.StatisticsConfig{
		Enabled:    true,
		Backend:    "sqlite",
		SQLitePath: ":memory:",
	})
	require.NoError(t, err)
	require.NoError(t, sqlite.HealthCheck(context.Background()))
	require.NoError(t, sqlite.Close())
}
