package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddress)
	assert.Equal(t, "api.anthropic.com", cfg.UpstreamHost)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.True(t, cfg.InsecureUpstream)
	assert.Nil(t, cfg.Forward)
	assert.False(t, cfg.Statistics.Enabled)
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"listen-address": "127.0.0.1:9000",
		"upstream-host": "api.example.com",
		"timeout-seconds": 60,
		"insecure-upstream": false,
		"forward": {
			"type": "socks5",
			"address": "10.0.0.1:1080",
			"username": "user"
		},
		"redaction": {
			"disable-builtins": false,
			"rules": [
				{"name": "internal-host", "pattern": "internal\\.example\\.com", "replacement": "[REDACTED:HOST]"}
			],
			"literals": ["hunter2"],
			"literal-env": ["TEST_SECRET_VALUE"]
		},
		"statistics": {
			"enabled": true,
			"backend": "sqlite",
			"sqlite-path": "stats.db",
			"flush-interval-seconds": 10
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	assert.Equal(t, "api.example.com", cfg.UpstreamHost)
	assert.Equal(t, 60, cfg.TimeoutSeconds)
	assert.False(t, cfg.InsecureUpstream)

	require.IsType(t, &ForwardSocks5{}, cfg.Forward)
	socks5 := cfg.Forward.(*ForwardSocks5)
	assert.Equal(t, "10.0.0.1:1080", socks5.Address)
	require.NotNil(t, socks5.Username)
	assert.Equal(t, "user", *socks5.Username)
	assert.Nil(t, socks5.Password)

	require.Len(t, cfg.Redaction.Rules, 1)
	assert.Equal(t, "internal-host", cfg.Redaction.Rules[0].Name)
	assert.Equal(t, []string{"hunter2"}, cfg.Redaction.Literals)
	assert.Equal(t, []string{"TEST_SECRET_VALUE"}, cfg.Redaction.LiteralEnv)

	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "sqlite", cfg.Statistics.Backend)
	assert.Equal(t, "stats.db", cfg.Statistics.SQLitePath)
	assert.Equal(t, 10, cfg.Statistics.FlushInterval)
}

func TestLoadJSONConfigSecret(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://stats:pw@localhost/stats")

	path := writeConfigFile(t, "config.json", `{
		"statistics": {
			"enabled": true,
			"backend": "postgres",
			"postgres-dsn": {"_secret": "TEST_PG_DSN"}
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://stats:pw@localhost/stats", cfg.Statistics.PostgresDSN)
}

func TestLoadJSONConfigSecretMissing(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"statistics": {
			"postgres-dsn": {"_secret": "TEST_PG_DSN_UNSET"}
		}
	}`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_PG_DSN_UNSET")
}

func TestLoadConfigInvalidPattern(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"redaction": {
			"rules": [{"name": "broken", "pattern": "[unterminated", "replacement": "x"}]
		}
	}`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", "listen-address: nope")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SCHLEIER_LISTENADDRESS", "127.0.0.1:7777")
	t.Setenv("SCHLEIER_UPSTREAMHOST", "api.override.test")
	t.Setenv("SCHLEIER_TIMEOUTSECONDS", "5")
	t.Setenv("SCHLEIER_INSECUREUPSTREAM", "false")
	t.Setenv("SCHLEIER_STATS_ENABLED", "1")
	t.Setenv("SCHLEIER_STATS_BACKEND", "dummy")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.ListenAddress)
	assert.Equal(t, "api.override.test", cfg.UpstreamHost)
	assert.Equal(t, 5, cfg.TimeoutSeconds)
	assert.False(t, cfg.InsecureUpstream)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "dummy", cfg.Statistics.Backend)
}

func TestHasChanged(t *testing.T) {
	a, err := LoadConfig("")
	require.NoError(t, err)
	b, err := LoadConfig("")
	require.NoError(t, err)

	assert.False(t, HasChanged(a, b))

	b.ListenAddress = "127.0.0.1:9999"
	assert.True(t, HasChanged(a, b))
}
