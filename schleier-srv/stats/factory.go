package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/codefionn/schleier/schleier-srv/logger"
)

// DefaultSQLitePath is used when the sqlite backend is selected without a path.
const DefaultSQLitePath = "schleier_stats.db"

// CollectorFactory creates statistics collectors from configuration.
type CollectorFactory struct{}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{}
}

// CreateCollector creates a collector for the configured backend.
// Database-backed collectors are wrapped in a BufferedCollector.
func (f *CollectorFactory) CreateCollector(cfg config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		logger.Debug("Statistics collection disabled, using dummy collector")
		return NewDummyCollector(), nil
	}

	interval := time.Duration(cfg.FlushInterval) * time.Second

	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		collector, err := NewSQLiteCollector(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite collector: %w", err)
		}
		return NewBufferedCollectorWithInterval(collector, interval), nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		collector, err := NewPostgreSQLCollector(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL collector: %w", err)
		}
		return NewBufferedCollectorWithInterval(collector, interval), nil

	case "dummy":
		return NewDummyCollector(), nil

	default:
		return nil, fmt.Errorf("unsupported statistics backend: %s", cfg.Backend)
	}
}
