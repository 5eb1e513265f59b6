package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/schleier/schleier-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL as the backend
type PostgreSQLCollector struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	bytes_sent BIGINT DEFAULT 0,
	bytes_received BIGINT DEFAULT 0,
	duration_ms BIGINT DEFAULT 0,
	close_reason TEXT
);

CREATE TABLE IF NOT EXISTS http_requests (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT REFERENCES connections(id),
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	user_agent TEXT,
	content_length BIGINT DEFAULT 0,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS http_responses (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT REFERENCES connections(id),
	status_code INTEGER NOT NULL,
	content_length BIGINT DEFAULT 0,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS errors (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT REFERENCES connections(id),
	error_type TEXT NOT NULL,
	error_message TEXT,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS data_transfers (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT REFERENCES connections(id),
	bytes_sent BIGINT DEFAULT 0,
	bytes_received BIGINT DEFAULT 0,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS redactions (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT REFERENCES connections(id),
	rule TEXT NOT NULL,
	match_count INTEGER NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
`

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	collector := &PostgreSQLCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector postgres")

	return collector, nil
}

// initSchema creates the necessary tables if they don't exist
func (p *PostgreSQLCollector) initSchema() error {
	if _, err := p.db.Exec(postgresSchema); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	return nil
}

// StartConnection records the start of a connection
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		clientIP, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = $1, bytes_sent = $2, bytes_received = $3, duration_ms = $4, close_reason = $5
		 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (p *PostgreSQLCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, user_agent, content_length, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		connectionID, method, url, host, userAgent, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response
func (p *PostgreSQLCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, statusCode, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error
func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer records incremental data transfer
func (p *PostgreSQLCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO data_transfers (connection_id, bytes_sent, bytes_received, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, bytesSent, bytesReceived, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordRedaction records a redaction rule hit
func (p *PostgreSQLCollector) RecordRedaction(ctx context.Context, connectionID int64, rule string, count int) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO redactions (connection_id, rule, match_count, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, rule, count, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record redaction: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
