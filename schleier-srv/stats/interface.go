// Package stats records proxy activity: connections, forwarded requests,
// tunnel byte counts, redaction hits and errors. Collection is optional and
// defaults to a no-op collector.
package stats

import (
	"context"
	"time"
)

// Collector is the interface for statistics collection backends.
// Implementations must be safe for concurrent use.
type Collector interface {
	// StartConnection records the start of a connection and returns its ID.
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)

	// EndConnection records the end of a connection with final byte counts.
	EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// RecordHTTPRequest records a forwarded HTTP request.
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error

	// RecordHTTPResponse records the upstream response for a forwarded request.
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error

	// RecordError records an error attributed to a connection.
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// RecordDataTransfer records incremental byte counts for long-lived connections.
	RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error

	// RecordRedaction records that a redaction rule fired on a stream.
	RecordRedaction(ctx context.Context, connectionID int64, rule string, count int) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
