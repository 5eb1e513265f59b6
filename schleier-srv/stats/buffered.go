package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/schleier/schleier-srv/logger"
)

// BufferedCollector wraps another Collector and batches writes to it.
// Connection starts pass through immediately so IDs stay valid; everything
// else is held in memory and flushed on a timer.
type BufferedCollector struct {
	underlying Collector

	mu            sync.Mutex
	requests      []bufferedRequest
	responses     []bufferedResponse
	errors        []bufferedError
	transfers     []bufferedTransfer
	redactions    []bufferedRedaction
	ends          []bufferedEnd
	flushInterval time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

type bufferedRequest struct {
	connectionID  int64
	method        string
	url           string
	host          string
	userAgent     string
	contentLength int64
}

type bufferedResponse struct {
	connectionID  int64
	statusCode    int
	contentLength int64
}

type bufferedError struct {
	connectionID int64
	errorType    string
	errorMessage string
}

type bufferedTransfer struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
}

type bufferedRedaction struct {
	connectionID int64
	rule         string
	count        int
}

type bufferedEnd struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

// NewBufferedCollector wraps the given collector with a 5 second flush interval.
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval wraps the given collector with a custom
// flush interval.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := &BufferedCollector{
		underlying:    underlying,
		flushInterval: interval,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
	go b.flusher()
	return b
}

func (b *BufferedCollector) flusher() {
	defer close(b.doneChan)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// flush writes all buffered records to the underlying collector.
func (b *BufferedCollector) flush() {
	b.mu.Lock()
	requests := b.requests
	responses := b.responses
	errs := b.errors
	transfers := b.transfers
	redactions := b.redactions
	ends := b.ends
	b.requests = nil
	b.responses = nil
	b.errors = nil
	b.transfers = nil
	b.redactions = nil
	b.ends = nil
	b.mu.Unlock()

	ctx := context.Background()

	for _, r := range requests {
		if err := b.underlying.RecordHTTPRequest(ctx, r.connectionID, r.method, r.url, r.host, r.userAgent, r.contentLength); err != nil {
			logger.Error("Failed to flush HTTP request record: %v", err)
		}
	}
	for _, r := range responses {
		if err := b.underlying.RecordHTTPResponse(ctx, r.connectionID, r.statusCode, r.contentLength); err != nil {
			logger.Error("Failed to flush HTTP response record: %v", err)
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			logger.Error("Failed to flush error record: %v", err)
		}
	}
	for _, tr := range transfers {
		if err := b.underlying.RecordDataTransfer(ctx, tr.connectionID, tr.bytesSent, tr.bytesReceived); err != nil {
			logger.Error("Failed to flush data transfer record: %v", err)
		}
	}
	for _, rd := range redactions {
		if err := b.underlying.RecordRedaction(ctx, rd.connectionID, rd.rule, rd.count); err != nil {
			logger.Error("Failed to flush redaction record: %v", err)
		}
	}
	for _, e := range ends {
		if err := b.underlying.EndConnection(ctx, e.connectionID, e.bytesSent, e.bytesReceived, e.duration, e.closeReason); err != nil {
			logger.Error("Failed to flush connection end record: %v", err)
		}
	}
}

// ForceFlush flushes all buffered records immediately.
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// StartConnection passes through to the underlying collector so the
// returned connection ID is immediately usable.
func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return b.underlying.StartConnection(ctx, clientIP, targetHost, targetPort, protocol)
}

// EndConnection buffers the connection end record.
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.mu.Lock()
	b.ends = append(b.ends, bufferedEnd{connectionID, bytesSent, bytesReceived, duration, closeReason})
	b.mu.Unlock()
	return nil
}

// RecordHTTPRequest buffers the request record.
func (b *BufferedCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	b.mu.Lock()
	b.requests = append(b.requests, bufferedRequest{connectionID, method, url, host, userAgent, contentLength})
	b.mu.Unlock()
	return nil
}

// RecordHTTPResponse buffers the response record.
func (b *BufferedCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	b.mu.Lock()
	b.responses = append(b.responses, bufferedResponse{connectionID, statusCode, contentLength})
	b.mu.Unlock()
	return nil
}

// RecordError buffers the error record.
func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.mu.Lock()
	b.errors = append(b.errors, bufferedError{connectionID, errorType, errorMessage})
	b.mu.Unlock()
	return nil
}

// RecordDataTransfer buffers the transfer record.
func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	b.mu.Lock()
	b.transfers = append(b.transfers, bufferedTransfer{connectionID, bytesSent, bytesReceived})
	b.mu.Unlock()
	return nil
}

// RecordRedaction buffers the redaction record.
func (b *BufferedCollector) RecordRedaction(ctx context.Context, connectionID int64, rule string, count int) error {
	b.mu.Lock()
	b.redactions = append(b.redactions, bufferedRedaction{connectionID, rule, count})
	b.mu.Unlock()
	return nil
}

// HealthCheck delegates to the underlying collector.
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, flushes remaining records and closes the
// underlying collector.
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	<-b.doneChan
	return b.underlying.Close()
}
