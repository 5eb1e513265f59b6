package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/schleier/schleier-srv/stats"
)

// flushThreshold controls how often long-lived connections report
// incremental byte counts to the collector.
const flushThreshold = 32 * 1024

// trackedConn wraps a net.Conn and reports byte counts to the statistics
// collector. Counts are flushed incrementally for long-lived connections and
// finalized exactly once on Close.
type trackedConn struct {
	net.Conn
	collector    stats.Collector
	connectionID int64
	startTime    time.Time
	ctx          context.Context

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	flushedSent   atomic.Int64
	flushedRecv   atomic.Int64
	endOnce       sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		received := c.bytesReceived.Add(int64(n))
		if received-c.flushedRecv.Load() >= flushThreshold {
			c.flushDeltas()
		}
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		sent := c.bytesSent.Add(int64(n))
		if sent-c.flushedSent.Load() >= flushThreshold {
			c.flushDeltas()
		}
	}
	return n, err
}

// flushDeltas reports bytes accumulated since the last flush. Concurrent
// flushes may race on the delta computation; the flushed counters are only
// advanced for amounts actually reported, so totals stay consistent.
func (c *trackedConn) flushDeltas() {
	sent := c.bytesSent.Load()
	received := c.bytesReceived.Load()
	deltaSent := sent - c.flushedSent.Swap(sent)
	deltaRecv := received - c.flushedRecv.Swap(received)
	if deltaSent > 0 || deltaRecv > 0 {
		_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaRecv)
	}
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	duration := time.Since(c.startTime)
	closeReason := "normal"
	if err != nil {
		closeReason = err.Error()
	}
	c.endOnce.Do(func() {
		c.flushDeltas()
		_ = c.collector.EndConnection(c.ctx, c.connectionID,
			c.bytesSent.Load(), c.bytesReceived.Load(), duration, closeReason)
	})
	return err
}
