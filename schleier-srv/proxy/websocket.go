package proxy

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/codefionn/schleier/schleier-srv/logger"
)

// handleWebSocketTunnel bridges an upgraded WebSocket connection. The
// upstream response body doubles as the write side of the upgraded
// connection, so frames pass through untouched in both directions.
func (s *Server) handleWebSocketTunnel(w http.ResponseWriter, resp *http.Response, connectionID int64) {
	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		logger.Error("Upgraded response body is not writable")
		http.Error(w, "WebSocket not supported", http.StatusInternalServerError)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking for WebSocket")
		http.Error(w, "WebSocket not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection for WebSocket: %v", err)
		http.Error(w, "WebSocket error", http.StatusInternalServerError)
		return
	}

	responseHeaders := []byte("HTTP/1.1 101 Switching Protocols\r\n")
	for name, values := range resp.Header {
		for _, value := range values {
			responseHeaders = append(responseHeaders, []byte(fmt.Sprintf("%s: %s\r\n", name, value))...)
		}
	}
	responseHeaders = append(responseHeaders, []byte("\r\n")...)

	if _, err := clientConn.Write(responseHeaders); err != nil {
		logger.Error("Failed to send WebSocket response headers: %v", err)
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		if closeErr := upstream.Close(); closeErr != nil {
			logger.Error("Error closing upstream connection: %v", closeErr)
		}
		return
	}

	logger.Debug("WebSocket tunnel established (connection %d)", connectionID)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer func() {
			if closeErr := upstream.Close(); closeErr != nil && !isClosedConnError(closeErr) {
				logger.Error("Error closing upstream connection: %v", closeErr)
			}
		}()

		if clientBuf != nil && clientBuf.Reader.Buffered() > 0 {
			buf := make([]byte, clientBuf.Reader.Buffered())
			if _, err := clientBuf.Reader.Read(buf); err != nil {
				logger.Error("Failed to read buffered data: %v", err)
				return
			}
			if _, err := upstream.Write(buf); err != nil {
				logger.Error("Failed to write buffered data: %v", err)
				return
			}
		}

		if _, err := io.Copy(upstream, clientConn); err != nil && !isClosedConnError(err) {
			logger.Error("Failed to copy client to upstream: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer func() {
			if closeErr := clientConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
				logger.Error("Error closing client connection: %v", closeErr)
			}
		}()
		if _, err := io.Copy(clientConn, upstream); err != nil && !isClosedConnError(err) {
			logger.Error("Failed to copy upstream to client: %v", err)
		}
	}()

	wg.Wait()
	logger.Debug("WebSocket tunnel closed (connection %d)", connectionID)
}
