package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/codefionn/schleier/schleier-srv/logger"
)

// handleTunnel serves CONNECT requests by bridging the client connection to
// the target over raw TCP. The connection is hijacked before the upstream
// dial so a failed dial can be answered with a silent close instead of an
// HTTP error the CONNECT client would misparse.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	targetAddr := r.Host
	if _, _, err := net.SplitHostPort(targetAddr); err != nil {
		targetAddr = net.JoinHostPort(targetAddr, "443")
	}
	logger.Debug("CONNECT request for %s", targetAddr)

	clientIP := ""
	if ip, ok := ClientIPFromContext(r.Context()); ok {
		clientIP = ip
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		http.Error(w, fmt.Sprintf("Hijack error: %v", err), http.StatusInternalServerError)
		return
	}

	// Hijacking cancels the request context, so the dial gets a fresh one.
	ctx := WithClientIP(context.Background(), clientIP)

	targetConn, err := s.dialUpstream(ctx, "tcp", targetAddr)
	if err != nil {
		logger.Warn("Tunnel to %s failed, closing client connection: %v", targetAddr, err)
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		return
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Error("Failed to send 200 response: %v", err)
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		if closeErr := targetConn.Close(); closeErr != nil {
			logger.Error("Error closing target connection: %v", closeErr)
		}
		return
	}

	logger.Debug("Tunnel established to %s", targetAddr)

	defer clientConn.Close()
	defer targetConn.Close()

	bridgeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			if _, err := clientBuf.WriteTo(targetConn); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			}
		}
		if _, err := io.Copy(targetConn, clientConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("Tunnel copy error (client to target): %v", err)
			}
		}
		if tcpConn, ok := targetConn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if _, err := io.Copy(clientConn, targetConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("Tunnel copy error (target to client): %v", err)
			}
		}
		if tcpConn, ok := clientConn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()

	go func() {
		<-bridgeCtx.Done()
		clientConn.Close()
		targetConn.Close()
	}()

	wg.Wait()
	logger.Debug("Tunnel closed for %s", targetAddr)
}
