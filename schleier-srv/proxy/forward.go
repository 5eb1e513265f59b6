package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/schleier/schleier-srv/logger"
)

// hopHeaders are stripped before a request is forwarded upstream. Connection
// and Upgrade are stripped too unless the request is a WebSocket upgrade.
var hopHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
}

// resolveTarget maps the incoming request to its upstream URL. Absolute URLs
// are used as-is; relative paths are resolved against the configured
// upstream host, https unless the host carries an explicit scheme.
func (s *Server) resolveTarget(r *http.Request) (string, error) {
	if r.URL.IsAbs() {
		return r.URL.String(), nil
	}
	if r.URL.Opaque != "" || !strings.HasPrefix(r.URL.Path, "/") {
		return "", NewHTTPError(ErrCodeMalformedTarget, GetErrorDescription(ErrCodeMalformedTarget),
			fmt.Errorf("request target %q", r.RequestURI))
	}

	base := s.config.UpstreamHost
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	target := strings.TrimSuffix(base, "/") + r.URL.RequestURI()
	if _, err := url.ParseRequestURI(target); err != nil {
		return "", NewHTTPError(ErrCodeMalformedTarget, GetErrorDescription(ErrCodeMalformedTarget), err)
	}
	return target, nil
}

func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request, client *http.Client) {
	ctx := r.Context()

	targetURL, err := s.resolveTarget(r)
	if err != nil {
		logger.Warn("Rejecting request with malformed target %q: %v", r.RequestURI, err)
		writeProxyError(w, http.StatusBadRequest, err, ErrCodeMalformedTarget)
		return
	}

	parsedTarget, err := url.Parse(targetURL)
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, err, ErrCodeMalformedTarget)
		return
	}

	clientIP := ""
	if ip, ok := ClientIPFromContext(ctx); ok {
		clientIP = ip
	}
	defaultPort := "443"
	if parsedTarget.Scheme == "http" {
		defaultPort = "80"
	}
	targetHost, targetPortStr := splitHostPortDefault(parsedTarget.Host, defaultPort)
	targetPort, _ := strconv.Atoi(targetPortStr)

	connectionID, startErr := s.collector.StartConnection(ctx, clientIP, targetHost, targetPort, "http")
	if startErr != nil {
		logger.Error("Failed to record connection start: %v", startErr)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, err, ErrCodeMalformedTarget)
		_ = s.collector.EndConnection(ctx, connectionID, 0, 0, 0, "malformed_target")
		return
	}

	isWebSocket := isWebSocketUpgrade(r.Header)
	copyRequestHeaders(req.Header, r.Header, isWebSocket)

	contentLength := r.ContentLength
	if contentLength < 0 {
		contentLength = 0
	}
	if err := s.collector.RecordHTTPRequest(ctx, connectionID, r.Method, parsedTarget.RequestURI(), targetHost, r.UserAgent(), contentLength); err != nil {
		logger.Error("Failed to record HTTP request: %v", err)
	}

	logger.Debug("Forwarding %s %s", r.Method, targetURL)

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", targetURL, err)
		_ = s.collector.RecordError(ctx, connectionID, "upstream_failure", err.Error())
		_ = s.collector.EndConnection(ctx, connectionID, contentLength, 0, 0, "upstream_failure")
		writeProxyError(w, http.StatusInternalServerError, err, ErrCodeHTTPForwardFailed)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if isWebSocket && resp.StatusCode == http.StatusSwitchingProtocols &&
		strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		logger.Debug("Handling WebSocket upgrade response from %s", targetHost)
		s.handleWebSocketTunnel(w, resp, connectionID)
		return
	}

	if err := s.collector.RecordHTTPResponse(ctx, connectionID, resp.StatusCode, resp.ContentLength); err != nil {
		logger.Error("Failed to record HTTP response: %v", err)
	}

	isSSE := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	for key, values := range resp.Header {
		if isSSE && key == "Content-Length" {
			// The rewritten stream has a different length.
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if isSSE {
		s.streamSSE(ctx, w, resp.Body, connectionID)
	} else {
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Error("Failed to copy response body: %v", err)
		}
	}

	_ = s.collector.EndConnection(ctx, connectionID, contentLength, resp.ContentLength, 0, "normal")
}

// copyRequestHeaders copies client headers to the upstream request, dropping
// hop-by-hop and proxy headers.
func copyRequestHeaders(dst, src http.Header, isWebSocket bool) {
	for name, values := range src {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		if !isWebSocket && (name == "Connection" || name == "Upgrade") {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	if isWebSocket {
		dst.Set("Connection", "Upgrade")
		dst.Set("Upgrade", "websocket")
	}
}

// streamSSE pipes an event stream through the rewriter chunk by chunk and
// records which redaction rules fired.
func (s *Server) streamSSE(ctx context.Context, w http.ResponseWriter, body io.Reader, connectionID int64) {
	id := s.streamID.Add(1)
	rw := NewStreamRewriter(w, s.redactor, id)

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if perr := rw.Process(buf[:n]); perr != nil {
				logger.Error("Stream %d rewrite failed: %v", id, perr)
				break
			}
		}
		if err != nil {
			if err != io.EOF && !isClosedConnError(err) {
				logger.Error("Stream %d upstream read failed: %v", id, err)
			}
			break
		}
	}

	if err := rw.Finish(); err != nil {
		logger.Error("Stream %d finish failed: %v", id, err)
	}

	for rule, count := range rw.Counts() {
		if err := s.collector.RecordRedaction(ctx, connectionID, rule, count); err != nil {
			logger.Error("Failed to record redaction: %v", err)
		}
	}
}
