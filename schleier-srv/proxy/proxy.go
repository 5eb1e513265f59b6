// Package proxy implements a local forward proxy that sits between a
// coding-agent CLI and its upstream API. Plain requests are forwarded to the
// configured upstream host, server-sent event streams are rewritten so that
// secrets never reach the client, and CONNECT requests are tunneled as-is.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/codefionn/schleier/schleier-srv/logger"
	"github.com/codefionn/schleier/schleier-srv/redact"
	"github.com/codefionn/schleier/schleier-srv/stats"
	"golang.org/x/net/http2"
)

type clientContextKey struct{ name string }

var clientKey = &clientContextKey{name: "http-client"}

// WithClient stores the per-connection HTTP client in the context.
func WithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// ClientFromContext returns the HTTP client stored by WithClient.
func ClientFromContext(ctx context.Context) (*http.Client, bool) {
	client, ok := ctx.Value(clientKey).(*http.Client)
	return client, ok
}

// Server is the forward proxy. It owns the listener, the redaction state and
// the statistics collector.
type Server struct {
	config    *config.Config
	rules     *redact.RuleSet
	redactor  *redact.StreamRedactor
	collector stats.Collector
	server    *http.Server
	listener  net.Listener
	running   atomic.Bool
	streamID  atomic.Int64
}

// NewServer creates a proxy server from the given configuration. The
// redaction rules are compiled once here; a compile failure is a startup
// error, not a per-request one.
func NewServer(cfg *config.Config) (*Server, error) {
	rules, err := redact.NewRuleSet(cfg.Redaction)
	if err != nil {
		return nil, NewProxyError(ErrCodeRuleCompileFailed, GetErrorDescription(ErrCodeRuleCompileFailed), err)
	}

	factory := stats.NewCollectorFactory()
	collector, err := factory.CreateCollector(cfg.Statistics)
	if err != nil {
		return nil, NewProxyError(ErrCodeCollectorInitFailed, GetErrorDescription(ErrCodeCollectorInitFailed), err)
	}

	return &Server{
		config:    cfg,
		rules:     rules,
		redactor:  redact.NewStreamRedactor(rules),
		collector: collector,
	}, nil
}

// Start begins listening on the configured address and serves in the
// background. When the port is already taken the proxy assumes another
// instance is serving and reports success.
func (s *Server) Start() error {
	if s.running.Load() {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.Warn("Address %s already in use, assuming another instance is serving", s.config.ListenAddress)
			s.running.Store(true)
			return nil
		}
		return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed), err)
	}

	return s.StartWithListener(listener)
}

// StartWithListener serves on the given listener in the background.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.listener = listener

	// No read or write timeouts on the server itself: event streams stay
	// open far longer than any reasonable request timeout.
	s.server = &http.Server{
		Handler: http.HandlerFunc(s.handleRequest),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			client := s.newUpstreamClient()
			clientIP, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			ctx = WithClient(ctx, client)
			ctx = WithClientIP(ctx, clientIP)
			return ctx
		},
	}

	s.running.Store(true)
	logger.Info("Starting proxy server on %s", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Proxy server stopped: %v", err)
		}
		s.running.Store(false)
	}()

	return nil
}

// newUpstreamClient builds the HTTP client used to reach the upstream API.
// Certificate validation for the upstream is disabled when configured so the
// proxy works behind corporate TLS middleboxes. There is no client timeout;
// streaming responses outlive any fixed deadline.
func (s *Server) newUpstreamClient() *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			logger.Debug("DialContext: network=%s addr=%s", network, addr)
			return s.dialUpstream(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: s.config.InsecureUpstream, // #nosec G402
		},
		DisableKeepAlives:     false,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to enable HTTP/2 on upstream transport: %v", err)
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Stop gracefully shuts the server down. The collector stays open so the
// server can be started again; Close releases it for good.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("Stopping proxy server")
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
		return s.server.Close()
	}
	return nil
}

// Close stops the server and closes the statistics collector.
func (s *Server) Close() error {
	stopErr := s.Stop()
	if err := s.collector.Close(); err != nil {
		logger.Error("Failed to close statistics collector: %v", err)
		return err
	}
	return stopErr
}

// IsRunning reports whether the server is accepting requests.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleTunnel(w, r)
		return
	}

	client, ok := ClientFromContext(r.Context())
	if !ok || client == nil {
		logger.Error("No http.Client found in request context")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.forwardRequest(w, r, client)
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// splitHostPortDefault splits host:port, falling back to the given default
// port when none is present.
func splitHostPortDefault(hostport, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return host, port
}

// writeProxyError writes a plaintext error response carrying the error code
// and the underlying error detail.
func writeProxyError(w http.ResponseWriter, statusCode int, originalErr error, defaultErrorCode string) {
	var proxyErr *Error
	if errors.As(originalErr, &proxyErr) {
		http.Error(w, proxyErr.Error(), statusCode)
		return
	}
	msg := fmt.Sprintf("[%s] %s", defaultErrorCode, GetErrorDescription(defaultErrorCode))
	if originalErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, originalErr)
	}
	http.Error(w, msg, statusCode)
}
