package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/codefionn/schleier/schleier-srv/logger"
	"golang.org/x/net/proxy"
)

type contextKey string

const clientIPKey contextKey = "client-ip"

// WithClientIP stores the client IP in the context for connection tracking.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the client IP stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey).(string)
	return ip, ok
}

// dialUpstream establishes a TCP connection to the target address, going
// through the configured forward (SOCKS5 or HTTP proxy) when one is set.
// The returned connection reports byte counts to the statistics collector.
func (s *Server) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, NewConnectionError(ErrCodeInvalidAddress, GetErrorDescription(ErrCodeInvalidAddress), fmt.Errorf("address %q: %w", addr, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, NewConnectionError(ErrCodeInvalidPort, GetErrorDescription(ErrCodeInvalidPort), fmt.Errorf("port %q: %w", portStr, err))
	}

	clientIP := ""
	if ip, ok := ClientIPFromContext(ctx); ok {
		clientIP = ip
	}

	connectionID, startErr := s.collector.StartConnection(ctx, clientIP, host, port, "tcp")
	if startErr != nil {
		// Stats may be incomplete but the connection can still proceed.
		logger.Error("Failed to start connection tracking: %v", startErr)
	}

	var connErr error
	defer func() {
		if connErr != nil {
			_ = s.collector.RecordError(ctx, connectionID, "connection", connErr.Error())
			_ = s.collector.EndConnection(ctx, connectionID, 0, 0, 0, connErr.Error())
		}
	}()

	dialer := &net.Dialer{
		Timeout: time.Duration(s.config.TimeoutSeconds) * time.Second,
	}

	var targetConn net.Conn
	switch fwd := s.config.Forward.(type) {
	case nil:
		logger.Debug("Direct connection for %s", addr)
		targetConn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			err = NewConnectionError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("direct dial to %s: %w", addr, err))
		}
	case *config.ForwardSocks5:
		logger.Debug("Using SOCKS5 forward (%s) for %s", fwd.Address, addr)
		targetConn, err = s.dialSocks5(ctx, dialer, fwd, addr)
	case *config.ForwardProxy:
		logger.Debug("Using HTTP proxy forward (%s) for %s", fwd.Address, addr)
		targetConn, err = s.dialHTTPProxy(ctx, dialer, fwd, addr)
	default:
		err = NewInternalError(ErrCodeInternalError, fmt.Sprintf("unknown forward type %T", s.config.Forward), nil)
	}

	if err != nil {
		connErr = err
		logger.Error("Failed to establish connection to %s: %v", addr, err)
		return nil, err
	}

	logger.Debug("Established connection to %s", addr)
	return newTrackedConn(ctx, targetConn, s.collector, connectionID), nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (s *Server) dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil && fwd.Password != nil {
		auth = &proxy.Auth{
			User:     *fwd.Username,
			Password: *fwd.Password,
		}
	} else if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
	}

	socksDialer, err := proxy.SOCKS5("tcp", fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		type contextDialer interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		}

		var conn net.Conn
		var err error
		if ctxDialer, ok := socksDialer.(contextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", targetHostPort)
		} else {
			conn, err = socksDialer.Dial("tcp", targetHostPort)
		}
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, ctx.Err()))
	}
}

// dialHTTPProxy establishes a connection to the target via an HTTP proxy using CONNECT
func (s *Server) dialHTTPProxy(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardProxy, targetHostPort string) (net.Conn, error) {
	logger.Debug("Dialing HTTP proxy %s to reach %s", fwd.Address, targetHostPort)

	proxyConn, err := dialer.DialContext(ctx, "tcp", fwd.Address)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed), fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}

	connectReq, err := http.NewRequest("CONNECT", "http://"+targetHostPort, http.NoBody)
	if err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("creating for target %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("User-Agent", "schleier-proxy/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if fwd.Username != nil && fwd.Password != nil {
		proxyAuth := *fwd.Username + ":" + *fwd.Password
		authEncoded := base64.StdEncoding.EncodeToString([]byte(proxyAuth))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+authEncoded)
	} else if fwd.Username != nil {
		logger.Warn("Proxy username provided without password for %s", fwd.Address)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewProxyChainError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed), fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		errMsg := fmt.Sprintf("proxy %s denied CONNECT to %s with status %s. Body: %s", fwd.Address, targetHostPort, connectResp.Status, string(bodyBytes))
		logger.Error("%s", errMsg)
		return nil, NewProxyChainError(ErrCodeHTTPProxyConnectFailed, GetErrorDescription(ErrCodeHTTPProxyConnectFailed), fmt.Errorf("%s", errMsg))
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, targetHostPort)
	return proxyConn, nil
}
