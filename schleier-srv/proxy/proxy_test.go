package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/schleier/schleier-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{
		ListenAddress:    "127.0.0.1:0",
		UpstreamHost:     "api.anthropic.com",
		TimeoutSeconds:   5,
		InsecureUpstream: true,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func startTestProxy(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartWithListener(listener))
	t.Cleanup(func() { _ = srv.Close() })

	return srv, listener.Addr().String()
}

func TestForwardRelativePath(t *testing.T) {
	var gotPath, gotProxyAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotProxyAuth = r.Header.Get("Proxy-Authorization")
		fmt.Fprint(w, "upstream ok")
	}))
	defer upstream.Close()

	_, proxyAddr := startTestProxy(t, testConfig(func(cfg *config.Config) {
		cfg.UpstreamHost = upstream.URL
	}))

	req, err := http.NewRequest(http.MethodGet, "http://"+proxyAddr+"/v1/models", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")
	req.Header.Set("Proxy-Connection", "keep-alive")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream ok", string(body))
	assert.Equal(t, "/v1/models", gotPath)
	assert.Empty(t, gotProxyAuth)
}

func TestForwardAbsoluteURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "absolute ok")
	}))
	defer upstream.Close()

	_, proxyAddr := startTestProxy(t, testConfig(nil))

	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(upstream.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "absolute ok", string(body))
}

func TestMalformedTargetRejected(t *testing.T) {
	_, proxyAddr := startTestProxy(t, testConfig(nil))

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "OPTIONS * HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpstreamFailureReturns500(t *testing.T) {
	_, proxyAddr := startTestProxy(t, testConfig(func(cfg *config.Config) {
		// Nothing listens here.
		cfg.UpstreamHost = "http://127.0.0.1:1"
		cfg.TimeoutSeconds = 1
	}))

	resp, err := http.Get("http://" + proxyAddr + "/v1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The body names an error code and carries the transport error detail.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "[E"), "body: %s", body)
	assert.Contains(t, string(body), "connection refused")
}

func TestConnectTunnel(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { echoLn.Close() })
	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	_, proxyAddr := startTestProxy(t, testConfig(nil))

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	echoAddr := echoLn.Addr().String()
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echoAddr, echoAddr)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200 Connection Established")

	// Consume the blank line terminating the response.
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	payload := "hello through the tunnel"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
}

func TestConnectTunnelClosePropagation(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { targetLn.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	_, proxyAddr := startTestProxy(t, testConfig(nil))

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	targetAddr := targetLn.Addr().String()
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200 Connection Established")
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	var target net.Conn
	select {
	case target = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("target side was never dialed")
	}

	// Dropping the target side must tear down the client side too.
	require.NoError(t, target.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = reader.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestConnectFailureClosesSilently(t *testing.T) {
	_, proxyAddr := startTestProxy(t, testConfig(func(cfg *config.Config) {
		cfg.TimeoutSeconds = 1
	}))

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestStartPortInUse(t *testing.T) {
	srvA, addr := startTestProxy(t, testConfig(nil))
	require.True(t, srvA.IsRunning())

	srvB, err := NewServer(testConfig(func(cfg *config.Config) {
		cfg.ListenAddress = addr
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srvB.Close() })

	require.NoError(t, srvB.Start())
	assert.True(t, srvB.IsRunning())
}

func TestStopAndRestart(t *testing.T) {
	cfg := testConfig(nil)
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.False(t, srv.IsRunning())
	require.NoError(t, srv.Stop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartWithListener(listener))
	assert.True(t, srv.IsRunning())

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())

	listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartWithListener(listener))
	assert.True(t, srv.IsRunning())
}

func TestSSERedactionEndToEnd(t *testing.T) {
	secret := "sk-ant-REDACTED"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		write := func(name, data string) {
			_ = WriteEvent(w, name, data)
			flusher.Flush()
		}

		write("message_start", `{"type":"message_start","message":{"id":"msg_1"}}`)
		write("content_block_start", `{"type":"content_block_start","index":0}`)
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"token is %s"}}`, secret[:10]))
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"%s done"}}`, secret[10:]))
		write("content_block_stop", `{"type":"content_block_stop","index":0}`)
		write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`)
		write("message_stop", `{"type":"message_stop"}`)
	}))
	defer upstream.Close()

	_, proxyAddr := startTestProxy(t, testConfig(func(cfg *config.Config) {
		cfg.UpstreamHost = upstream.URL
	}))

	resp, err := http.Get("http://" + proxyAddr + "/v1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)

	assert.NotContains(t, out, secret)
	assert.Contains(t, out, "[REDACTED:ANTHROPIC]")
	assert.Contains(t, out, "message_start")
	assert.Contains(t, out, "content_block_stop")
	assert.Contains(t, out, "message_stop")
	assert.NotContains(t, out, "output_tokens")

	reassembler := NewSSEReassembler()
	var text strings.Builder
	for _, ev := range reassembler.Feed(body) {
		payload, ok := ev.DecodeData()
		if !ok {
			continue
		}
		if payload["type"] == "content_block_delta" {
			if delta, ok := payload["delta"].(map[string]any); ok {
				if s, ok := delta["text"].(string); ok {
					text.WriteString(s)
				}
			}
		}
	}
	assert.Equal(t, "token is [REDACTED:ANTHROPIC] done", text.String())
}
