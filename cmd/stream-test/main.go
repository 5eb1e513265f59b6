// Command stream-test runs smoke tests against a running schleier proxy.
// It starts a local origin that serves plain responses and an event stream
// with planted secrets, sends traffic through the proxy, and verifies the
// stream comes back redacted while tunnels and plain requests pass through.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/schleier/schleier-srv/logger"
)

const plantedSecret = "sk-ant-REDACTED"

// TestResult represents the outcome of a single test case.
type TestResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// TestSuite manages the smoke tests against a proxy server.
type TestSuite struct {
	ProxyAddr string
	OriginURL string
	Client    *http.Client
	Results   []TestResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	originURL, shutdown, err := startOrigin()
	if err != nil {
		logger.Fatal("Failed to start local origin: %v", err)
	}
	defer shutdown()

	suite := &TestSuite{
		ProxyAddr: *proxyAddr,
		OriginURL: originURL,
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		},
	}

	logger.Info("Starting smoke tests against proxy %s with origin %s", *proxyAddr, originURL)

	suite.run("plain-forward", suite.testPlainForward)
	suite.run("status-passthrough", suite.testStatusPassthrough)
	suite.run("sse-redaction", suite.testSSERedaction)
	suite.run("sse-usage-withheld", suite.testSSEUsageWithheld)
	suite.run("connect-tunnel", suite.testConnectTunnel)

	suite.printResults()
}

// startOrigin serves the test endpoints on a random local port.
func startOrigin() (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain response")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		write := func(name, data string) {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			if flusher != nil {
				flusher.Flush()
			}
		}

		write("message_start", `{"type":"message_start","message":{"id":"msg_smoke"}}`)
		write("content_block_start", `{"type":"content_block_start","index":0}`)
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the key is %s"}}`, plantedSecret[:12]))
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"%s, keep it safe"}}`, plantedSecret[12:]))
		write("content_block_stop", `{"type":"content_block_stop","index":0}`)
		write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":11}}`)
		write("message_stop", `{"type":"message_stop"}`)
	})

	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()

	return "http://" + listener.Addr().String(), func() { _ = server.Close() }, nil
}

func (ts *TestSuite) run(name string, test func() TestResult) {
	logger.Debug("Running test: %s", name)
	result := test()
	result.Name = name
	ts.Results = append(ts.Results, result)
}

func (ts *TestSuite) get(path string) (*http.Response, []byte, error) {
	resp, err := ts.Client.Get(ts.OriginURL + path)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

func (ts *TestSuite) testPlainForward() TestResult {
	start := time.Now()
	resp, body, err := ts.get("/plain")
	duration := time.Since(start)
	if err != nil {
		return TestResult{Duration: duration, Error: fmt.Sprintf("Request failed: %v", err)}
	}
	return TestResult{
		Success:  resp.StatusCode == 200 && string(body) == "plain response",
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (ts *TestSuite) testStatusPassthrough() TestResult {
	start := time.Now()
	resp, _, err := ts.get("/missing")
	duration := time.Since(start)
	if err != nil {
		return TestResult{Duration: duration, Error: fmt.Sprintf("Request failed: %v", err)}
	}
	return TestResult{
		Success:  resp.StatusCode == 404,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (ts *TestSuite) testSSERedaction() TestResult {
	start := time.Now()
	resp, body, err := ts.get("/events")
	duration := time.Since(start)
	if err != nil {
		return TestResult{Duration: duration, Error: fmt.Sprintf("Request failed: %v", err)}
	}

	out := string(body)
	if strings.Contains(out, plantedSecret) {
		return TestResult{
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    "planted secret leaked through the stream",
		}
	}
	if !strings.Contains(out, "[REDACTED:") {
		return TestResult{
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    "no redaction marker found in stream",
		}
	}
	return TestResult{
		Success:  resp.StatusCode == 200,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (ts *TestSuite) testSSEUsageWithheld() TestResult {
	start := time.Now()
	resp, body, err := ts.get("/events")
	duration := time.Since(start)
	if err != nil {
		return TestResult{Duration: duration, Error: fmt.Sprintf("Request failed: %v", err)}
	}

	out := string(body)
	if strings.Contains(out, "output_tokens") {
		return TestResult{
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    "usage metadata was forwarded to the client",
		}
	}
	if !strings.Contains(out, "message_stop") {
		return TestResult{
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    "message_stop event missing from stream",
		}
	}
	return TestResult{
		Success:  resp.StatusCode == 200,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (ts *TestSuite) testConnectTunnel() TestResult {
	start := time.Now()

	originHost := strings.TrimPrefix(ts.OriginURL, "http://")

	conn, err := net.DialTimeout("tcp", ts.ProxyAddr, 5*time.Second)
	if err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("Dial failed: %v", err)}
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing tunnel connection: %v", closeErr)
		}
	}()

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", originHost, originHost); err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("CONNECT write failed: %v", err)}
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("CONNECT response failed: %v", err)}
	}
	if resp.StatusCode != 200 {
		return TestResult{Duration: time.Since(start), Status: resp.StatusCode, Error: "CONNECT was not established"}
	}

	// Speak plain HTTP through the tunnel.
	if _, err := fmt.Fprintf(conn, "GET /plain HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", originHost); err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("Tunneled request failed: %v", err)}
	}
	tunneled, err := http.ReadResponse(reader, nil)
	if err != nil {
		return TestResult{Duration: time.Since(start), Error: fmt.Sprintf("Tunneled response failed: %v", err)}
	}
	body, _ := io.ReadAll(tunneled.Body)
	_ = tunneled.Body.Close()

	return TestResult{
		Success:  tunneled.StatusCode == 200 && string(body) == "plain response",
		Duration: time.Since(start),
		Status:   tunneled.StatusCode,
	}
}

func (ts *TestSuite) printResults() {
	fmt.Printf("\n=== Proxy Smoke Test Results ===\n")
	fmt.Printf("Proxy: %s\n\n", ts.ProxyAddr)

	passed := 0
	failed := 0

	for _, result := range ts.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-20s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                     Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total tests: %d\n", len(ts.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome tests failed. Check proxy configuration and connectivity.\n")
		os.Exit(1)
	}
	fmt.Printf("\nAll tests passed! Proxy is working correctly.\n")
}
