package proxy

import "fmt"

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeInvalidListenAddress = "E1002"
	ErrCodeInvalidUpstreamHost  = "E1003"
	ErrCodeCollectorInitFailed  = "E1004"
	ErrCodeRuleCompileFailed    = "E1005"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeInvalidAddress        = "E2003"
	ErrCodeInvalidPort           = "E2004"
	ErrCodeConnectionClosed      = "E2005"
	ErrCodeDialFailed            = "E2006"
	ErrCodeUpstreamConnectFailed = "E2007"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeMalformedTarget         = "E4001"
	ErrCodeHTTPForwardFailed       = "E4002"
	ErrCodeHTTPBodyReadFailed      = "E4003"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPHijackFailed        = "E4005"
	ErrCodeHTTPHijackNotSupported  = "E4006"
	ErrCodeHTTPClientNotFound      = "E4007"
	ErrCodeHTTPUpgradeFailed       = "E4008"

	// Proxy Chain and Tunnel Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"
	ErrCodeCONNECTRequestFailed   = "E6005"
	ErrCodeCONNECTResponseFailed  = "E6006"
	ErrCodeTunnelFailed           = "E6007"

	// Stream and Redaction Errors (E8000-E8999)
	ErrCodeStreamReadFailed   = "E8001"
	ErrCodeStreamWriteFailed  = "E8002"
	ErrCodeEventDecodeFailed  = "E8003"
	ErrCodeRedactionFailed    = "E8004"
	ErrCodeStreamingUnsupport = "E8005"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError   = "E9901"
	ErrCodeUnexpectedError = "E9902"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidListenAddress: "Invalid listen address",
	ErrCodeInvalidUpstreamHost:  "Invalid upstream host",
	ErrCodeCollectorInitFailed:  "Failed to initialize statistics collector",
	ErrCodeRuleCompileFailed:    "Failed to compile redaction rule",

	ErrCodeConnectionFailed:      "Failed to establish network connection",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeInvalidPort:           "Invalid port number",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeMalformedTarget:         "Malformed request target",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeHTTPBodyReadFailed:      "Failed to read HTTP message body",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPHijackFailed:        "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported:  "HTTP connection hijacking not supported",
	ErrCodeHTTPClientNotFound:      "HTTP client not found in request context",
	ErrCodeHTTPUpgradeFailed:       "HTTP protocol upgrade failed",

	ErrCodeSOCKS5DialerFailed:     "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",
	ErrCodeCONNECTRequestFailed:   "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed:  "Failed to read CONNECT response",
	ErrCodeTunnelFailed:           "Tunnel establishment failed",

	ErrCodeStreamReadFailed:   "Failed to read from event stream",
	ErrCodeStreamWriteFailed:  "Failed to write to event stream",
	ErrCodeEventDecodeFailed:  "Failed to decode stream event",
	ErrCodeRedactionFailed:    "Failed to apply redaction rules",
	ErrCodeStreamingUnsupport: "Response writer does not support streaming",

	ErrCodeInternalError:   "Internal proxy error",
	ErrCodeUnexpectedError: "Unexpected error occurred",
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewHTTPError creates an HTTP-related error
func NewHTTPError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewStreamError creates a stream-processing error
func NewStreamError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInternalError creates an internal error
func NewInternalError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E4000" && proxyErr.Code < "E5000"
	}
	return false
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E6000" && proxyErr.Code < "E7000"
	}
	return false
}

// IsStreamError checks if the error is stream-processing-related
func IsStreamError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E8000" && proxyErr.Code < "E9000"
	}
	return false
}

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E9900"
	}
	return false
}
