package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/codefionn/schleier/schleier-srv/logger"
)

// ForwardType defines the type of upstream forwarding rule.
type ForwardType int

const (
	// ForwardTypeSocks5 routes outbound connections through a SOCKS5 proxy.
	ForwardTypeSocks5 ForwardType = iota
	// ForwardTypeProxy routes outbound connections through an HTTP CONNECT proxy.
	ForwardTypeProxy
)

// Forward defines the interface for upstream forwarding configurations.
type Forward interface {
	Type() ForwardType
}

// ForwardSocks5 represents SOCKS5 upstream forwarding configuration.
type ForwardSocks5 struct {
	Address  string
	Username *string
	Password *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardSocks5) Type() ForwardType {
	return ForwardTypeSocks5
}

// ForwardProxy represents HTTP CONNECT upstream forwarding configuration.
type ForwardProxy struct {
	Address  string
	Username *string
	Password *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardProxy) Type() ForwardType {
	return ForwardTypeProxy
}

// RuleConfig defines a single redaction rule. Pattern is a Go regular
// expression; Replacement is the literal text substituted for every match.
type RuleConfig struct {
	Name        string
	Pattern     string
	Replacement string
}

// RedactionConfig controls how streamed response text is redacted.
type RedactionConfig struct {
	DisableBuiltins bool         // Skip the builtin secret pattern catalog
	Rules           []RuleConfig // Additional rules, applied in declared order
	Literals        []string     // Exact secret values to redact
	LiteralEnv      []string     // Environment variables whose values are redacted
}

// StatisticsConfig controls the statistics collector backend.
type StatisticsConfig struct {
	Enabled       bool
	Backend       string // "sqlite", "postgres" or "dummy"
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // Buffer flush interval in seconds
}

// Config represents the main configuration structure for the proxy.
//
// UpstreamHost is the host that requests with relative targets are forwarded
// to. It is normally a bare hostname reached over HTTPS; a value containing
// "://" is used verbatim as the base URL.
type Config struct {
	ListenAddress    string // Address to listen on (e.g. 127.0.0.1:8080)
	UpstreamHost     string // Target host for relative request paths
	TimeoutSeconds   int    // Outbound dial timeout; streams themselves are unbounded
	InsecureUpstream bool   // Disable certificate validation on outbound TLS
	Forward          Forward
	Redaction        RedactionConfig
	Statistics       StatisticsConfig
}

// LoadConfig loads configuration from the specified file path.
// Defaults are applied first, then SCHLEIER_* environment variables,
// then the config file (.json or .hcl) when a path is given.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenAddress:    "127.0.0.1:8080",
		UpstreamHost:     "api.anthropic.com",
		TimeoutSeconds:   30,
		InsecureUpstream: true,
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validateRedaction(&cfg.Redaction); err != nil {
		return nil, err
	}

	return cfg, nil
}

// HasChanged reports whether two configurations differ.
func HasChanged(a, b *Config) bool {
	return !reflect.DeepEqual(a, b)
}

func validateRedaction(rc *RedactionConfig) error {
	for _, rule := range rc.Rules {
		if rule.Name == "" {
			return fmt.Errorf("redaction rule with pattern %q is missing a name", rule.Pattern)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("invalid pattern for redaction rule %s: %w", rule.Name, err)
		}
	}
	for _, name := range rc.LiteralEnv {
		if name == "" {
			return fmt.Errorf("literal-env entries must name an environment variable")
		}
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if val, exists := data["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("listen-address must be a string")
		}
		cfg.ListenAddress = *ptr
	}

	if val, exists := data["upstream-host"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("upstream-host must be a string")
		}
		cfg.UpstreamHost = *ptr
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["insecure-upstream"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("insecure-upstream must be a boolean")
		}
		cfg.InsecureUpstream = *ptr
	}

	if forwardData, ok := data["forward"].(map[string]any); ok && forwardData != nil {
		forward, err := parseForward(forwardData)
		if err != nil {
			return err
		}
		cfg.Forward = forward
	}

	if redactionData, ok := data["redaction"].(map[string]any); ok && redactionData != nil {
		if err := parseRedaction(redactionData, &cfg.Redaction); err != nil {
			return err
		}
	}

	if statsData, ok := data["statistics"].(map[string]any); ok && statsData != nil {
		if err := parseStatistics(statsData, &cfg.Statistics); err != nil {
			return err
		}
	}

	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	switch forwardType {
	case "socks5":
		socks5Forward := &ForwardSocks5{}
		if address, err := parseValue[string](forwardMap["address"]); err == nil {
			socks5Forward.Address = *address
		} else {
			return nil, fmt.Errorf("socks5 forward requires address field")
		}

		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			socks5Forward.Username = username
		}

		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			socks5Forward.Password = password
		}

		return socks5Forward, nil

	case "proxy":
		proxyForward := &ForwardProxy{}
		if address, err := parseValue[string](forwardMap["address"]); err == nil {
			proxyForward.Address = *address
		} else {
			return nil, fmt.Errorf("proxy forward requires address field")
		}

		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			proxyForward.Username = username
		}

		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			proxyForward.Password = password
		}

		return proxyForward, nil

	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

func parseRedaction(redactionMap map[string]any, rc *RedactionConfig) error {
	if val, exists := redactionMap["disable-builtins"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("disable-builtins must be a boolean")
		}
		rc.DisableBuiltins = *ptr
	}

	if rules, ok := redactionMap["rules"].([]any); ok && rules != nil {
		rc.Rules = nil
		for i, ruleData := range rules {
			ruleMap, ok := ruleData.(map[string]any)
			if !ok {
				return fmt.Errorf("redaction rule at index %d must be an object", i)
			}
			var rule RuleConfig
			if name, err := parseValue[string](ruleMap["name"]); err == nil {
				rule.Name = *name
			} else {
				return fmt.Errorf("redaction rule at index %d requires a name", i)
			}
			if pattern, err := parseValue[string](ruleMap["pattern"]); err == nil {
				rule.Pattern = *pattern
			} else {
				return fmt.Errorf("redaction rule %s requires a pattern", rule.Name)
			}
			if replacement, err := parseValue[string](ruleMap["replacement"]); err == nil {
				rule.Replacement = *replacement
			} else {
				return fmt.Errorf("redaction rule %s requires a replacement", rule.Name)
			}
			rc.Rules = append(rc.Rules, rule)
		}
	}

	if literals, ok := redactionMap["literals"].([]any); ok && literals != nil {
		rc.Literals = nil
		for i, literalData := range literals {
			literal, err := parseValue[string](literalData)
			if err != nil {
				if strings.Contains(err.Error(), "secret") {
					return err
				}
				return fmt.Errorf("literal at index %d must be a string", i)
			}
			rc.Literals = append(rc.Literals, *literal)
		}
	}

	if literalEnv, ok := redactionMap["literal-env"].([]any); ok && literalEnv != nil {
		rc.LiteralEnv = nil
		for i, envData := range literalEnv {
			name, err := parseValue[string](envData)
			if err != nil {
				return fmt.Errorf("literal-env at index %d must be a string", i)
			}
			rc.LiteralEnv = append(rc.LiteralEnv, *name)
		}
	}

	return nil
}

func parseStatistics(statsMap map[string]any, sc *StatisticsConfig) error {
	if val, exists := statsMap["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("statistics enabled must be a boolean")
		}
		sc.Enabled = *ptr
	}

	if val, exists := statsMap["backend"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics backend must be a string")
		}
		sc.Backend = *ptr
	}

	if val, exists := statsMap["sqlite-path"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("sqlite-path must be a string")
		}
		sc.SQLitePath = *ptr
	}

	if val, exists := statsMap["postgres-dsn"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("postgres-dsn must be a string")
		}
		sc.PostgresDSN = *ptr
	}

	if val, exists := statsMap["flush-interval-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("flush-interval-seconds must be a number")
		}
		sc.FlushInterval = *ptr
	}

	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("SCHLEIER_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if host := os.Getenv("SCHLEIER_UPSTREAMHOST"); host != "" {
		cfg.UpstreamHost = host
	}

	if timeoutStr := os.Getenv("SCHLEIER_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for SCHLEIER_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if insecureStr := os.Getenv("SCHLEIER_INSECUREUPSTREAM"); insecureStr != "" {
		if insecure, err := strconv.ParseBool(insecureStr); err == nil {
			cfg.InsecureUpstream = insecure
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for SCHLEIER_INSECUREUPSTREAM: %s\n", insecureStr)
		}
	}

	if enabledStr := os.Getenv("SCHLEIER_STATS_ENABLED"); enabledStr != "" {
		cfg.Statistics.Enabled = strings.EqualFold(enabledStr, "true") || enabledStr == "1"
	}

	if backend := os.Getenv("SCHLEIER_STATS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}

	if sqlitePath := os.Getenv("SCHLEIER_STATS_SQLITEPATH"); sqlitePath != "" {
		cfg.Statistics.SQLitePath = sqlitePath
	}

	if dsn := os.Getenv("SCHLEIER_STATS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
}
