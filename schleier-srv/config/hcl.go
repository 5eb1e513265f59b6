package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclConfig mirrors Config for HCL decoding. All attributes are optional so
// a partial file only overrides what it names.
type hclConfig struct {
	ListenAddress    *string        `hcl:"listen-address,optional"`
	UpstreamHost     *string        `hcl:"upstream-host,optional"`
	TimeoutSeconds   *int           `hcl:"timeout-seconds,optional"`
	InsecureUpstream *bool          `hcl:"insecure-upstream,optional"`
	Forward          *hclForward    `hcl:"forward,block"`
	Redaction        *hclRedaction  `hcl:"redaction,block"`
	Statistics       *hclStatistics `hcl:"statistics,block"`
}

type hclForward struct {
	Kind     string  `hcl:"kind,label"`
	Address  string  `hcl:"address"`
	Username *string `hcl:"username,optional"`
	Password *string `hcl:"password,optional"`
}

type hclRedaction struct {
	DisableBuiltins *bool     `hcl:"disable-builtins,optional"`
	Literals        []string  `hcl:"literals,optional"`
	LiteralEnv      []string  `hcl:"literal-env,optional"`
	Rules           []hclRule `hcl:"rule,block"`
}

type hclRule struct {
	Name        string `hcl:"name,label"`
	Pattern     string `hcl:"pattern"`
	Replacement string `hcl:"replacement"`
}

type hclStatistics struct {
	Enabled       bool    `hcl:"enabled"`
	Backend       *string `hcl:"backend,optional"`
	SQLitePath    *string `hcl:"sqlite-path,optional"`
	PostgresDSN   *string `hcl:"postgres-dsn,optional"`
	FlushInterval *int    `hcl:"flush-interval-seconds,optional"`
}

func loadHCLConfig(configPath string, cfg *Config) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(configPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	var raw hclConfig
	diags = gohcl.DecodeBody(file.Body, hclEvalContext(), &raw)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL config: %s", diags.Error())
	}

	if raw.ListenAddress != nil {
		cfg.ListenAddress = *raw.ListenAddress
	}
	if raw.UpstreamHost != nil {
		cfg.UpstreamHost = *raw.UpstreamHost
	}
	if raw.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *raw.TimeoutSeconds
	}
	if raw.InsecureUpstream != nil {
		cfg.InsecureUpstream = *raw.InsecureUpstream
	}

	if raw.Forward != nil {
		switch raw.Forward.Kind {
		case "socks5":
			cfg.Forward = &ForwardSocks5{
				Address:  raw.Forward.Address,
				Username: raw.Forward.Username,
				Password: raw.Forward.Password,
			}
		case "proxy":
			cfg.Forward = &ForwardProxy{
				Address:  raw.Forward.Address,
				Username: raw.Forward.Username,
				Password: raw.Forward.Password,
			}
		default:
			return fmt.Errorf("unsupported forward type: %s", raw.Forward.Kind)
		}
	}

	if raw.Redaction != nil {
		if raw.Redaction.DisableBuiltins != nil {
			cfg.Redaction.DisableBuiltins = *raw.Redaction.DisableBuiltins
		}
		if raw.Redaction.Literals != nil {
			cfg.Redaction.Literals = raw.Redaction.Literals
		}
		if raw.Redaction.LiteralEnv != nil {
			cfg.Redaction.LiteralEnv = raw.Redaction.LiteralEnv
		}
		if len(raw.Redaction.Rules) > 0 {
			cfg.Redaction.Rules = nil
			for _, rule := range raw.Redaction.Rules {
				cfg.Redaction.Rules = append(cfg.Redaction.Rules, RuleConfig{
					Name:        rule.Name,
					Pattern:     rule.Pattern,
					Replacement: rule.Replacement,
				})
			}
		}
	}

	if raw.Statistics != nil {
		cfg.Statistics.Enabled = raw.Statistics.Enabled
		if raw.Statistics.Backend != nil {
			cfg.Statistics.Backend = *raw.Statistics.Backend
		}
		if raw.Statistics.SQLitePath != nil {
			cfg.Statistics.SQLitePath = *raw.Statistics.SQLitePath
		}
		if raw.Statistics.PostgresDSN != nil {
			cfg.Statistics.PostgresDSN = *raw.Statistics.PostgresDSN
		}
		if raw.Statistics.FlushInterval != nil {
			cfg.Statistics.FlushInterval = *raw.Statistics.FlushInterval
		}
	}

	return nil
}

// hclEvalContext exposes the process environment as the "env" object so
// config files can reference secrets without inlining them, e.g.
// postgres-dsn = env.STATS_DSN
func hclEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, entry := range os.Environ() {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		vars[parts[0]] = cty.StringVal(parts[1])
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}
