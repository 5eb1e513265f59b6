// Package redact rewrites sensitive material out of proxied response text.
// A RuleSet is compiled once from configuration and shared read-only across
// all connections; per-stream buffering lives in StreamRedactor.
package redact

import (
	"fmt"
	"os"
	"regexp"

	"github.com/codefionn/schleier/schleier-srv/config"
)

// Rule is a single compiled redaction rule. Replacement is literal text and
// must not itself match any rule, otherwise repeated application would keep
// rewriting.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// RuleSet is an ordered, immutable set of redaction rules plus an optional
// literal secret matcher. Safe for concurrent use.
type RuleSet struct {
	rules    []Rule
	literals *literalMatcher
}

// NewRuleSet compiles a rule set from configuration. Builtin rules come
// first, then configured rules in declared order, then literal matching.
func NewRuleSet(cfg config.RedactionConfig) (*RuleSet, error) {
	rs := &RuleSet{}

	if !cfg.DisableBuiltins {
		rs.rules = append(rs.rules, builtinRules...)
	}

	for _, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction rule %s: %w", rc.Name, err)
		}
		rs.rules = append(rs.rules, Rule{Name: rc.Name, Pattern: re, Replacement: rc.Replacement})
	}

	var literals []string
	literals = append(literals, cfg.Literals...)
	for _, name := range cfg.LiteralEnv {
		if value := os.Getenv(name); value != "" {
			literals = append(literals, value)
		}
	}
	rs.literals = newLiteralMatcher(literals)

	return rs, nil
}

// Apply runs every rule over s in order and returns the redacted result.
// Applying the result again yields the same string.
func (rs *RuleSet) Apply(s string) string {
	out, _ := rs.ApplyCounted(s)
	return out
}

// ApplyCounted is Apply plus a per-rule match count for statistics.
// The returned map is nil when nothing matched.
func (rs *RuleSet) ApplyCounted(s string) (string, map[string]int) {
	var counts map[string]int
	record := func(name string, n int) {
		if n == 0 {
			return
		}
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[name] += n
	}

	for _, rule := range rs.rules {
		matched := 0
		s = rule.Pattern.ReplaceAllStringFunc(s, func(string) string {
			matched++
			return rule.Replacement
		})
		record(rule.Name, matched)
	}

	if rs.literals != nil {
		out, n := rs.literals.redact(s)
		s = out
		record(LiteralRuleName, n)
	}

	return s, counts
}

// Len returns the number of pattern rules, not counting literals.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}
