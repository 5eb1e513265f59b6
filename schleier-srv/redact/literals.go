package redact

import (
	"sort"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// LiteralRuleName is the rule name reported for literal secret matches.
const LiteralRuleName = "LITERAL"

// LiteralToken replaces every matched literal secret.
const LiteralToken = "[REDACTED:SECRET]"

// minLiteralLen guards against configured literals so short they would
// shred ordinary text.
const minLiteralLen = 4

// literalMatcher finds exact secret values with an Aho-Corasick trie, so a
// large literal list costs one pass per chunk instead of one per value.
type literalMatcher struct {
	trie *ahocorasick.Trie
}

func newLiteralMatcher(values []string) *literalMatcher {
	var usable []string
	for _, v := range values {
		if len(v) >= minLiteralLen {
			usable = append(usable, v)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	trie := ahocorasick.NewTrieBuilder().AddStrings(usable).Build()
	return &literalMatcher{trie: trie}
}

// redact replaces every literal occurrence in s with LiteralToken and
// returns the number of replaced spans. Overlapping matches collapse into
// a single token.
func (m *literalMatcher) redact(s string) (string, int) {
	matches := m.trie.MatchString(s)
	if len(matches) == 0 {
		return s, 0
	}

	type span struct{ start, end int }
	spans := make([]span, 0, len(matches))
	for _, match := range matches {
		start := int(match.Pos())
		spans = append(spans, span{start: start, end: start + len(match.MatchString())})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var merged []span
	for _, sp := range spans {
		if len(merged) > 0 && sp.start <= merged[len(merged)-1].end {
			if sp.end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	last := 0
	for _, sp := range merged {
		b.WriteString(s[last:sp.start])
		b.WriteString(LiteralToken)
		last = sp.end
	}
	b.WriteString(s[last:])

	return b.String(), len(merged)
}
