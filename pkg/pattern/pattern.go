// Package pattern provides domain pattern matching for the proxy's
// domain override table. It supports two types of patterns:
//   - Suffix: .ads.example, example.com (matches any name ending with it)
//   - Wildcard: *.dev.lan, host-?.lan, **.internal (glob, '.' separated)
//
// A wildcard pattern also matches as a plain suffix, so "*.lan" catches both
// "printer.lan" and any name literally ending in "*.lan".
package pattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// PatternType represents the type of domain pattern.
type PatternType int

const (
	// PatternTypeSuffix matches names ending with the pattern (e.g., .example.com)
	PatternTypeSuffix PatternType = iota
	// PatternTypeWildcard matches glob patterns (e.g., *.example.com)
	PatternTypeWildcard
)

// String returns a human-readable name for the pattern type.
func (pt PatternType) String() string {
	switch pt {
	case PatternTypeSuffix:
		return "suffix"
	case PatternTypeWildcard:
		return "wildcard"
	default:
		return "unknown"
	}
}

// Pattern represents a domain matching pattern.
type Pattern struct {
	Raw  string      // Normalized pattern string
	Type PatternType // Pattern type

	compiled glob.Glob // only for wildcard patterns
}

// Normalize lowercases a domain and strips the trailing root dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// isGlobPattern detects if a pattern contains glob metacharacters.
func isGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// ParsePattern parses a pattern string and determines its type.
func ParsePattern(raw string) (*Pattern, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	if !isGlobPattern(normalized) {
		return &Pattern{Raw: normalized, Type: PatternTypeSuffix}, nil
	}

	compiled, err := glob.Compile(normalized, '.')
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", raw, err)
	}

	return &Pattern{
		Raw:      normalized,
		Type:     PatternTypeWildcard,
		compiled: compiled,
	}, nil
}

// Match checks if a normalized domain matches this pattern.
func (p *Pattern) Match(domain string) bool {
	if strings.HasSuffix(domain, p.Raw) {
		return true
	}
	if p.Type == PatternTypeWildcard && p.compiled != nil {
		return p.compiled.Match(domain)
	}
	return false
}

// String returns a string representation of the pattern.
func (p *Pattern) String() string {
	return fmt.Sprintf("%s(%s)", p.Type, p.Raw)
}

// Matcher holds a set of patterns evaluated in a fixed order: longest
// pattern first, ties broken lexically. The first matching pattern wins,
// so results never depend on map iteration order.
type Matcher struct {
	patterns []*Pattern
}

// NewMatcher creates a new Matcher from a list of pattern strings.
// Duplicates after normalization are collapsed.
func NewMatcher(patterns []string) (*Matcher, error) {
	seen := make(map[string]struct{}, len(patterns))
	m := &Matcher{patterns: make([]*Pattern, 0, len(patterns))}

	for _, raw := range patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pattern %q: %w", raw, err)
		}
		if _, dup := seen[p.Raw]; dup {
			continue
		}
		seen[p.Raw] = struct{}{}
		m.patterns = append(m.patterns, p)
	}

	sort.Slice(m.patterns, func(i, j int) bool {
		a, b := m.patterns[i].Raw, m.patterns[j].Raw
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})

	return m, nil
}

// Match returns the first pattern matching domain in evaluation order.
func (m *Matcher) Match(domain string) (*Pattern, bool) {
	domain = Normalize(domain)
	for _, p := range m.patterns {
		if p.Match(domain) {
			return p, true
		}
	}
	return nil, false
}

// Patterns returns the patterns in evaluation order.
func (m *Matcher) Patterns() []*Pattern {
	out := make([]*Pattern, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Stats returns statistics about the patterns in this matcher.
func (m *Matcher) Stats() map[string]int {
	stats := map[string]int{"suffix": 0, "wildcard": 0}
	for _, p := range m.patterns {
		stats[p.Type.String()]++
	}
	stats["total"] = len(m.patterns)
	return stats
}
