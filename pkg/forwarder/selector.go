package forwarder

import (
	"fmt"
	"sort"
	"strings"
)

// Rule routes every domain containing Match to Upstream
type Rule struct {
	Match    string
	Upstream Upstream
}

// Selector picks the upstream for a domain that was not answered locally.
// It is immutable once built and safe for concurrent use.
type Selector struct {
	rules    []Rule
	fallback Upstream
}

// NewSelector compiles the servers table. The first nameserver is the
// default upstream and the fallback target.
func NewSelector(servers map[string]string, nameservers []string) (*Selector, error) {
	if len(nameservers) == 0 {
		return nil, ErrNoUpstream
	}

	fallback, err := ParseUpstream(nameservers[0])
	if err != nil {
		return nil, fmt.Errorf("invalid nameserver %q: %w", nameservers[0], err)
	}

	s := &Selector{
		rules:    make([]Rule, 0, len(servers)),
		fallback: fallback,
	}

	for match, value := range servers {
		up, err := ParseUpstream(value)
		if err != nil {
			return nil, fmt.Errorf("invalid server for %q: %w", match, err)
		}
		key := strings.TrimSuffix(strings.ToLower(match), ".")
		if key == "" {
			return nil, fmt.Errorf("server match for %q is empty", match)
		}
		s.rules = append(s.rules, Rule{Match: key, Upstream: up})
	}

	// Shortest first, so that with "last match wins" the most specific
	// substring decides. Ties are broken lexically.
	sort.Slice(s.rules, func(i, j int) bool {
		a, b := s.rules[i].Match, s.rules[j].Match
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})

	return s, nil
}

// Select returns the upstream for domain. Every rule whose Match is a
// substring of domain overrides the previous choice; the last one wins.
func (s *Selector) Select(domain string) Upstream {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")

	selected := s.fallback
	for _, r := range s.rules {
		if strings.Contains(domain, r.Match) {
			selected = r.Upstream
		}
	}
	return selected
}

// Fallback returns the default upstream (nameservers[0])
func (s *Selector) Fallback() Upstream {
	return s.fallback
}

// Rules returns the routing rules in scan order
func (s *Selector) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}
