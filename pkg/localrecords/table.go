// Package localrecords answers queries from the static hosts and domains
// override tables without contacting an upstream.
package localrecords

import (
	"fmt"
	"strings"

	"dns-proxy/pkg/pattern"
)

// Kind says which override table produced an answer
type Kind string

const (
	KindHost   Kind = "host"
	KindDomain Kind = "domain"
)

// Answer is the result of a successful local lookup
type Answer struct {
	Value string // configured answer, after one alias hop
	Kind  Kind
	Match string // the hosts key or domains pattern that matched
}

// Table is an immutable compiled view of the hosts and domains overrides.
// It is safe for concurrent use.
type Table struct {
	hosts   map[string]string
	domains map[string]string
	matcher *pattern.Matcher
}

// NewTable compiles the hosts and domains overrides.
// Keys are normalized to lowercase without the trailing dot.
func NewTable(hosts, domains map[string]string) (*Table, error) {
	t := &Table{
		hosts:   make(map[string]string, len(hosts)),
		domains: make(map[string]string, len(domains)),
	}

	for name, value := range hosts {
		key := normalizeDomain(name)
		if !isValidDomain(key) {
			return nil, fmt.Errorf("%w: hosts key %q", ErrInvalidDomain, name)
		}
		if _, dup := t.hosts[key]; dup {
			return nil, fmt.Errorf("%w: hosts key %q", ErrDuplicateName, name)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, fmt.Errorf("%w: hosts key %q", ErrEmptyTarget, name)
		}
		t.hosts[key] = value
	}

	patterns := make([]string, 0, len(domains))
	for raw, value := range domains {
		p, err := pattern.ParsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		if _, dup := t.domains[p.Raw]; dup {
			return nil, fmt.Errorf("%w: domains pattern %q", ErrDuplicateName, raw)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, fmt.Errorf("%w: domains pattern %q", ErrEmptyTarget, raw)
		}
		t.domains[p.Raw] = value
		patterns = append(patterns, raw)
	}

	matcher, err := pattern.NewMatcher(patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	t.matcher = matcher

	return t, nil
}

// Resolve looks domain up in hosts (exact match) and then in domains
// (suffix or wildcard, longest pattern first). An answer value that is
// itself a key of the same table is followed exactly once.
func (t *Table) Resolve(domain string) (Answer, bool) {
	name := normalizeDomain(domain)
	if name == "" {
		return Answer{}, false
	}

	if value, ok := t.hosts[name]; ok {
		if aliased, ok := t.hosts[normalizeDomain(value)]; ok {
			value = aliased
		}
		return Answer{Value: value, Kind: KindHost, Match: name}, true
	}

	if p, ok := t.matcher.Match(name); ok {
		value := t.domains[p.Raw]
		if aliased, ok := t.domains[normalizeDomain(value)]; ok {
			value = aliased
		}
		return Answer{Value: value, Kind: KindDomain, Match: p.Raw}, true
	}

	return Answer{}, false
}

// Stats returns the number of compiled entries per table
func (t *Table) Stats() map[string]int {
	stats := t.matcher.Stats()
	return map[string]int{
		"hosts":            len(t.hosts),
		"domains":          len(t.domains),
		"domains_wildcard": stats["wildcard"],
	}
}
