package dns

import (
	"fmt"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/forwarder"
	"dns-proxy/pkg/localrecords"
)

// Routes is one compiled, read-only config snapshot. The handler swaps the
// whole value on reload; a query uses the snapshot it loaded on arrival.
type Routes struct {
	Table           *localrecords.Table
	Selector        *forwarder.Selector
	Codec           Codec
	FallbackTimeout time.Duration
}

// NewRoutes compiles the routing tables of cfg
func NewRoutes(cfg *config.Config) (*Routes, error) {
	table, err := localrecords.NewTable(cfg.Hosts, cfg.Domains)
	if err != nil {
		return nil, fmt.Errorf("compile local records: %w", err)
	}

	selector, err := forwarder.NewSelector(cfg.Servers, cfg.Nameservers)
	if err != nil {
		return nil, fmt.Errorf("compile upstream selector: %w", err)
	}

	return &Routes{
		Table:           table,
		Selector:        selector,
		Codec:           NewWireCodec(cfg.AnswerTTL),
		FallbackTimeout: cfg.FallbackTimeout,
	}, nil
}

// Summary returns counts for startup and reload logs
func (r *Routes) Summary() map[string]any {
	stats := r.Table.Stats()
	return map[string]any{
		"hosts":            stats["hosts"],
		"domains":          stats["domains"],
		"domains_wildcard": stats["domains_wildcard"],
		"servers":          len(r.Selector.Rules()),
		"default_upstream": r.Selector.Fallback().String(),
		"fallback_timeout": r.FallbackTimeout.String(),
		"answer_ttl":       r.Codec.TTL(),
	}
}
