package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	// Query metrics
	QueriesTotal     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	LocalAnswers     metric.Int64Counter
	ForwardedQueries metric.Int64Counter
	FallbackQueries  metric.Int64Counter
	UpstreamTimeouts metric.Int64Counter

	// Errors
	DecodeErrors    metric.Int64Counter
	TransportErrors metric.Int64Counter

	// Rate limiting
	RateLimited metric.Int64Counter

	// System metrics
	ActiveSessions metric.Int64UpDownCounter

	// Storage metrics
	StorageQueriesDropped metric.Int64Counter
}

// NewMetrics creates every instrument on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "Total number of DNS queries received"},
		{&m.LocalAnswers, "dns.queries.local", "Queries answered from the hosts or domains tables"},
		{&m.ForwardedQueries, "dns.queries.forwarded", "Queries forwarded to an upstream nameserver"},
		{&m.FallbackQueries, "dns.queries.fallback", "Queries retried against the fallback nameserver"},
		{&m.UpstreamTimeouts, "dns.upstream.timeouts", "Queries dropped after the primary and fallback timed out"},
		{&m.DecodeErrors, "dns.errors.decode", "Inbound datagrams that were not valid DNS queries"},
		{&m.TransportErrors, "dns.errors.transport", "Forwarding sessions abandoned on a socket error"},
		{&m.RateLimited, "rate_limit.dropped", "Queries dropped by the per-client rate limiter"},
		{&m.StorageQueriesDropped, "storage.queries.dropped", "Number of queries dropped due to full buffer"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("Time from receiving a query to replying or giving up, in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter(
		"dns.sessions.active",
		metric.WithDescription("Number of forwarding sessions in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active sessions gauge: %w", err)
	}

	return &m, nil
}

// AddDroppedQuery implements storage.MetricsRecorder interface
// This allows Metrics to be passed to storage without creating import cycles
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}
