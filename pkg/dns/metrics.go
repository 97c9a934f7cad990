package dns

import (
	"context"
	"time"

	"dns-proxy/pkg/forwarder"
	"dns-proxy/pkg/localrecords"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// recordRateLimit counts a dropped query under the limit that applied
func (h *Handler) recordRateLimit(ctx context.Context, label string) {
	if h.Metrics == nil {
		return
	}
	if label == "" {
		h.Metrics.RateLimited.Add(ctx, 1)
		return
	}
	h.Metrics.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("limit", label)))
}

func (h *Handler) recordDecodeError(ctx context.Context) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.DecodeErrors.Add(ctx, 1)
}

// recordLocalAnswer counts an answer from the hosts or domains table
func (h *Handler) recordLocalAnswer(ctx context.Context, kind localrecords.Kind, qtypeLabel string, start time.Time) {
	if h.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("type", qtypeLabel),
	)
	h.Metrics.LocalAnswers.Add(ctx, 1, attrs)
	h.Metrics.QueryDuration.Record(ctx, msSince(start), metric.WithAttributes(attribute.String("resolution", string(kind))))
}

// recordForwardedQuery counts a session start, tagged with the selected upstream
func (h *Handler) recordForwardedQuery(ctx context.Context, upstream, qtypeLabel string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.ForwardedQueries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("upstream", upstream),
		attribute.String("type", qtypeLabel),
	))
	h.Metrics.ActiveSessions.Add(ctx, 1)
}

// recordSessionOutcome closes the books on a finished session
func (h *Handler) recordSessionOutcome(ctx context.Context, out forwarder.Outcome, resolution string, start time.Time) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.ActiveSessions.Add(ctx, -1)

	if out.Fallback {
		h.Metrics.FallbackQueries.Add(ctx, 1)
	}
	switch out.State {
	case forwarder.StateFailed:
		h.Metrics.UpstreamTimeouts.Add(ctx, 1)
	case forwarder.StateAbandoned:
		h.Metrics.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", out.Upstream.String())))
	}

	h.Metrics.QueryDuration.Record(ctx, msSince(start), metric.WithAttributes(attribute.String("resolution", resolution)))
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
