// Package dns contains the message dispatcher of the proxy: it decodes each
// inbound datagram, answers it from the local override tables or hands it
// to a forwarding session, and records what happened.
package dns

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/forwarder"
	"dns-proxy/pkg/localrecords"
	"dns-proxy/pkg/logging"
	"dns-proxy/pkg/ratelimit"
	"dns-proxy/pkg/storage"
	"dns-proxy/pkg/telemetry"
)

// Handler dispatches inbound datagrams. It holds no per-query state; the
// routing snapshot is swapped atomically by Reload.
type Handler struct {
	routes atomic.Pointer[Routes]

	Forwarder   *forwarder.Forwarder
	RateLimiter *ratelimit.Manager
	Storage     storage.Storage
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger
}

// NewHandler creates a handler serving routes
func NewHandler(routes *Routes, fwd *forwarder.Forwarder, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if fwd == nil {
		fwd = forwarder.NewForwarder(logger)
	}
	h := &Handler{
		Forwarder: fwd,
		Storage:   storage.NewNoOpStorage(),
		Logger:    logger,
	}
	h.routes.Store(routes)
	return h
}

// SetStorage sets the query logging storage
func (h *Handler) SetStorage(s storage.Storage) {
	if s == nil {
		s = storage.NewNoOpStorage()
	}
	h.Storage = s
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// SetRateLimiter wires a rate limiter implementation.
func (h *Handler) SetRateLimiter(rl *ratelimit.Manager) {
	h.RateLimiter = rl
}

// Routes returns the snapshot new queries are served with
func (h *Handler) Routes() *Routes {
	return h.routes.Load()
}

// Reload compiles cfg and swaps it in. On error the current snapshot stays
// active. It has the signature of config.Watcher's OnChange callback.
func (h *Handler) Reload(cfg *config.Config) error {
	routes, err := NewRoutes(cfg)
	if err != nil {
		return err
	}
	h.routes.Store(routes)

	args := make([]any, 0, 14)
	for k, v := range routes.Summary() {
		args = append(args, k, v)
	}
	h.Logger.Info("Routing tables reloaded", args...)
	return nil
}

// ServeDatagram handles one inbound datagram from client. Local answers
// are written inline through w; misses start a forwarding session that
// replies through w later. Failures are logged and never produce a reply.
// raw must not be modified after the call.
func (h *Handler) ServeDatagram(ctx context.Context, raw []byte, client net.Addr, w forwarder.ReplyWriter) {
	start := time.Now()
	routes := h.routes.Load()
	ip := clientIP(client)

	if h.Metrics != nil {
		h.Metrics.QueriesTotal.Add(ctx, 1)
	}

	if allowed, label := h.RateLimiter.Allow(ip); !allowed {
		h.recordRateLimit(ctx, label)
		if h.RateLimiter.LogViolations() {
			h.Logger.Warn("Rate limit exceeded, dropping query",
				"client", ip,
				"limit", label,
			)
		}
		return
	}

	q, err := routes.Codec.Decode(raw)
	if err != nil {
		h.recordDecodeError(ctx)
		h.Logger.Warn("Dropping malformed query",
			"source", addrString(client),
			"size", len(raw),
			"error", err,
		)
		return
	}

	h.Logger.Debug("Query received",
		"id", q.ID,
		"domain", q.Domain,
		"type", q.TypeLabel(),
		"source", addrString(client),
	)

	if answer, ok := routes.Table.Resolve(q.Domain); ok {
		h.answerLocally(ctx, routes, q, answer, client, w, start)
		return
	}

	primary := routes.Selector.Select(q.Domain)
	h.recordForwardedQuery(ctx, primary.String(), q.TypeLabel())

	req := forwarder.Request{
		Query:    q.Raw,
		Domain:   q.Domain,
		Client:   client,
		Primary:  primary,
		Fallback: routes.Selector.Fallback(),
		Timeout:  routes.FallbackTimeout,
		Reply:    w,
	}
	h.Forwarder.Go(ctx, req, func(out forwarder.Outcome) {
		h.finishForward(ctx, q, client, out, start)
	})
}

func (h *Handler) answerLocally(ctx context.Context, routes *Routes, q *Query, answer localrecords.Answer, client net.Addr, w forwarder.ReplyWriter, start time.Time) {
	resp, err := routes.Codec.Encode(q, answer.Value)
	if err != nil {
		h.Logger.Error("Failed to encode local answer",
			"domain", q.Domain,
			"answer", answer.Value,
			"error", err,
		)
		return
	}

	if _, err := w.WriteTo(resp, client); err != nil {
		// Client-side failure; there is nobody else to tell
		h.Logger.Warn("Failed to send local answer",
			"client", addrString(client),
			"error", err,
		)
		return
	}

	h.recordLocalAnswer(ctx, answer.Kind, q.TypeLabel(), start)
	h.Logger.Query(ctx, "Query answered locally",
		"type", string(answer.Kind),
		"domain", q.Domain,
		"qtype", q.TypeLabel(),
		"match", answer.Match,
		"answer", answer.Value,
		"source", addrString(client),
		"size", len(q.Raw),
	)
	h.logQuery(ctx, q, client, storage.Resolution(answer.Kind), answer.Value, "", len(resp), start)
}

func (h *Handler) finishForward(ctx context.Context, q *Query, client net.Addr, out forwarder.Outcome, start time.Time) {
	resolution := resolutionFor(out)
	h.recordSessionOutcome(ctx, out, string(resolution), start)

	var answer string
	if out.State == forwarder.StateReplied {
		answer = Summarize(out.Reply)
		h.Logger.Query(ctx, "Query forwarded",
			"type", string(resolution),
			"nameserver", out.Upstream.String(),
			"domain", q.Domain,
			"qtype", q.TypeLabel(),
			"answer", answer,
			"source", addrString(client),
			"size", len(q.Raw),
		)
	}

	h.logQuery(ctx, q, client, resolution, answer, out.Upstream.String(), len(out.Reply), start)
}

// logQuery persists the query. The storage buffer never blocks, and the
// entry is written even when the serving context is being cancelled.
func (h *Handler) logQuery(ctx context.Context, q *Query, client net.Addr, resolution storage.Resolution, answer, upstream string, size int, start time.Time) {
	entry := &storage.QueryLog{
		Timestamp:      start,
		ClientIP:       clientIP(client),
		Domain:         q.Domain,
		QueryType:      q.TypeLabel(),
		Resolution:     resolution,
		Answer:         answer,
		Upstream:       upstream,
		ResponseSize:   size,
		ResponseTimeMs: msSince(start),
	}

	if err := h.Storage.LogQuery(context.WithoutCancel(ctx), entry); err != nil && !errors.Is(err, storage.ErrClosed) {
		h.Logger.Debug("Query log entry dropped", "domain", q.Domain, "error", err)
	}
}

func resolutionFor(out forwarder.Outcome) storage.Resolution {
	switch out.State {
	case forwarder.StateReplied:
		if out.Fallback {
			return storage.ResolutionFallback
		}
		return storage.ResolutionPrimary
	case forwarder.StateFailed:
		return storage.ResolutionTimeout
	default:
		return storage.ResolutionError
	}
}

// clientIP extracts the address part of a client address, without the port
func clientIP(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
