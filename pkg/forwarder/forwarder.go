package forwarder

import (
	"context"
	"sync"
	"sync/atomic"

	"dns-proxy/pkg/logging"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Forwarder runs forwarding sessions. Each session is an independent
// goroutine with its own outbound socket; sessions share nothing but the
// reply writer.
type Forwarder struct {
	logger *logging.Logger
	listen ListenFunc
	tracer trace.Tracer

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewForwarder creates a new forwarder that opens ephemeral UDP sockets
func NewForwarder(logger *logging.Logger) *Forwarder {
	return &Forwarder{
		logger: logger,
		listen: ListenUDP,
		tracer: tracenoop.NewTracerProvider().Tracer("forwarder"),
	}
}

// SetListenFunc replaces how outbound sockets are opened.
// It must be called before the first session starts.
func (f *Forwarder) SetListenFunc(fn ListenFunc) {
	f.listen = fn
}

// SetTracer sets the tracer used for one span per session.
// It must be called before the first session starts.
func (f *Forwarder) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		f.tracer = tracer
	}
}

// Forward runs a session to completion and returns its outcome
func (f *Forwarder) Forward(ctx context.Context, req Request) Outcome {
	f.active.Add(1)
	defer f.active.Add(-1)

	s := &session{
		req:    req,
		listen: f.listen,
		tracer: f.tracer,
	}
	out := s.run(ctx)

	switch out.State {
	case StateReplied:
		f.logger.Debug("Upstream reply relayed",
			"domain", req.Domain,
			"upstream", out.Upstream.String(),
			"fallback", out.Fallback,
			"client", req.Client.String(),
			"size", len(out.Reply),
			"duration", out.Duration,
		)
	case StateFailed:
		f.logger.Debug("No upstream replied, dropping query",
			"domain", req.Domain,
			"primary", req.Primary.String(),
			"fallback", req.Fallback.String(),
			"duration", out.Duration,
		)
	case StateAbandoned:
		if ctx.Err() == nil {
			f.logger.Error("Forwarding session abandoned",
				"domain", req.Domain,
				"upstream", out.Upstream.String(),
				"error", out.Err,
			)
		}
	}

	return out
}

// Go starts a session in its own goroutine. done, if not nil, is called
// with the outcome from that goroutine.
func (f *Forwarder) Go(ctx context.Context, req Request, done func(Outcome)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		out := f.Forward(ctx, req)
		if done != nil {
			done(out)
		}
	}()
}

// Wait blocks until every session started with Go has finished
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

// Active returns the number of sessions currently running
func (f *Forwarder) Active() int64 {
	return f.active.Load()
}
