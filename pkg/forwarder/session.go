package forwarder

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxDatagramSize is the largest UDP payload a session will relay
const maxDatagramSize = 65535

// State is a step of a forwarding session
type State int

const (
	StateDispatched State = iota
	StateAwaitingReply
	StateFallbackDispatched
	StateReplied
	StateFailed
	StateAbandoned
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDispatched:
		return "dispatched"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateFallbackDispatched:
		return "fallback_dispatched"
	case StateReplied:
		return "replied"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateReplied || s == StateFailed || s == StateAbandoned
}

// ReplyWriter sends a datagram back to a client. The listening
// net.PacketConn satisfies it and is shared by all sessions.
type ReplyWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// ListenFunc opens the outbound socket a session owns for its lifetime
type ListenFunc func(ctx context.Context) (net.PacketConn, error)

// ListenUDP opens an unconnected UDP socket on an ephemeral port
func ListenUDP(ctx context.Context) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", ":0")
}

// Request describes one query to forward
type Request struct {
	Query    []byte   // raw query, sent unmodified to both upstreams
	Domain   string   // for logs and traces only
	Client   net.Addr // where the reply is relayed to
	Primary  Upstream
	Fallback Upstream // nameservers[0]
	Timeout  time.Duration
	Reply    ReplyWriter
}

// Outcome is the terminal result of a session
type Outcome struct {
	State     State
	Upstream  Upstream // upstream that answered, or the last one tried
	Fallback  bool     // the fallback query was sent
	Reply     []byte   // relayed bytes, nil unless State is StateReplied
	Duration  time.Duration
	Err       error // set when State is StateAbandoned
	StartedAt time.Time
}

type datagram struct {
	data []byte
	from net.Addr
}

// session is the per-query task. It owns exactly one outbound socket that
// carries both the primary and the fallback send, and closes it on every
// terminal transition.
type session struct {
	req    Request
	listen ListenFunc
	tracer trace.Tracer
	state  State

	primaryAddr  *net.UDPAddr
	fallbackAddr *net.UDPAddr
}

func (s *session) run(ctx context.Context) (out Outcome) {
	out.StartedAt = time.Now()
	out.Upstream = s.req.Primary

	ctx, span := s.tracer.Start(ctx, "forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dns.domain", s.req.Domain),
			attribute.String("dns.upstream", s.req.Primary.String()),
		))
	defer func() {
		out.State = s.state
		out.Duration = time.Since(out.StartedAt)
		span.SetAttributes(
			attribute.String("session.state", s.state.String()),
			attribute.Bool("session.fallback", out.Fallback),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	s.state = StateDispatched

	conn, err := s.listen(ctx)
	if err != nil {
		s.state = StateAbandoned
		out.Err = &TransportError{Op: "listen", Err: err}
		return out
	}

	packets := make(chan datagram)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup

	// Order matters: stop the reader, close the socket, then wait for it.
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, maxDatagramSize)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				select {
				case readErrs <- err:
				case <-done:
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case packets <- datagram{data: data, from: from}:
			case <-done:
				return
			}
		}
	}()

	s.primaryAddr, err = s.send(conn, s.req.Primary)
	if err != nil {
		s.state = StateAbandoned
		out.Err = err
		return out
	}

	timer := time.NewTimer(s.req.Timeout)
	defer timer.Stop()
	s.state = StateAwaitingReply

	for {
		select {
		case <-ctx.Done():
			s.state = StateAbandoned
			out.Err = ctx.Err()
			return out

		case err := <-readErrs:
			s.state = StateAbandoned
			out.Err = &TransportError{Op: "read", Upstream: out.Upstream.String(), Err: err}
			return out

		case p := <-packets:
			from, ok := s.sender(p.from)
			if !ok {
				span.AddEvent("ignored datagram", trace.WithAttributes(attribute.String("from", p.from.String())))
				continue
			}
			out.Upstream = from
			if _, err := s.req.Reply.WriteTo(p.data, s.req.Client); err != nil {
				s.state = StateAbandoned
				out.Err = &TransportError{Op: "relay", Upstream: s.req.Client.String(), Err: err}
				return out
			}
			s.state = StateReplied
			out.Reply = p.data
			return out

		case <-timer.C:
			if out.Fallback {
				s.state = StateFailed
				return out
			}
			s.fallbackAddr, err = s.send(conn, s.req.Fallback)
			if err != nil {
				s.state = StateAbandoned
				out.Upstream = s.req.Fallback
				out.Err = err
				return out
			}
			out.Fallback = true
			out.Upstream = s.req.Fallback
			s.state = StateFallbackDispatched
			span.AddEvent("fallback dispatched")
			timer.Reset(s.req.Timeout)
		}
	}
}

// send writes the original query bytes to u over the session socket
func (s *session) send(conn net.PacketConn, u Upstream) (*net.UDPAddr, error) {
	addr, err := u.resolve()
	if err != nil {
		return nil, &TransportError{Op: "resolve", Upstream: u.String(), Err: err}
	}
	if _, err := conn.WriteTo(s.req.Query, addr); err != nil {
		return nil, &TransportError{Op: "send", Upstream: u.String(), Err: err}
	}
	return addr, nil
}

// sender maps the source of a datagram to the upstream it was sent to.
// Datagrams from any other address are not replies to this session. When
// the primary and the fallback resolve to the same address every reply is
// attributed to the primary, so after a fallback the outcome carries
// Fallback=true with the primary's label.
func (s *session) sender(from net.Addr) (Upstream, bool) {
	if sameAddr(from, s.primaryAddr) {
		return s.req.Primary, true
	}
	if sameAddr(from, s.fallbackAddr) {
		return s.req.Fallback, true
	}
	return Upstream{}, false
}

func sameAddr(a net.Addr, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.Port == b.Port && ua.IP.Equal(b.IP)
	}
	return a.String() == b.String()
}

// IsTimeout reports whether the outcome is the silent failure after both
// the primary and the fallback went unanswered.
func (o Outcome) IsTimeout() bool {
	return o.State == StateFailed
}

// IsTransportError reports whether the session ended on a socket failure
func (o Outcome) IsTransportError() bool {
	var te *TransportError
	return errors.As(o.Err, &te)
}
