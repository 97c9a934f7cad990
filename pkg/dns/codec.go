package dns

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultAnswerTTL is the TTL of synthesised answers when none is configured
const DefaultAnswerTTL = 30 * time.Second

// ErrDecode is matched by every DecodeError
var ErrDecode = errors.New("malformed DNS query")

// DecodeError reports an inbound datagram that is not a usable query
type DecodeError struct {
	Err  error
	Size int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d-byte datagram: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) hold for any DecodeError
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Query is a decoded inbound query. Raw is kept so that forwarding sends
// exactly the bytes the client sent.
type Query struct {
	Msg    *dns.Msg
	Domain string // question name as sent, fully qualified
	Raw    []byte
	Type   uint16
	ID     uint16
}

// TypeLabel returns the question type as text, e.g. "AAAA"
func (q *Query) TypeLabel() string {
	return dnsTypeLabel(q.Type)
}

// Codec turns datagrams into queries and configured values into replies
type Codec interface {
	Decode(raw []byte) (*Query, error)
	Encode(q *Query, value string) ([]byte, error)
	// TTL is the TTL in seconds of synthesised records
	TTL() uint32
}

var _ Codec = (*WireCodec)(nil)

// WireCodec is the miekg/dns backed Codec
type WireCodec struct {
	ttl uint32
}

// NewWireCodec returns a codec whose synthesised records carry ttl.
// Sub-second and negative values fall back to DefaultAnswerTTL.
func NewWireCodec(ttl time.Duration) *WireCodec {
	if ttl < time.Second {
		ttl = DefaultAnswerTTL
	}
	return &WireCodec{ttl: uint32(ttl / time.Second)}
}

// TTL returns the TTL in seconds put on synthesised records
func (c *WireCodec) TTL() uint32 {
	return c.ttl
}

// Decode parses raw as a DNS query with at least one question
func (c *WireCodec) Decode(raw []byte) (*Query, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, &DecodeError{Size: len(raw), Err: err}
	}
	if msg.Response {
		return nil, &DecodeError{Size: len(raw), Err: errors.New("message is a response")}
	}
	if len(msg.Question) == 0 {
		return nil, &DecodeError{Size: len(raw), Err: errors.New("no question")}
	}

	q := msg.Question[0]
	return &Query{
		Msg:    msg,
		Domain: q.Name,
		Raw:    raw,
		Type:   q.Qtype,
		ID:     msg.Id,
	}, nil
}

// Answer builds the reply to q for a configured value. The reply mirrors
// the query's id and question.
func (c *WireCodec) Answer(q *Query, value string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(q.Msg)
	msg.RecursionAvailable = true

	addOverride(msg, q.Msg.Question[0], value, c.ttl)
	echoEDNS0(q.Msg, msg)

	return msg
}

// Encode packs the reply to q for a configured value
func (c *WireCodec) Encode(q *Query, value string) ([]byte, error) {
	out, err := c.Answer(q, value).Pack()
	if err != nil {
		return nil, fmt.Errorf("pack answer for %s: %w", q.Domain, err)
	}
	return out, nil
}

// Summarize renders an upstream reply for the query log: the rcode followed
// by the data of each answer record, e.g. "NOERROR 93.184.216.34".
func Summarize(reply []byte) string {
	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		return "unparsable"
	}

	parts := make([]string, 0, len(msg.Answer)+1)
	rcode, ok := dns.RcodeToString[msg.Rcode]
	if !ok {
		rcode = "RCODE" + strconv.Itoa(msg.Rcode)
	}
	parts = append(parts, rcode)

	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.A:
			parts = append(parts, v.A.String())
		case *dns.AAAA:
			parts = append(parts, v.AAAA.String())
		case *dns.CNAME:
			parts = append(parts, v.Target)
		default:
			parts = append(parts, strings.TrimPrefix(rr.String(), rr.Header().String()))
		}
	}

	return strings.Join(parts, " ")
}

// dnsTypeLabel returns a human-readable string for the query type, falling back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}
