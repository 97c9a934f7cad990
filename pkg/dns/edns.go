package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 buffer sizes advertised on synthesised answers
const (
	// DefaultEDNSBufferSize is used when the query's OPT record asks for 0
	DefaultEDNSBufferSize = 4096

	// MaxEDNSBufferSize caps the advertised size to avoid fragmentation
	MaxEDNSBufferSize = 4096

	// MinEDNSBufferSize is the floor from RFC 6891
	MinEDNSBufferSize = 512
)

// echoEDNS0 copies the query's EDNS0 presence onto a locally built reply:
// same version 0 OPT record, negotiated UDP size, and the DO bit. A query
// without EDNS0 gets a reply without it.
func echoEDNS0(query, reply *dns.Msg) {
	if query == nil || reply == nil || reply.IsEdns0() != nil {
		return
	}

	opt := query.IsEdns0()
	if opt == nil {
		return
	}

	// Class carries the UDP payload size on OPT records; SetUDPSize sets it.
	rr := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	rr.SetUDPSize(negotiateBufferSize(opt.UDPSize()))
	if opt.Do() {
		rr.SetDo()
	}

	reply.Extra = append(reply.Extra, rr)
}

// negotiateBufferSize clamps the requested size to what we advertise
func negotiateBufferSize(requested uint16) uint16 {
	switch {
	case requested == 0:
		return DefaultEDNSBufferSize
	case requested < MinEDNSBufferSize:
		return MinEDNSBufferSize
	case requested > MaxEDNSBufferSize:
		return MaxEDNSBufferSize
	default:
		return requested
	}
}
