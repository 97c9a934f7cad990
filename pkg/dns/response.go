package dns

import (
	"net"

	"github.com/miekg/dns"
)

func addARecord(msg *dns.Msg, name string, ip net.IP, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	})
}

func addAAAARecord(msg *dns.Msg, name string, ip net.IP, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: ip.To16(),
	})
}

func addCNAMERecord(msg *dns.Msg, name, target string, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Target: dns.Fqdn(target),
	})
}

// addOverride appends the record for a configured answer value.
// An IPv4 value answers A (and ANY) questions, an IPv6 value answers AAAA
// (and ANY); when the family does not fit the question nothing is added and
// the reply is an empty NOERROR. Any other value is a CNAME target.
func addOverride(msg *dns.Msg, q dns.Question, value string, ttl uint32) {
	ip := net.ParseIP(value)
	switch {
	case ip == nil:
		addCNAMERecord(msg, q.Name, value, ttl)
	case ip.To4() != nil:
		if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
			addARecord(msg, q.Name, ip, ttl)
		}
	default:
		if q.Qtype == dns.TypeAAAA || q.Qtype == dns.TypeANY {
			addAAAARecord(msg, q.Name, ip, ttl)
		}
	}
}
