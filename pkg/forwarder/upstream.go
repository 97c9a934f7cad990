package forwarder

import (
	"fmt"
	"net"
	"strconv"

	"dns-proxy/pkg/config"
)

// Upstream is a nameserver address queries are forwarded to
type Upstream struct {
	Host string
	Port int
}

// ParseUpstream parses "host" or "host:port"; the port defaults to 53
func ParseUpstream(s string) (Upstream, error) {
	host, port, err := config.SplitUpstream(s)
	if err != nil {
		return Upstream{}, err
	}
	return Upstream{Host: host, Port: port}, nil
}

// String returns the upstream in host:port form
func (u Upstream) String() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// IsZero reports whether the upstream is unset
func (u Upstream) IsZero() bool {
	return u.Host == "" && u.Port == 0
}

// resolve returns the UDP address of the upstream. Host names are looked
// up through the system resolver.
func (u Upstream) resolve() (*net.UDPAddr, error) {
	if u.IsZero() {
		return nil, ErrNoUpstream
	}
	addr, err := net.ResolveUDPAddr("udp", u.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u, err)
	}
	return addr, nil
}
