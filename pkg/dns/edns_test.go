package dns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryWithEDNS(size uint16, do bool) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(size, do)
	return req
}

func TestEchoEDNS0(t *testing.T) {
	t.Run("no EDNS in query", func(t *testing.T) {
		req := new(dns.Msg)
		req.SetQuestion("example.com.", dns.TypeA)
		resp := new(dns.Msg)

		echoEDNS0(req, resp)
		assert.Nil(t, resp.IsEdns0())
	})

	t.Run("size and DO bit echoed", func(t *testing.T) {
		resp := new(dns.Msg)
		echoEDNS0(queryWithEDNS(1232, true), resp)

		opt := resp.IsEdns0()
		require.NotNil(t, opt)
		assert.Equal(t, uint16(1232), opt.UDPSize())
		assert.True(t, opt.Do())
		assert.Equal(t, uint8(0), opt.Version())
	})

	t.Run("DO bit not invented", func(t *testing.T) {
		resp := new(dns.Msg)
		echoEDNS0(queryWithEDNS(4096, false), resp)

		opt := resp.IsEdns0()
		require.NotNil(t, opt)
		assert.False(t, opt.Do())
	})

	t.Run("existing OPT kept", func(t *testing.T) {
		resp := new(dns.Msg)
		resp.SetEdns0(512, false)

		echoEDNS0(queryWithEDNS(4096, true), resp)
		assert.Len(t, resp.Extra, 1)
		assert.Equal(t, uint16(512), resp.IsEdns0().UDPSize())
	})

	t.Run("nil messages", func(t *testing.T) {
		assert.NotPanics(t, func() {
			echoEDNS0(nil, new(dns.Msg))
			echoEDNS0(queryWithEDNS(4096, false), nil)
		})
	})
}

func TestNegotiateBufferSize(t *testing.T) {
	tests := []struct {
		name      string
		requested uint16
		want      uint16
	}{
		{"zero uses default", 0, DefaultEDNSBufferSize},
		{"below minimum", 256, MinEDNSBufferSize},
		{"above maximum", 65000, MaxEDNSBufferSize},
		{"in range", 1232, 1232},
		{"exact minimum", MinEDNSBufferSize, MinEDNSBufferSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, negotiateBufferSize(tt.requested))
		})
	}
}
