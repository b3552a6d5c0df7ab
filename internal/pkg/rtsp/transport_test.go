package rtsp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransport(t *testing.T) {
	tests := []struct {
		name   string
		hdr    string
		param  string
		offset uint16
		want   TransportSpec
		wantOK bool
	}{
		{
			name:   "range",
			hdr:    "Transport: RTP/AVP;client_port=5000-5001\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001},
			wantOK: true,
		},
		{
			name:   "range corrected",
			hdr:    "Transport: RTP/AVP;client_port=5000-5002\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001},
			wantOK: true,
		},
		{
			name:   "odd low port corrected",
			hdr:    "Transport: RTP/AVP;client_port=5001-5002\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001},
			wantOK: true,
		},
		{
			name:   "offset would wrap",
			hdr:    "Transport: RTP/AVP;client_port=65500\r\n",
			param:  ClientPortParam,
			offset: 208,
			want:   TransportSpec{},
			wantOK: false,
		},
		{
			name:   "offset wraps high port only",
			hdr:    "Transport: RTP/AVP;client_port=65320/65400\r\n",
			param:  ClientPortParam,
			offset: 208,
			want:   TransportSpec{},
			wantOK: false,
		},
		{
			name:   "offset up to the last port",
			hdr:    "Transport: RTP/AVP;client_port=65326-65327\r\n",
			param:  ClientPortParam,
			offset: 208,
			want:   TransportSpec{Mode: PortRange, Lo: 65534, Hi: 65535},
			wantOK: true,
		},
		{
			name:   "discontiguous",
			hdr:    "Transport: RTP/AVP;client_port=6000/6001\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortDiscontiguous, Lo: 6000, Hi: 6001},
			wantOK: true,
		},
		{
			name:   "single",
			hdr:    "Transport: RTP/AVP/TCP;unicast;client_port=7000\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortSingle, Lo: 7000, Hi: 7000},
			wantOK: true,
		},
		{
			name:   "offset applied",
			hdr:    "Transport: RTP/AVP;unicast;client_port=5000-5001\r\n",
			param:  ClientPortParam,
			offset: 208,
			want:   TransportSpec{Mode: PortRange, Lo: 5208, Hi: 5209},
			wantOK: true,
		},
		{
			name:   "first transport wins",
			hdr:    "Transport: RTP/AVP;multicast;client_port=5000-5001,RTP/AVP;unicast;client_port=6000-6001\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001},
			wantOK: true,
		},
		{
			name:   "repeated identical port",
			hdr:    "Transport: RTP/AVP;client_port=5000-5001,RTP/AVP/UDP;client_port=5000-5001\r\n",
			param:  ClientPortParam,
			want:   TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001},
			wantOK: true,
		},
		{
			name:   "server port",
			hdr:    "Transport: RTP/AVP;unicast;client_port=5000-5001;server_port=6970-6971\r\n",
			param:  ServerPortParam,
			want:   TransportSpec{Mode: PortRange, Lo: 6970, Hi: 6971},
			wantOK: true,
		},
		{
			name:  "no client port",
			hdr:   "Transport: RTP/AVP/TCP;interleaved=0-1\r\n",
			param: ClientPortParam,
		},
		{
			name:  "missing terminator",
			hdr:   "Transport: RTP/AVP;client_port=5000-5001",
			param: ClientPortParam,
		},
		{
			name:  "wrong literal",
			hdr:   "Transpart: RTP/AVP;client_port=5000-5001\r\n",
			param: ClientPortParam,
		},
		{
			name:  "too short",
			hdr:   "\r\n",
			param: ClientPortParam,
		},
		{
			name:  "no digits",
			hdr:   "Transport: RTP/AVP;client_port=abc\r\n",
			param: ClientPortParam,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTransport([]byte(tt.hdr), tt.param, tt.offset)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportSpecFirstWinsAcrossCalls(t *testing.T) {
	var ts TransportSpec
	assert.True(t, ts.Parse([]byte("Transport: RTP/AVP;client_port=5000-5001\r\n"), ClientPortParam, 0))
	assert.False(t, ts.Parse([]byte("Transport: RTP/AVP;client_port=8000-8001\r\n"), ClientPortParam, 0))
	assert.Equal(t, TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001}, ts)
}

func TestPortOffset(t *testing.T) {
	tests := []struct {
		addr string
		want uint16
	}{
		{addr: "10.1.2.3", want: 208},
		{addr: "192.168.1.100", want: (192 + 100) << 4},
		{addr: "255.0.0.255", want: 8160},
		{addr: "::ffff:10.1.2.3", want: 208},
		{addr: "2001:db8::1", want: (0x20 + 0x01) << 4},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, PortOffset(netip.MustParseAddr(tt.addr)))
		})
	}

	assert.Equal(t, uint16(0), PortOffset(netip.Addr{}))
}

func TestParseServerPort(t *testing.T) {
	tests := []struct {
		name     string
		hdr      string
		wantPort uint16
		wantSane bool
	}{
		{name: "range", hdr: "Transport: RTP/AVP;client_port=5000-5001;server_port=6970-6971\r\n", wantPort: 6970, wantSane: true},
		{name: "lower case header", hdr: "transport: RTP/AVP;server_port=8000\r\n", wantPort: 8000, wantSane: true},
		{name: "absent", hdr: "Transport: RTP/AVP;client_port=5000-5001\r\n", wantSane: true},
		{name: "out of range", hdr: "Transport: RTP/AVP;server_port=70000\r\n", wantSane: true},
		{name: "insane", hdr: "Transfer: server_port=6970\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, sane := ParseServerPort([]byte(tt.hdr))
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantSane, sane)
		})
	}
}

func TestTransportSpecString(t *testing.T) {
	assert.Equal(t, "5000-5001", TransportSpec{Mode: PortRange, Lo: 5000, Hi: 5001}.String())
	assert.Equal(t, "6000/6002", TransportSpec{Mode: PortDiscontiguous, Lo: 6000, Hi: 6002}.String())
	assert.Equal(t, "7000", TransportSpec{Mode: PortSingle, Lo: 7000, Hi: 7000}.String())
	assert.False(t, TransportSpec{}.Found())
}

func TestHasServerPort(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{
			name: "reply with server port",
			msg:  "RTSP/1.0 200 OK\r\nTransport: RTP/AVP;client_port=5000-5001;server_port=6970-6971\r\n\r\n",
			want: true,
		},
		{
			name: "reply without server port",
			msg:  "RTSP/1.0 200 OK\r\nTransport: RTP/AVP;client_port=5000-5001\r\n\r\n",
		},
		{
			name: "zero server port",
			msg:  "RTSP/1.0 200 OK\r\nTransport: RTP/AVP;server_port=0\r\n\r\n",
		},
		{
			name: "request",
			msg:  "SETUP rtsp://h/s RTSP/1.0\r\nTransport: RTP/AVP;server_port=6970\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := []byte(tt.msg)
			msg, ok := ParseMessage(buf, 0)
			require.True(t, ok)
			assert.Equal(t, tt.want, msg.HasServerPort(buf))
		})
	}
}
