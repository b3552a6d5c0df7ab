package rtsp

import (
	"bytes"
	"net/netip"
)

const urlScheme = "rtsp://"

// parseHost parses the literal address at the start of b, as found after
// "rtsp://". IPv6 literals must be bracketed. The host ends at ':', '/',
// whitespace or the end of b.
func parseHost(b []byte) (netip.Addr, bool) {
	if len(b) > 0 && b[0] == '[' {
		end := bytes.IndexByte(b, ']')
		if end < 0 {
			return netip.Addr{}, false
		}
		addr, err := netip.ParseAddr(string(b[1:end]))
		if err != nil {
			return netip.Addr{}, false
		}
		return addr, true
	}

	end := 0
	for end < len(b) && b[end] != ':' && b[end] != '/' && !isSpace(b[end]) {
		end++
	}
	if end == 0 {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(string(b[:end]))
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

// RequestHost returns the literal address of the request URI of a SETUP
// command line. The zero Addr is returned when the URI names a host by DNS
// name or the line is not a SETUP.
func (m *Message) RequestHost(buf []byte) netip.Addr {
	if m.Kind != KindSetup {
		return netip.Addr{}
	}
	cmd := m.Command.Bytes(buf)
	rest := cmd[len(setupPrefix):]
	if !hasPrefixFold(rest, urlScheme) {
		return netip.Addr{}
	}
	addr, _ := parseHost(rest[len(urlScheme):])
	return addr
}

// LocationHost returns the host of the rtsp:// URL in the Location header.
// hasURL is false when the header carries no rtsp:// URL at all; addr is the
// zero Addr when the URL names its host by DNS name.
func (m *Message) LocationHost(buf []byte) (addr netip.Addr, hasURL bool) {
	if !m.Location.Present() {
		return netip.Addr{}, false
	}
	hdr := m.Location.Bytes(buf)
	i := indexFold(hdr, urlScheme)
	if i < 0 {
		return netip.Addr{}, false
	}
	addr, _ = parseHost(hdr[i+len(urlScheme):])
	return addr, true
}
