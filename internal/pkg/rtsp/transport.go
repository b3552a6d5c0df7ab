package rtsp

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/endorses/rtsphelper/internal/pkg/logger"
)

// Transport parameters carrying port negotiation
const (
	ClientPortParam = "client_port="
	ServerPortParam = "server_port="
)

// PortMode is the form a port parameter was written in
type PortMode int

const (
	PortNone PortMode = iota
	// PortSingle is "N"
	PortSingle
	// PortRange is "N-M", an RTP/RTCP pair
	PortRange
	// PortDiscontiguous is "N/M"
	PortDiscontiguous
)

func (m PortMode) String() string {
	switch m {
	case PortSingle:
		return "single"
	case PortRange:
		return "range"
	case PortDiscontiguous:
		return "discontiguous"
	default:
		return "none"
	}
}

// MarshalYAML renders the mode by name
func (m PortMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// TransportSpec holds the ports negotiated by one Transport header. Ports are
// host order with the port offset already applied. Lo == 0 means no port was
// found.
type TransportSpec struct {
	Mode      PortMode   `yaml:"mode"`
	Lo        uint16     `yaml:"lo"`
	Hi        uint16     `yaml:"hi"`
	MediaAddr netip.Addr `yaml:"media_addr,omitempty"`
}

// Found reports whether a usable port was parsed
func (ts TransportSpec) Found() bool {
	return ts.Lo != 0
}

func (ts TransportSpec) String() string {
	switch ts.Mode {
	case PortRange:
		return fmt.Sprintf("%d-%d", ts.Lo, ts.Hi)
	case PortDiscontiguous:
		return fmt.Sprintf("%d/%d", ts.Lo, ts.Hi)
	}
	return fmt.Sprintf("%d", ts.Lo)
}

// PortOffset derives the disambiguation offset from the address that opened
// the control connection: the sum of its first and last octet shifted left by
// four. Distinct clients declaring the same client_port end up on distinct
// real ports.
func PortOffset(addr netip.Addr) uint16 {
	if !addr.IsValid() {
		return 0
	}
	b := addr.Unmap().AsSlice()
	return uint16((uint(b[0]) + uint(b[len(b)-1])) << 4)
}

// transportSane checks that hdr is a complete Transport header line
func transportSane(hdr []byte) bool {
	return len(hdr) >= len(hdrTransport) &&
		isEOL(hdr[len(hdr)-1]) &&
		hasPrefixFold(hdr, hdrTransport)
}

// ParseTransport parses a Transport header line for param, adding offset to
// every port found.
func ParseTransport(hdr []byte, param string, offset uint16) (TransportSpec, bool) {
	var ts TransportSpec
	ok := ts.Parse(hdr, param, offset)
	return ts, ok
}

// Parse merges the ports of param found in the Transport header line hdr into
// ts and reports whether any were found. Clients may offer several transports
// separated by commas, so the whole line is scanned. The first port set wins:
// a later low port that disagrees with ts.Lo is ignored.
func (ts *TransportSpec) Parse(hdr []byte, param string, offset uint16) bool {
	if !transportSane(hdr) {
		logger.Debug("Transport header sanity check failed", "len", len(hdr))
		return false
	}

	found := false
	off := skipSpace(hdr, len(hdrTransport))

	// Transport: spec;param;param=val,spec;param=val,...
	for off < len(hdr) {
		specEnd := len(hdr)
		if i := bytes.IndexByte(hdr[off:], ','); i >= 0 {
			specEnd = off + i + 1
		}

		for off < specEnd {
			fieldEnd := specEnd
			if i := bytes.IndexByte(hdr[off:specEnd], ';'); i >= 0 {
				fieldEnd = off + i + 1
			}

			if bytes.HasPrefix(hdr[off:], []byte(param)) {
				if ts.parsePorts(hdr, off+len(param), offset) {
					found = true
				}
			}
			off = fieldEnd
		}
		off = specEnd
	}
	return found
}

// parsePorts reads N, N-M or N/M at off. Ports that would wrap past 65535
// once the offset is added are refused, the same way AddOffset refuses to
// rewrite them.
func (ts *TransportSpec) parsePorts(hdr []byte, off int, offset uint16) bool {
	shift := AddOffset(offset)

	port, n := parseUint16(hdr[off:])
	if n == 0 {
		return false
	}
	off += n
	lo, ok := shift(port)
	if !ok {
		logger.Debug("Transport port overflows with offset, ignoring", "port", port, "offset", offset)
		return false
	}
	if ts.Lo != 0 && ts.Lo != lo {
		logger.Debug("Multiple transport ports found, ignoring", "port", port, "kept", ts.Lo)
		return false
	}

	mode, hi := PortSingle, lo
	if off < len(hdr) && (hdr[off] == '-' || hdr[off] == '/') {
		raw, _ := parseUint16(hdr[off+1:])
		if hi, ok = shift(raw); !ok {
			logger.Debug("Transport port overflows with offset, ignoring", "port", raw, "offset", offset)
			return false
		}
		mode = PortDiscontiguous
		if hdr[off] == '-' {
			mode = PortRange
			// A range is an RTP/RTCP pair: lo even, hi == lo+1
			if lo&1 != 0 || hi != lo+1 {
				logger.Debug("Incorrect transport port range, correcting", "lo", lo, "hi", hi)
				lo &^= 1
				hi = lo + 1
			}
		}
	}

	ts.Mode, ts.Lo, ts.Hi = mode, lo, hi
	return true
}

// ParseServerPort returns the first server_port= value of a Transport header
// line. sane is false when hdr does not start with "Transport:"; port is zero
// when no usable value is present.
func ParseServerPort(hdr []byte) (port uint16, sane bool) {
	if !hasPrefixFold(hdr, hdrTransport) {
		return 0, false
	}
	i := bytes.Index(hdr, []byte(ServerPortParam))
	if i < 0 {
		return 0, true
	}
	v, n := parseUint32(hdr[i+len(ServerPortParam):])
	if n == 0 || v > 0xffff {
		return 0, true
	}
	return uint16(v), true
}

// HasServerPort reports whether a reply announces a usable server_port
func (m *Message) HasServerPort(buf []byte) bool {
	if m.Kind != KindReply || !m.HasTransport() {
		return false
	}
	port, sane := ParseServerPort(m.Transport.Bytes(buf))
	return sane && port != 0
}
