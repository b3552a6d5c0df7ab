package rtsp

import (
	"bytes"
	"sort"
	"strconv"
)

// Edit replaces Len bytes at Off with Repl
type Edit struct {
	Off  int    `yaml:"off"`
	Len  int    `yaml:"len"`
	Repl []byte `yaml:"-"`
}

// Delta is the payload length change caused by the edit
func (e Edit) Delta() int {
	return len(e.Repl) - e.Len
}

// PortAdjuster maps one port to its rewritten value. ok=false leaves the
// header untouched.
type PortAdjuster func(port uint16) (uint16, bool)

// StripOffset removes an offset previously added on the request path. Ports
// below the offset were never offset and are left alone.
func StripOffset(offset uint16) PortAdjuster {
	return func(port uint16) (uint16, bool) {
		if port < offset {
			return port, false
		}
		return port - offset, true
	}
}

// AddOffset adds offset to a declared port, refusing to wrap past 65535.
func AddOffset(offset uint16) PortAdjuster {
	return func(port uint16) (uint16, bool) {
		if uint32(port)+uint32(offset) > 0xffff {
			return port, false
		}
		return port + offset, true
	}
}

// RewriteClientPorts builds the edit re-rendering the first client_port=
// value of the Transport header at span tr in buf. Both halves of a range or
// discontiguous pair go through adjust. No edit is returned when the header
// fails the sanity check, carries no client_port, adjust refuses a port, or
// the rendered text equals the original.
func RewriteClientPorts(buf []byte, tr Span, adjust PortAdjuster) (Edit, bool) {
	if !tr.Present() || tr.End() > len(buf) {
		return Edit{}, false
	}
	hdr := tr.Bytes(buf)
	if !transportSane(hdr) {
		return Edit{}, false
	}

	i := bytes.Index(hdr, []byte(ClientPortParam))
	if i < 0 {
		return Edit{}, false
	}
	start := i + len(ClientPortParam)
	off := start

	lo, n := parseUint16(hdr[off:])
	if n == 0 {
		return Edit{}, false
	}
	off += n
	newLo, ok := adjust(lo)
	if !ok {
		return Edit{}, false
	}

	repl := strconv.AppendUint(nil, uint64(newLo), 10)
	if off < len(hdr) && (hdr[off] == '-' || hdr[off] == '/') {
		sep := hdr[off]
		hi, n := parseUint16(hdr[off+1:])
		if n > 0 {
			newHi, ok := adjust(hi)
			if !ok {
				return Edit{}, false
			}
			off += 1 + n
			repl = append(repl, sep)
			repl = strconv.AppendUint(repl, uint64(newHi), 10)
		}
	}

	if bytes.Equal(repl, hdr[start:off]) {
		return Edit{}, false
	}
	return Edit{Off: tr.Off + start, Len: off - start, Repl: repl}, true
}

// ApplyEdits returns a copy of buf with edits applied. Edits are given
// against the original buffer and must not overlap.
func ApplyEdits(buf []byte, edits []Edit) []byte {
	sorted := append([]Edit(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Off < sorted[j].Off })

	out := make([]byte, 0, len(buf)+totalDelta(sorted))
	prev := 0
	for _, e := range sorted {
		out = append(out, buf[prev:e.Off]...)
		out = append(out, e.Repl...)
		prev = e.Off + e.Len
	}
	return append(out, buf[prev:]...)
}

func totalDelta(edits []Edit) int {
	d := 0
	for _, e := range edits {
		d += e.Delta()
	}
	if d < 0 {
		return 0
	}
	return d
}
