// Package rtsp locates RTSP messages, headers and transport parameters inside
// raw TCP payloads. It works on byte offsets into the caller's buffer and never
// copies or allocates per header, so results can be used to patch the payload
// in place.
package rtsp

import (
	"bytes"

	"github.com/intuitivelabs/bytescase"
)

// Span is a byte range inside a payload. A zero Len marks an absent header.
type Span struct {
	Off int `yaml:"off"`
	Len int `yaml:"len"`
}

// Present reports whether the span covers any bytes
func (s Span) Present() bool {
	return s.Len > 0
}

// End returns the offset just past the span
func (s Span) End() int {
	return s.Off + s.Len
}

// Bytes returns the bytes of buf covered by the span
func (s Span) Bytes(buf []byte) []byte {
	return buf[s.Off:s.End()]
}

// nextLine returns the physical line starting at off and the offset of the
// following line. The span excludes the "\n" terminator and a preceding "\r".
// Bytes that are not terminated by "\n" do not form a line.
func nextLine(buf []byte, off int) (Span, int, bool) {
	if off < 0 || off >= len(buf) {
		return Span{}, off, false
	}
	i := bytes.IndexByte(buf[off:], '\n')
	if i < 0 {
		return Span{}, off, false
	}
	n := i
	if n > 0 && buf[off+n-1] == '\r' {
		n--
	}
	return Span{Off: off, Len: n}, off + i + 1, true
}

func isEOL(c byte) bool {
	return c == '\r' || c == '\n'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\v' || c == '\f'
}

func skipSpace(b []byte, off int) int {
	for off < len(b) && isSpace(b[off]) {
		off++
	}
	return off
}

// hasPrefixFold reports whether b starts with lower, ignoring ASCII case.
// lower must already be lower case.
func hasPrefixFold(b []byte, lower string) bool {
	if len(b) < len(lower) {
		return false
	}
	var stack [32]byte
	var lc []byte
	if len(lower) <= len(stack) {
		lc = stack[:len(lower)]
	} else {
		lc = make([]byte, len(lower))
	}
	bytescase.ToLower(b[:len(lower)], lc)
	return string(lc) == lower
}

// indexFold returns the index of the first occurrence of lower in b, ignoring
// ASCII case, or -1.
func indexFold(b []byte, lower string) int {
	for i := 0; i+len(lower) <= len(b); i++ {
		if hasPrefixFold(b[i:], lower) {
			return i
		}
	}
	return -1
}

// parseUint16 consumes leading decimal digits. The value wraps like a 16 bit
// accumulator; n is the number of bytes consumed.
func parseUint16(b []byte) (v uint16, n int) {
	for n < len(b) && b[n] >= '0' && b[n] <= '9' {
		v = v*10 + uint16(b[n]-'0')
		n++
	}
	return v, n
}

// parseUint32 consumes leading decimal digits, saturating at the maximum.
func parseUint32(b []byte) (v uint32, n int) {
	var acc uint64
	for n < len(b) && b[n] >= '0' && b[n] <= '9' {
		if acc <= 0xffffffff {
			acc = acc*10 + uint64(b[n]-'0')
		}
		n++
	}
	if acc > 0xffffffff {
		acc = 0xffffffff
	}
	return uint32(acc), n
}
