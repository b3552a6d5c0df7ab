package conntrack

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for a mangle span outside the payload
	ErrOutOfRange = errors.New("mangle span outside payload")
	// ErrNoConn is returned when a segment is not attached to a connection
	ErrNoConn = errors.New("segment has no connection")
)

// MaxPayload bounds a mangled TCP payload
const MaxPayload = 65535 - 60 - 60

// Packet is the TCP payload of one segment of a tracked connection. Helpers
// read it through Payload and modify it with Mangle and AdjustSeq.
type Packet struct {
	conn    *Conn
	dir     Direction
	seq     uint32
	payload []byte
	mangled bool
}

// NewPacket wraps the payload of the direction dir segment starting at seq.
// The payload is copied.
func NewPacket(ct *Conn, dir Direction, seq uint32, payload []byte) *Packet {
	return &Packet{
		conn:    ct,
		dir:     dir,
		seq:     seq,
		payload: append([]byte(nil), payload...),
	}
}

// Payload returns the current payload
func (p *Packet) Payload() []byte {
	return p.payload
}

// Mangle replaces n bytes at off with repl
func (p *Packet) Mangle(off, n int, repl []byte) error {
	if off < 0 || n < 0 || off+n > len(p.payload) {
		return fmt.Errorf("mangle %d+%d of %d bytes: %w", off, n, len(p.payload), ErrOutOfRange)
	}
	if len(p.payload)-n+len(repl) > MaxPayload {
		return fmt.Errorf("mangled payload exceeds %d bytes: %w", MaxPayload, ErrOutOfRange)
	}

	out := make([]byte, 0, len(p.payload)-n+len(repl))
	out = append(out, p.payload[:off]...)
	out = append(out, repl...)
	out = append(out, p.payload[off+n:]...)
	p.payload = out
	p.mangled = true
	return nil
}

// AdjustSeq records a payload length change of delta on the connection so that
// later segments and acknowledgements stay consistent
func (p *Packet) AdjustSeq(delta int) error {
	if p.conn == nil {
		return ErrNoConn
	}
	p.conn.AdjustSeq(p.dir, p.seq, delta)
	return nil
}

// Mangled reports whether the payload was modified
func (p *Packet) Mangled() bool {
	return p.mangled
}

// Conn returns the connection the segment belongs to
func (p *Packet) Conn() *Conn {
	return p.conn
}

// Dir returns the direction of the segment
func (p *Packet) Dir() Direction {
	return p.dir
}

// Seq returns the original sequence number of the segment
func (p *Packet) Seq() uint32 {
	return p.seq
}
