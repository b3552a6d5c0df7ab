package conntrack

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// ErrAlreadyTranslated is returned when a translation binding is set twice
var ErrAlreadyTranslated = errors.New("connection already has a translation binding")

// Binding records the address translation applied to a realized flow. Zero
// fields leave the corresponding part of the tuple unchanged.
type Binding struct {
	Src     netip.Addr `yaml:"src,omitempty"`
	Dst     netip.Addr `yaml:"dst,omitempty"`
	DstPort uint16     `yaml:"dst_port,omitempty"`
}

// seqAdjust follows the kernel's nf_nat_seq_adjust bookkeeping: segments
// starting after pos are shifted by after, earlier ones by before.
type seqAdjust struct {
	pos    uint32
	before int32
	after  int32
}

// Conn is a tracked connection. The tuples are fixed at creation; the
// remaining state is guarded by mu.
type Conn struct {
	tuples [2]Tuple
	master *Conn

	mu       sync.Mutex
	nat      bool
	seen     [2]bool
	binding  *Binding
	seq      [2]seqAdjust
	adjusted bool
	created  time.Time
	expires  time.Time
	// dying is set once the connection was force-expired; traffic no
	// longer extends its lifetime
	dying bool
}

func newConn(orig Tuple, master *Conn, now time.Time, timeout time.Duration) *Conn {
	return &Conn{
		tuples:  [2]Tuple{orig, orig.Reverse()},
		master:  master,
		created: now,
		expires: now.Add(timeout),
	}
}

// Tuple returns the tuple of direction d
func (c *Conn) Tuple(d Direction) Tuple {
	return c.tuples[d]
}

// Master returns the connection whose helper expected this one, or nil
func (c *Conn) Master() *Conn {
	return c.master
}

// NAT reports whether address translation is active for the connection
func (c *Conn) NAT() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nat
}

// SetNAT marks the connection as translated
func (c *Conn) SetNAT(on bool) {
	c.mu.Lock()
	c.nat = on
	c.mu.Unlock()
}

// Established reports whether traffic was seen in both directions
func (c *Conn) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[DirOriginal] && c.seen[DirReply]
}

// Binding returns the translation binding of a realized flow, or nil
func (c *Conn) Binding() *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return nil
	}
	b := *c.binding
	return &b
}

// SetBinding records the translation of a freshly realized flow. A flow can
// only be translated once.
func (c *Conn) SetBinding(b Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding != nil {
		return ErrAlreadyTranslated
	}
	c.binding = &b
	c.nat = true
	return nil
}

// Expires returns the time the connection times out
func (c *Conn) Expires() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expires
}

func (c *Conn) refresh(now time.Time, timeout time.Duration) {
	c.mu.Lock()
	if c.dying {
		c.mu.Unlock()
		return
	}
	if exp := now.Add(timeout); exp.After(c.expires) {
		c.expires = exp
	}
	c.mu.Unlock()
}

func (c *Conn) expireAt(t time.Time) {
	c.mu.Lock()
	c.expires = t
	c.dying = true
	c.mu.Unlock()
}

// observe marks direction d as seen and returns whether both directions have
// now been seen
func (c *Conn) observe(d Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[d] = true
	return c.seen[DirOriginal] && c.seen[DirReply]
}

// seqAfter reports whether a is after b in sequence space
func seqAfter(a, b uint32) bool {
	return int32(b-a) < 0
}

// AdjustSeq records that the segment of direction d starting at seq changed
// length by delta. Later segments of d are shifted by the accumulated delta
// and acknowledgements flowing the other way are shifted back.
func (c *Conn) AdjustSeq(d Direction, seq uint32, delta int) {
	if delta == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.seq[d]
	if s.before == s.after || seqAfter(seq, s.pos) {
		s.pos = seq
		s.before = s.after
		s.after += int32(delta)
	}
	c.adjusted = true
}

// SeqAdjusted reports whether any payload length change was recorded
func (c *Conn) SeqAdjusted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjusted
}

// TranslateSeq maps the sequence number of a direction d segment to the
// value the peer expects after earlier payload rewrites.
func (c *Conn) TranslateSeq(d Direction, seq uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.seq[d]
	if seqAfter(seq, s.pos) {
		return seq + uint32(s.after)
	}
	return seq + uint32(s.before)
}

// TranslateAck maps the acknowledgement number of a direction d segment back
// into the sequence space of the unmodified opposite stream.
func (c *Conn) TranslateAck(d Direction, ack uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.seq[d.Opposite()]
	if seqAfter(ack-uint32(o.before), o.pos) {
		return ack - uint32(o.after)
	}
	return ack - uint32(o.before)
}
