package conntrack

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
)

// PortMode selects how Ports matches a destination port
type PortMode int

const (
	// MatchSingle matches Lo only
	MatchSingle PortMode = iota
	// MatchRange matches Lo through Hi
	MatchRange
	// MatchPair matches Lo or Hi
	MatchPair
)

// Ports is the destination port criterion of an expectation
type Ports struct {
	Mode PortMode
	Lo   uint16
	Hi   uint16
}

// SinglePort matches exactly port
func SinglePort(port uint16) Ports {
	return Ports{Mode: MatchSingle, Lo: port, Hi: port}
}

// Match reports whether port satisfies the criterion
func (p Ports) Match(port uint16) bool {
	switch p.Mode {
	case MatchRange:
		return port >= p.Lo && port <= p.Hi
	case MatchPair:
		return port == p.Lo || port == p.Hi
	default:
		return port == p.Lo
	}
}

func (p Ports) String() string {
	switch p.Mode {
	case MatchRange:
		return fmt.Sprintf("%d-%d", p.Lo, p.Hi)
	case MatchPair:
		return fmt.Sprintf("%d/%d", p.Lo, p.Hi)
	}
	return fmt.Sprintf("%d", p.Lo)
}

// RealizeFunc is called once a flow matching an expectation shows up. It runs
// outside the table lock.
type RealizeFunc func(flow *Conn, exp *Expectation)

// Expectation predicts a flow related to Master. A zero Src or SrcPort matches
// any source.
type Expectation struct {
	ID      uuid.UUID
	Master  *Conn
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	Ports   Ports
	Proto   layers.IPProtocol
	// SavedPort is handed to the realize callback, typically the port the
	// realized flow is translated to
	SavedPort  uint16
	OnRealized RealizeFunc

	Created time.Time
	Expires time.Time

	registered bool
	released   bool
}

// Init fills in the flow criteria of an allocated expectation
func (e *Expectation) Init(src, dst netip.Addr, proto layers.IPProtocol, ports Ports) {
	e.Src = src
	e.Dst = dst
	e.Proto = proto
	e.Ports = ports
}

// Matches reports whether the first packet of a new flow satisfies the
// expectation
func (e *Expectation) Matches(t Tuple) bool {
	if t.Proto != e.Proto || t.Dst != e.Dst {
		return false
	}
	if e.Src.IsValid() && t.Src != e.Src {
		return false
	}
	if e.SrcPort != 0 && t.SrcPort != e.SrcPort {
		return false
	}
	return e.Ports.Match(t.DstPort)
}

// key identifies expectations that would match the same flows
type expectKey struct {
	src     netip.Addr
	dst     netip.Addr
	srcPort uint16
	ports   Ports
	proto   layers.IPProtocol
}

func (e *Expectation) key() expectKey {
	return expectKey{
		src:     e.Src,
		dst:     e.Dst,
		srcPort: e.SrcPort,
		ports:   e.Ports,
		proto:   e.Proto,
	}
}

func (e *Expectation) String() string {
	src := "*"
	if e.Src.IsValid() {
		src = e.Src.String()
	}
	return fmt.Sprintf("%s %s -> %s:%s", e.Proto, src, e.Dst, e.Ports)
}
