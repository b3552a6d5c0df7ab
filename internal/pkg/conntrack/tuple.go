// Package conntrack is a small user-space connection tracker. It records
// bidirectional flows, holds expectations for related flows announced by
// application helpers, and carries the per-connection sequence adjustment
// state needed when a helper changes the length of a TCP payload.
package conntrack

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// Direction of a packet relative to the connection that carries it
type Direction int

const (
	// DirOriginal is the direction of the first packet seen (client to server)
	DirOriginal Direction = iota
	// DirReply is the opposite direction
	DirReply
)

func (d Direction) String() string {
	if d == DirReply {
		return "reply"
	}
	return "original"
}

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	return 1 - d
}

// Tuple identifies one direction of a flow
type Tuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   layers.IPProtocol
}

// Reverse returns the tuple of the opposite direction
func (t Tuple) Reverse() Tuple {
	return Tuple{
		Src:     t.Dst,
		Dst:     t.Src,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
		Proto:   t.Proto,
	}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s",
		t.Proto,
		netip.AddrPortFrom(t.Src, t.SrcPort),
		netip.AddrPortFrom(t.Dst, t.DstPort))
}

// CtInfo classifies a packet against the tracker state
type CtInfo int

const (
	CtNew CtInfo = iota
	CtEstablished
	CtEstablishedReply
	CtRelated
	CtRelatedReply
)

func (i CtInfo) String() string {
	switch i {
	case CtEstablished:
		return "established"
	case CtEstablishedReply:
		return "established-reply"
	case CtRelated:
		return "related"
	case CtRelatedReply:
		return "related-reply"
	default:
		return "new"
	}
}

// Dir returns the packet direction encoded in the classification
func (i CtInfo) Dir() Direction {
	if i == CtEstablishedReply || i == CtRelatedReply {
		return DirReply
	}
	return DirOriginal
}
