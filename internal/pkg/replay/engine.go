// Package replay feeds captured traffic through connection tracking and the
// RTSP helper, producing the capture as it would leave a translating
// firewall.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/endorses/rtsphelper/internal/pkg/conntrack"
	"github.com/endorses/rtsphelper/internal/pkg/constants"
	"github.com/endorses/rtsphelper/internal/pkg/helper"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/endorses/rtsphelper/internal/pkg/pcapwriter"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Sink receives the packets that survive the helper
type Sink interface {
	WriteWait(ctx context.Context, rec pcapwriter.Record) error
}

// Stats counts replayed packets
type Stats struct {
	Packets    uint64 `yaml:"packets"`
	Skipped    uint64 `yaml:"skipped"`
	TCP        uint64 `yaml:"tcp"`
	UDP        uint64 `yaml:"udp"`
	Control    uint64 `yaml:"control"`
	Related    uint64 `yaml:"related"`
	Dropped    uint64 `yaml:"dropped"`
	Rewritten  uint64 `yaml:"rewritten"`
	Translated uint64 `yaml:"translated"`
	Written    uint64 `yaml:"written"`
}

// Engine replays one capture. It is not safe for concurrent use.
type Engine struct {
	cfg    *helper.Config
	table  *conntrack.Table
	helper *helper.Helper
	sink   Sink
	now    time.Time
	lastGC time.Time
	stats  Stats
}

// Option configures an Engine
type Option func(*Engine)

// WithSink writes surviving packets to s
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// New creates an engine following cfg. Time inside the engine is the
// capture time of the packet being replayed.
func New(cfg *helper.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = helper.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg}
	e.table = conntrack.NewTable(cfg.Policy(), conntrack.WithClock(e.clock))
	e.helper = helper.NewFromConfig(e.table, cfg)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) clock() time.Time {
	return e.now
}

// Table returns the connection table of the replay
func (e *Engine) Table() *conntrack.Table {
	return e.table
}

// Stats returns the packet counters
func (e *Engine) Stats() Stats {
	return e.stats
}

// HelperStats returns the helper counters
func (e *Engine) HelperStats() helper.Stats {
	return e.helper.Stats()
}

// Run replays every packet of src until it is exhausted or ctx is done
func (e *Engine) Run(ctx context.Context, src Source) error {
	link := src.LinkType()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet %d: %w", e.stats.Packets+1, err)
		}

		out, v := e.Process(data, ci, link)
		if v == helper.Drop || e.sink == nil {
			continue
		}
		if err := e.sink.WriteWait(ctx, pcapwriter.Record{CaptureInfo: ci, Data: out}); err != nil {
			return fmt.Errorf("write packet %d: %w", e.stats.Packets, err)
		}
		e.stats.Written++
	}
}

// Process runs one packet through tracking and the helper and returns the
// packet as it leaves, or Drop
func (e *Engine) Process(data []byte, ci gopacket.CaptureInfo, link gopacket.Decoder) ([]byte, helper.Verdict) {
	e.stats.Packets++
	e.advance(ci.Timestamp)

	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{NoCopy: true})

	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		e.stats.Skipped++
		return data, helper.Accept
	}
	src, dst = src.Unmap(), dst.Unmap()

	switch l4 := pkt.TransportLayer().(type) {
	case *layers.TCP:
		return e.processTCP(pkt, data, src, dst, l4)
	case *layers.UDP:
		return e.processUDP(pkt, data, src, dst, l4)
	}
	e.stats.Skipped++
	return data, helper.Accept
}

// advance moves the replay clock and sweeps the table the way the janitor
// would
func (e *Engine) advance(ts time.Time) {
	if ts.After(e.now) {
		e.now = ts
	}
	if e.lastGC.IsZero() {
		e.lastGC = e.now
		return
	}
	if e.now.Sub(e.lastGC) >= constants.DefaultJanitorInterval {
		exps, conns := e.table.GC(e.now)
		if exps > 0 || conns > 0 {
			logger.Debug("Replay sweep",
				"expectations_removed", exps,
				"connections_removed", conns)
		}
		e.lastGC = e.now
	}
}

func (e *Engine) processTCP(pkt gopacket.Packet, data []byte, src, dst netip.Addr, tcp *layers.TCP) ([]byte, helper.Verdict) {
	e.stats.TCP++
	tup := conntrack.Tuple{
		Src:     src,
		Dst:     dst,
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Proto:   layers.IPProtocolTCP,
	}
	ct, info, created := e.table.Track(tup)
	if created && e.cfg.NAT && ct.Master() == nil {
		ct.SetNAT(true)
	}
	if info == conntrack.CtRelated || info == conntrack.CtRelatedReply {
		e.stats.Related++
	}

	dir := info.Dir()
	payload := tcp.Payload
	mangled := false
	if ct.Master() == nil && e.cfg.Watches(ct.Tuple(conntrack.DirOriginal).DstPort) {
		e.stats.Control++
		seg := conntrack.NewPacket(ct, dir, tcp.Seq, payload)
		if e.helper.Help(seg, ct, info) == helper.Drop {
			e.stats.Dropped++
			logger.Warn("Helper dropped packet",
				"conn", ct.Tuple(conntrack.DirOriginal).String(),
				"direction", dir.String(),
				"seq", tcp.Seq)
			return nil, helper.Drop
		}
		if seg.Mangled() {
			payload = seg.Payload()
			mangled = true
			e.stats.Rewritten++
		}
	}

	if !mangled && !ct.SeqAdjusted() {
		return data, helper.Accept
	}

	tcp.Seq = ct.TranslateSeq(dir, tcp.Seq)
	if tcp.ACK {
		tcp.Ack = ct.TranslateAck(dir, tcp.Ack)
	}
	if err := tcp.SetNetworkLayerForChecksum(pkt.NetworkLayer()); err != nil {
		logger.Warn("Cannot checksum rewritten segment, writing it unchanged", "error", err)
		return data, helper.Accept
	}
	out, err := rebuild(pkt, layers.LayerTypeTCP, tcp, payload)
	if err != nil {
		logger.Warn("Cannot rebuild rewritten segment, writing it unchanged", "error", err)
		return data, helper.Accept
	}
	return out, helper.Accept
}

func (e *Engine) processUDP(pkt gopacket.Packet, data []byte, src, dst netip.Addr, udp *layers.UDP) ([]byte, helper.Verdict) {
	e.stats.UDP++
	tup := conntrack.Tuple{
		Src:     src,
		Dst:     dst,
		SrcPort: uint16(udp.SrcPort),
		DstPort: uint16(udp.DstPort),
		Proto:   layers.IPProtocolUDP,
	}
	ct, info, _ := e.table.Track(tup)
	if info == conntrack.CtRelated || info == conntrack.CtRelatedReply {
		e.stats.Related++
	}

	// Only the original direction is rewritten; replies are captured after
	// the translation was undone
	b := ct.Binding()
	if b == nil || info.Dir() != conntrack.DirOriginal {
		return data, helper.Accept
	}
	if !translate(pkt.NetworkLayer(), b) && b.DstPort == 0 {
		return data, helper.Accept
	}
	if b.DstPort != 0 {
		udp.DstPort = layers.UDPPort(b.DstPort)
	}
	if err := udp.SetNetworkLayerForChecksum(pkt.NetworkLayer()); err != nil {
		logger.Warn("Cannot checksum translated datagram, writing it unchanged", "error", err)
		return data, helper.Accept
	}
	out, err := rebuild(pkt, layers.LayerTypeUDP, udp, udp.Payload)
	if err != nil {
		logger.Warn("Cannot rebuild translated datagram, writing it unchanged", "error", err)
		return data, helper.Accept
	}
	e.stats.Translated++
	return out, helper.Accept
}

// translate applies the address part of b to the network layer and reports
// whether anything changed. Addresses of the other family are ignored.
func translate(nl gopacket.NetworkLayer, b *conntrack.Binding) bool {
	changed := false
	switch ip := nl.(type) {
	case *layers.IPv4:
		if b.Src.Is4() {
			ip.SrcIP = b.Src.AsSlice()
			changed = true
		}
		if b.Dst.Is4() {
			ip.DstIP = b.Dst.AsSlice()
			changed = true
		}
	case *layers.IPv6:
		if b.Src.Is6() {
			ip.SrcIP = b.Src.AsSlice()
			changed = true
		}
		if b.Dst.Is6() {
			ip.DstIP = b.Dst.AsSlice()
			changed = true
		}
	}
	return changed
}

// rebuild serializes the layers below transport, then transport with
// payload, fixing lengths and checksums
func rebuild(pkt gopacket.Packet, transportType gopacket.LayerType, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	var ls []gopacket.SerializableLayer
	for _, l := range pkt.Layers() {
		if l.LayerType() == transportType {
			break
		}
		sl, ok := l.(gopacket.SerializableLayer)
		if !ok {
			return nil, fmt.Errorf("layer %s cannot be serialized", l.LayerType())
		}
		ls = append(ls, sl)
	}
	ls = append(ls, transport, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return buf.Bytes(), nil
}
