// Package helper drives RTSP control connections: it reads the messages of
// each established segment, turns SETUP requests and qualifying replies into
// expectations for the media flows, cancels them on TEARDOWN, and under
// address translation rewrites transport ports in place.
package helper

import (
	"sync/atomic"

	"github.com/endorses/rtsphelper/internal/pkg/conntrack"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/endorses/rtsphelper/internal/pkg/rtsp"
	"github.com/google/gopacket/layers"
)

// Verdict is the fate of an inspected segment
type Verdict int

const (
	Accept Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "accept"
}

// MarshalYAML renders the verdict by name
func (v Verdict) MarshalYAML() (any, error) {
	return v.String(), nil
}

// Segment is the TCP payload of the packet being inspected
type Segment interface {
	Payload() []byte
	Mangle(off, n int, repl []byte) error
	AdjustSeq(delta int) error
}

// Expecter holds the expectations of tracked connections
type Expecter interface {
	AllocExpectation(master *conntrack.Conn) (*conntrack.Expectation, error)
	RegisterExpectation(exp *conntrack.Expectation) error
	ReleaseExpectation(exp *conntrack.Expectation)
	UnregisterExpectation(exp *conntrack.Expectation)
	RemoveExpectations(master *conntrack.Conn) int
	ExpireRelated(master *conntrack.Conn) int
}

// Stats is a snapshot of helper activity
type Stats struct {
	Inspected    int64 `yaml:"inspected"`
	Setups       int64 `yaml:"setups"`
	Teardowns    int64 `yaml:"teardowns"`
	Expectations int64 `yaml:"expectations"`
	Rewrites     int64 `yaml:"rewrites"`
	Drops        int64 `yaml:"drops"`
}

type counters struct {
	inspected    atomic.Int64
	setups       atomic.Int64
	teardowns    atomic.Int64
	expectations atomic.Int64
	rewrites     atomic.Int64
	drops        atomic.Int64
}

// Helper inspects RTSP control connections. It keeps no per-connection
// state of its own and is safe for concurrent use.
type Helper struct {
	exp        Expecter
	selector   TranslationSelector
	portOffset bool
	stats      counters
}

// Option configures a Helper
type Option func(*Helper)

// WithTranslation sets how translated connections are recognised
func WithTranslation(sel TranslationSelector) Option {
	return func(h *Helper) {
		h.selector = sel
	}
}

// WithPortOffset enables or disables the per-client port offset
func WithPortOffset(on bool) Option {
	return func(h *Helper) {
		h.portOffset = on
	}
}

// New creates a helper registering expectations with exp. By default the
// port offset is applied and connections marked NAT use PortTranslation.
func New(exp Expecter, opts ...Option) *Helper {
	h := &Helper{
		exp:        exp,
		portOffset: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.selector == nil {
		h.selector = NATSelector(NewPortTranslation(exp, h.portOffset))
	}
	return h
}

// NewFromConfig creates a helper following cfg
func NewFromConfig(exp Expecter, cfg *Config) *Helper {
	return New(exp, WithPortOffset(cfg.PortOffset))
}

// Stats returns a snapshot of the helper counters
func (h *Helper) Stats() Stats {
	return Stats{
		Inspected:    h.stats.inspected.Load(),
		Setups:       h.stats.setups.Load(),
		Teardowns:    h.stats.teardowns.Load(),
		Expectations: h.stats.expectations.Load(),
		Rewrites:     h.stats.rewrites.Load(),
		Drops:        h.stats.drops.Load(),
	}
}

func (h *Helper) translation(ct *conntrack.Conn) Translation {
	return h.selector(ct)
}

// Help inspects one segment of control connection ct. Only established
// traffic carrying payload is looked at; everything else is accepted.
func (h *Helper) Help(seg Segment, ct *conntrack.Conn, info conntrack.CtInfo) Verdict {
	if info != conntrack.CtEstablished && info != conntrack.CtEstablishedReply {
		return Accept
	}
	payload := seg.Payload()
	if len(payload) == 0 {
		return Accept
	}
	h.stats.inspected.Add(1)

	bp := getScratch(payload)
	defer putScratch(bp)
	buf := *bp

	msgs := rtsp.ParseMessages(buf)
	tr := h.translation(ct)

	var v Verdict
	if info.Dir() == conntrack.DirOriginal {
		v = h.helpOut(seg, ct, buf, msgs, tr)
	} else {
		v = h.helpIn(seg, ct, buf, msgs, tr)
	}
	if v == Drop {
		h.stats.drops.Add(1)
	}
	return v
}

// helpOut handles client to server traffic
func (h *Helper) helpOut(seg Segment, ct *conntrack.Conn, buf []byte, msgs []rtsp.Message, tr Translation) Verdict {
	offset := portOffset(ct, h.portOffset)

	for i := range msgs {
		msg := &msgs[i]

		switch msg.Kind {
		case rtsp.KindTeardown:
			h.stats.teardowns.Add(1)
			exps := h.exp.RemoveExpectations(ct)
			flows := h.exp.ExpireRelated(ct)
			logger.Debug("TEARDOWN, cancelling session",
				"conn", ct.Tuple(conntrack.DirOriginal).String(),
				"expectations", exps,
				"related_flows", flows)
			continue
		case rtsp.KindSetup:
		default:
			continue
		}

		h.stats.setups.Add(1)
		media := msg.RequestHost(buf)
		if !media.IsValid() {
			media = ct.Tuple(conntrack.DirReply).Src
		}

		if !msg.HasTransport() {
			continue
		}
		spec, ok := rtsp.ParseTransport(msg.Transport.Bytes(buf), rtsp.ClientPortParam, offset)
		if !ok || !spec.Found() {
			logger.Debug("SETUP without client ports")
			continue
		}
		spec.MediaAddr = media

		exp, err := h.exp.AllocExpectation(ct)
		if err != nil {
			logger.Warn("Dropping SETUP, cannot allocate expectation", "error", err)
			return Drop
		}
		exp.Init(media, ct.Tuple(conntrack.DirReply).Dst, layers.IPProtocolUDP, portsOf(spec))
		exp.OnRealized = h.realized

		if tr != nil {
			edits, err := tr.Setup(ct, buf, msg, spec, exp)
			h.exp.ReleaseExpectation(exp)
			if err != nil {
				logger.Warn("Dropping SETUP, translation failed", "error", err)
				return Drop
			}
			if err := Commit(seg, edits); err != nil {
				h.exp.UnregisterExpectation(exp)
				logger.Warn("Dropping SETUP, rewrite failed", "error", err)
				return Drop
			}
			if len(edits) > 0 {
				h.stats.rewrites.Add(1)
			}
		} else {
			err := h.exp.RegisterExpectation(exp)
			h.exp.ReleaseExpectation(exp)
			if err != nil {
				logger.Warn("Dropping SETUP, cannot register expectation", "error", err)
				return Drop
			}
		}

		h.stats.expectations.Add(1)
		logger.Debug("Expecting media flow",
			"expectation", exp.String(),
			"transport", spec.Mode.String(),
			"offset", offset)
		break
	}
	return Accept
}

// helpIn handles server to client traffic: Location redirects, then server
// ports, then the client_port rewrite of translated connections
func (h *Helper) helpIn(seg Segment, ct *conntrack.Conn, buf []byte, msgs []rtsp.Message, tr Translation) Verdict {
	if h.expectLocation(ct, buf, msgs) == Drop {
		return Drop
	}
	if h.expectServerPort(ct, buf, msgs) == Drop {
		return Drop
	}
	if tr == nil {
		return Accept
	}
	return h.rewriteReply(seg, ct, buf, msgs)
}

// expectLocation lets media from the server named in a Location header
// reach the client
func (h *Helper) expectLocation(ct *conntrack.Conn, buf []byte, msgs []rtsp.Message) Verdict {
	reply := ct.Tuple(conntrack.DirReply)

	var spec rtsp.TransportSpec
	for i := range msgs {
		msg := &msgs[i]
		if msg.Kind != rtsp.KindReply || !msg.HasLocation() {
			continue
		}

		host, hasURL := msg.LocationHost(buf)
		if !hasURL {
			break
		}
		if !host.IsValid() {
			host = reply.Src
		}

		if msg.HasTransport() {
			spec.Parse(msg.Transport.Bytes(buf), rtsp.ClientPortParam, 0)
		}
		if !spec.Found() {
			break
		}
		spec.MediaAddr = host

		exp, err := h.exp.AllocExpectation(ct)
		if err != nil {
			logger.Warn("Dropping reply, cannot allocate Location expectation", "error", err)
			return Drop
		}
		exp.Init(host, reply.Dst, layers.IPProtocolUDP, portsOf(spec))
		exp.OnRealized = h.realized

		err = h.exp.RegisterExpectation(exp)
		h.exp.ReleaseExpectation(exp)
		if err != nil {
			logger.Info("Location expectation not registered", "expectation", exp.String(), "error", err)
			continue
		}
		h.stats.expectations.Add(1)
		logger.Debug("Expecting media from Location", "expectation", exp.String())
	}
	return Accept
}

// expectServerPort lets the client reach the server_port of the first reply
// that names one
func (h *Helper) expectServerPort(ct *conntrack.Conn, buf []byte, msgs []rtsp.Message) Verdict {
	orig := ct.Tuple(conntrack.DirOriginal)

	for i := range msgs {
		msg := &msgs[i]
		if msg.Kind != rtsp.KindReply || !msg.HasTransport() {
			continue
		}

		port, sane := rtsp.ParseServerPort(msg.Transport.Bytes(buf))
		if !sane {
			logger.Debug("Transport header sanity check failed, skipping server ports")
			return Accept
		}
		if port == 0 {
			continue
		}

		exp, err := h.exp.AllocExpectation(ct)
		if err != nil {
			logger.Warn("Dropping reply, cannot allocate server port expectation", "error", err)
			return Drop
		}
		exp.Init(orig.Src, orig.Dst, layers.IPProtocolUDP, conntrack.SinglePort(port))
		exp.SavedPort = port
		exp.OnRealized = h.serverPortRealized

		err = h.exp.RegisterExpectation(exp)
		h.exp.ReleaseExpectation(exp)
		if err != nil {
			logger.Warn("Dropping reply, cannot register server port expectation", "error", err)
			return Drop
		}
		h.stats.expectations.Add(1)
		logger.Debug("Expecting flow to server port", "expectation", exp.String())
		return Accept
	}
	return Accept
}

// rewriteReply strips the port offset from the client_port values echoed by
// the server
func (h *Helper) rewriteReply(seg Segment, ct *conntrack.Conn, buf []byte, msgs []rtsp.Message) Verdict {
	adjust := rtsp.StripOffset(portOffset(ct, h.portOffset))

	var edits []rtsp.Edit
	for i := range msgs {
		msg := &msgs[i]
		if msg.Kind != rtsp.KindReply || !msg.HasTransport() {
			continue
		}
		if e, ok := rtsp.RewriteClientPorts(buf, msg.Transport, adjust); ok {
			edits = append(edits, e)
		}
	}
	if len(edits) == 0 {
		return Accept
	}

	if err := Commit(seg, edits); err != nil {
		logger.Warn("Dropping reply, rewrite failed", "error", err)
		return Drop
	}
	h.stats.rewrites.Add(1)
	return Accept
}

func (h *Helper) realized(flow *conntrack.Conn, exp *conntrack.Expectation) {
	if tr := h.translation(exp.Master); tr != nil {
		tr.Realized(flow, exp)
	}
}

func (h *Helper) serverPortRealized(flow *conntrack.Conn, exp *conntrack.Expectation) {
	if tr := h.translation(exp.Master); tr != nil {
		tr.ServerPort(flow, exp)
	}
}

// portsOf converts parsed transport ports into an expectation port match
func portsOf(spec rtsp.TransportSpec) conntrack.Ports {
	switch spec.Mode {
	case rtsp.PortRange:
		return conntrack.Ports{Mode: conntrack.MatchRange, Lo: spec.Lo, Hi: spec.Hi}
	case rtsp.PortDiscontiguous:
		return conntrack.Ports{Mode: conntrack.MatchPair, Lo: spec.Lo, Hi: spec.Hi}
	}
	return conntrack.SinglePort(spec.Lo)
}
