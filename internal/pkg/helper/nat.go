package helper

import (
	"fmt"

	"github.com/endorses/rtsphelper/internal/pkg/conntrack"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/endorses/rtsphelper/internal/pkg/rtsp"
)

// Translation is the address translation capability of a control connection.
// The helper asks for it once per packet; a nil Translation means the
// connection is not translated.
type Translation interface {
	// Setup handles the expectation of an outbound SETUP on a translated
	// connection. It registers exp and returns the edits to apply to buf.
	Setup(ct *conntrack.Conn, buf []byte, msg *rtsp.Message, spec rtsp.TransportSpec, exp *conntrack.Expectation) ([]rtsp.Edit, error)
	// Realized maps a flow announced by SETUP or Location back to the client
	Realized(flow *conntrack.Conn, exp *conntrack.Expectation)
	// ServerPort maps a flow towards a server_port announced in a reply
	ServerPort(flow *conntrack.Conn, exp *conntrack.Expectation)
}

// TranslationSelector picks the translation for a connection
type TranslationSelector func(ct *conntrack.Conn) Translation

// NoTranslation never translates
func NoTranslation(*conntrack.Conn) Translation {
	return nil
}

// NATSelector returns tr for connections marked as translated
func NATSelector(tr Translation) TranslationSelector {
	return func(ct *conntrack.Conn) Translation {
		if ct == nil || !ct.NAT() {
			return nil
		}
		return tr
	}
}

// PortTranslation moves each client's media ports up by its port offset on
// the public side, so that clients behind one address declaring the same
// client_port get distinct expectations.
type PortTranslation struct {
	Expecter   Expecter
	PortOffset bool
}

// NewPortTranslation creates a PortTranslation registering with exp
func NewPortTranslation(exp Expecter, portOffset bool) *PortTranslation {
	return &PortTranslation{Expecter: exp, PortOffset: portOffset}
}

func (t *PortTranslation) offset(ct *conntrack.Conn) uint16 {
	return portOffset(ct, t.PortOffset)
}

// Setup rewrites the client_port of the SETUP to the offset ports the
// expectation waits on, then registers the expectation.
func (t *PortTranslation) Setup(ct *conntrack.Conn, buf []byte, msg *rtsp.Message, spec rtsp.TransportSpec, exp *conntrack.Expectation) ([]rtsp.Edit, error) {
	var edits []rtsp.Edit
	if e, ok := rtsp.RewriteClientPorts(buf, msg.Transport, rtsp.AddOffset(t.offset(ct))); ok {
		edits = append(edits, e)
	}

	if err := t.Expecter.RegisterExpectation(exp); err != nil {
		return nil, fmt.Errorf("register %s expectation: %w", spec, err)
	}
	return edits, nil
}

// Realized sends the flow to the client address and the port it declared
// before the offset was applied
func (t *PortTranslation) Realized(flow *conntrack.Conn, exp *conntrack.Expectation) {
	master := exp.Master
	port := flow.Tuple(conntrack.DirOriginal).DstPort
	if off := t.offset(master); port >= off {
		port -= off
	}
	b := conntrack.Binding{
		Dst:     master.Tuple(conntrack.DirOriginal).Src,
		DstPort: port,
	}
	if err := flow.SetBinding(b); err != nil {
		logger.Debug("Realized flow already translated", "flow", flow.Tuple(conntrack.DirOriginal).String(), "error", err)
		return
	}
	logger.Debug("Translating realized media flow",
		"flow", flow.Tuple(conntrack.DirOriginal).String(),
		"to", b.Dst.String(),
		"port", b.DstPort)
}

// ServerPort sources the flow from the address the server talks to and sends
// it to the server at the saved port
func (t *PortTranslation) ServerPort(flow *conntrack.Conn, exp *conntrack.Expectation) {
	reply := exp.Master.Tuple(conntrack.DirReply)
	b := conntrack.Binding{
		Src:     reply.Dst,
		Dst:     reply.Src,
		DstPort: exp.SavedPort,
	}
	if err := flow.SetBinding(b); err != nil {
		logger.Debug("Server port flow already translated", "flow", flow.Tuple(conntrack.DirOriginal).String(), "error", err)
		return
	}
	logger.Debug("Translating server port flow",
		"flow", flow.Tuple(conntrack.DirOriginal).String(),
		"src", b.Src.String(),
		"dst", b.Dst.String(),
		"port", b.DstPort)
}

func portOffset(ct *conntrack.Conn, enabled bool) uint16 {
	if !enabled || ct == nil {
		return 0
	}
	return rtsp.PortOffset(ct.Tuple(conntrack.DirOriginal).Src)
}
