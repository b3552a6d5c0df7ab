package rtsp

import (
	"bytes"

	"github.com/endorses/rtsphelper/internal/pkg/logger"
)

// Kind classifies a message by its command line
type Kind int

const (
	KindOther Kind = iota
	KindSetup
	KindTeardown
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "SETUP"
	case KindTeardown:
		return "TEARDOWN"
	case KindReply:
		return "REPLY"
	default:
		return "OTHER"
	}
}

// MarshalYAML renders the kind by name
func (k Kind) MarshalYAML() (any, error) {
	return k.String(), nil
}

const (
	setupPrefix    = "SETUP "
	teardownPrefix = "TEARDOWN "
	replyPrefix    = "RTSP/1.0 "
)

// Header names matched case-insensitively at the start of a header line
const (
	hdrCSeq          = "cseq:"
	hdrTransport     = "transport:"
	hdrContentLength = "content-length:"
	hdrLocation      = "location:"
)

// Message is one RTSP request or reply located inside a payload. Header spans
// include their line terminator and always fall inside Headers.
type Message struct {
	Kind          Kind   `yaml:"kind"`
	Command       Span   `yaml:"command"`
	Headers       Span   `yaml:"headers"`
	CSeq          Span   `yaml:"cseq,omitempty"`
	Transport     Span   `yaml:"transport,omitempty"`
	ContentLength Span   `yaml:"content_length,omitempty"`
	Location      Span   `yaml:"location,omitempty"`
	BodyLen       uint32 `yaml:"body_len"`
	// End is the offset of the first byte after the message body
	End int `yaml:"end"`
}

func classify(cmd []byte) Kind {
	switch {
	case bytes.HasPrefix(cmd, []byte(setupPrefix)):
		return KindSetup
	case bytes.HasPrefix(cmd, []byte(teardownPrefix)):
		return KindTeardown
	case bytes.HasPrefix(cmd, []byte(replyPrefix)):
		return KindReply
	}
	return KindOther
}

// HasTransport reports whether a Transport header was found
func (m *Message) HasTransport() bool {
	return m.Transport.Present()
}

// HasLocation reports whether a Location header was found
func (m *Message) HasLocation() bool {
	return m.Location.Present()
}

func (m *Message) clearHeaders() {
	m.CSeq = Span{}
	m.Transport = Span{}
	m.ContentLength = Span{}
	m.Location = Span{}
	m.BodyLen = 0
}

// lineStatus is the outcome of reading one logical header line
type lineStatus int

const (
	lineOK lineStatus = iota
	// lineStop ends the header block: no more input or a line without ':'
	lineStop
	// lineOverrun is a line that runs past the end of the payload
	lineOverrun
)

// nextHeaderLine reads one logical header line starting at off, folding
// continuation lines that begin with a space or tab. The span covers the
// terminator of its last physical line. A blank line yields a zero length
// span. The first physical line of a header must contain a colon.
func nextHeaderLine(buf []byte, off int) (Span, int, lineStatus) {
	start := off
	first := true
	for {
		phys, next, ok := nextLine(buf, off)
		if !ok {
			if off < len(buf) {
				return Span{}, start, lineOverrun
			}
			return Span{}, start, lineStop
		}
		off = next
		if first {
			if phys.Len == 0 {
				return Span{Off: start}, off, lineOK
			}
			if bytes.IndexByte(phys.Bytes(buf), ':') < 0 {
				return Span{}, start, lineStop
			}
			first = false
		}
		if off >= len(buf) || (buf[off] != ' ' && buf[off] != '\t') {
			break
		}
	}
	return Span{Off: start, Len: off - start}, off, lineOK
}

// ParseMessage locates the message starting at off. It fails only when no
// command line can be read. A header line running past the end of the
// payload is corrupt: the message is still returned, without any of its
// header spans. The returned cursor is m.End.
func ParseMessage(buf []byte, off int) (Message, bool) {
	cmd, cur, ok := nextLine(buf, off)
	if !ok {
		return Message{}, false
	}

	m := Message{
		Kind:    classify(cmd.Bytes(buf)),
		Command: cmd,
		Headers: Span{Off: cur},
	}

	headersEnd := -1
	for {
		line, next, status := nextHeaderLine(buf, cur)
		if status == lineOverrun {
			logger.Debug("RTSP header line overruns payload",
				"line_off", cur,
				"payload_len", len(buf))
			m.clearHeaders()
			break
		}
		if status != lineOK {
			break
		}
		if line.Len == 0 {
			headersEnd = cur
			cur = next
			if m.BodyLen > 0 {
				cur += min(int(m.BodyLen), len(buf)-cur)
			}
			break
		}
		cur = next

		hdr := line.Bytes(buf)
		switch {
		case hasPrefixFold(hdr, hdrCSeq):
			if !m.CSeq.Present() {
				m.CSeq = line
			}
		case hasPrefixFold(hdr, hdrTransport):
			if !m.Transport.Present() {
				m.Transport = line
			}
		case hasPrefixFold(hdr, hdrContentLength):
			if !m.ContentLength.Present() {
				m.ContentLength = line
				v, _ := parseUint32(hdr[skipSpace(hdr, len(hdrContentLength)):])
				m.BodyLen = v
			}
		case hasPrefixFold(hdr, hdrLocation):
			if !m.Location.Present() {
				m.Location = line
			}
		}
	}

	if headersEnd < 0 {
		headersEnd = cur
	}
	m.Headers.Len = headersEnd - m.Headers.Off
	m.End = cur
	return m, true
}

// ParseMessages splits a payload into messages, stopping at the first
// position where no command line can be read.
func ParseMessages(buf []byte) []Message {
	var msgs []Message
	off := 0
	for off < len(buf) {
		m, ok := ParseMessage(buf, off)
		if !ok {
			break
		}
		msgs = append(msgs, m)
		off = m.End
	}
	return msgs
}
