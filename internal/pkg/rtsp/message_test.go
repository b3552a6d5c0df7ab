package rtsp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const setupRequest = "SETUP rtsp://10.0.0.5:554/stream/track1 RTSP/1.0\r\n" +
	"CSeq: 3\r\n" +
	"Transport: RTP/AVP;unicast;client_port=5000-5001\r\n" +
	"User-Agent: test\r\n" +
	"\r\n"

func TestNextLine(t *testing.T) {
	tests := []struct {
		name     string
		buf      string
		off      int
		wantLine Span
		wantNext int
		wantOK   bool
	}{
		{name: "CRLF", buf: "abc\r\ndef\r\n", wantLine: Span{0, 3}, wantNext: 5, wantOK: true},
		{name: "LF only", buf: "abc\ndef", wantLine: Span{0, 3}, wantNext: 4, wantOK: true},
		{name: "blank CRLF", buf: "\r\n", wantLine: Span{0, 0}, wantNext: 2, wantOK: true},
		{name: "second line", buf: "abc\r\ndef\r\n", off: 5, wantLine: Span{5, 3}, wantNext: 10, wantOK: true},
		{name: "no terminator", buf: "abc", wantOK: false},
		{name: "offset past end", buf: "abc\n", off: 4, wantOK: false},
		{name: "empty", buf: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, next, ok := nextLine([]byte(tt.buf), tt.off)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantLine, line)
				assert.Equal(t, tt.wantNext, next)
			}
		})
	}
}

func TestNextHeaderLine(t *testing.T) {
	t.Run("continuation folded", func(t *testing.T) {
		buf := []byte("Transport: RTP/AVP;\r\n client_port=5000\r\nCSeq: 1\r\n")
		line, next, status := nextHeaderLine(buf, 0)
		require.Equal(t, lineOK, status)
		assert.Equal(t, "Transport: RTP/AVP;\r\n client_port=5000\r\n", string(line.Bytes(buf)))
		assert.Equal(t, line.End(), next)
	})

	t.Run("blank line", func(t *testing.T) {
		line, next, status := nextHeaderLine([]byte("\r\nbody"), 0)
		require.Equal(t, lineOK, status)
		assert.Equal(t, 0, line.Len)
		assert.Equal(t, 2, next)
	})

	t.Run("missing colon", func(t *testing.T) {
		_, next, status := nextHeaderLine([]byte("garbage line\r\n"), 0)
		assert.Equal(t, lineStop, status)
		assert.Equal(t, 0, next)
	})

	t.Run("end of payload", func(t *testing.T) {
		_, next, status := nextHeaderLine([]byte("CSeq: 1\r\n"), 9)
		assert.Equal(t, lineStop, status)
		assert.Equal(t, 9, next)
	})

	t.Run("unterminated line", func(t *testing.T) {
		_, next, status := nextHeaderLine([]byte("Content-Len"), 0)
		assert.Equal(t, lineOverrun, status)
		assert.Equal(t, 0, next)
	})

	t.Run("unterminated continuation", func(t *testing.T) {
		_, next, status := nextHeaderLine([]byte("Transport: RTP/AVP;\r\n client_po"), 0)
		assert.Equal(t, lineOverrun, status)
		assert.Equal(t, 0, next)
	})
}

func TestParseMessageHeaderSpans(t *testing.T) {
	buf := []byte(setupRequest)

	m, ok := ParseMessage(buf, 0)
	require.True(t, ok)

	assert.Equal(t, KindSetup, m.Kind)
	assert.Equal(t, "SETUP rtsp://10.0.0.5:554/stream/track1 RTSP/1.0", string(m.Command.Bytes(buf)))

	// Header block starts after the command line and stops before the blank line
	cmdLineLen := strings.Index(setupRequest, "\r\n") + 2
	blank := strings.Index(setupRequest, "\r\n\r\n") + 2
	assert.Equal(t, cmdLineLen, m.Headers.Off)
	assert.Equal(t, blank-cmdLineLen, m.Headers.Len)
	assert.True(t, strings.HasSuffix(string(m.Headers.Bytes(buf)), "User-Agent: test\r\n"))

	assert.Equal(t, "CSeq: 3\r\n", string(m.CSeq.Bytes(buf)))
	assert.Equal(t, "Transport: RTP/AVP;unicast;client_port=5000-5001\r\n", string(m.Transport.Bytes(buf)))
	assert.False(t, m.HasLocation())
	assert.False(t, m.ContentLength.Present())
	assert.Equal(t, len(buf), m.End)
}

func TestParseMessageCaseInsensitiveFirstWins(t *testing.T) {
	buf := []byte("RTSP/1.0 200 OK\r\n" +
		"cseq: 7\r\n" +
		"TRANSPORT: RTP/AVP;client_port=6000\r\n" +
		"Transport: RTP/AVP;client_port=7000\r\n" +
		"location: rtsp://203.0.113.9/x\r\n" +
		"\r\n")

	m, ok := ParseMessage(buf, 0)
	require.True(t, ok)
	assert.Equal(t, KindReply, m.Kind)
	assert.Equal(t, "cseq: 7\r\n", string(m.CSeq.Bytes(buf)))
	assert.Contains(t, string(m.Transport.Bytes(buf)), "6000")
	assert.True(t, m.HasLocation())
}

func TestParseMessageContentLengthPipelined(t *testing.T) {
	body := "v=0\r\no=- 0 0 IN IP4 10.0.0.5\r\n"
	first := "RTSP/1.0 200 OK\r\n" +
		"CSeq: 2\r\n" +
		"Content-Length: 30\r\n" +
		"\r\n" + body
	require.Len(t, body, 30)
	second := "RTSP/1.0 200 OK\r\nCSeq: 3\r\n\r\n"
	buf := []byte(first + second)

	m, ok := ParseMessage(buf, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(30), m.BodyLen)
	assert.Equal(t, len(first), m.End, "cursor should land on the next message")

	msgs := ParseMessages(buf)
	require.Len(t, msgs, 2)
	assert.Equal(t, "CSeq: 3\r\n", string(msgs[1].CSeq.Bytes(buf)))
}

func TestParseMessageContentLengthClamped(t *testing.T) {
	buf := []byte("RTSP/1.0 200 OK\r\n" +
		"Content-Length:   500\r\n" +
		"\r\n" +
		"short body")

	m, ok := ParseMessage(buf, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(500), m.BodyLen)
	assert.Equal(t, len(buf), m.End)

	msgs := ParseMessages(buf)
	assert.Len(t, msgs, 1, "body bytes must never be scanned as a message")
}

func TestParseMessageBodyNotScannedAsHeaders(t *testing.T) {
	buf := []byte("RTSP/1.0 200 OK\r\n" +
		"Content-Length: 40\r\n" +
		"\r\n" +
		"Transport: RTP/AVP;client_port=1-2\r\n\r\n\r\n")

	msgs := ParseMessages(buf)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].HasTransport())
}

func TestParseMessageFailures(t *testing.T) {
	t.Run("no command line", func(t *testing.T) {
		_, ok := ParseMessage([]byte("SETUP rtsp://x RTSP/1.0"), 0)
		assert.False(t, ok)
		assert.Empty(t, ParseMessages([]byte("partial")))
	})

	t.Run("truncated header block", func(t *testing.T) {
		buf := []byte("SETUP rtsp://10.0.0.5/a RTSP/1.0\r\nCSeq: 1\r\nTransport: RTP/AVP;client_po")
		m, ok := ParseMessage(buf, 0)
		require.True(t, ok)
		assert.False(t, m.CSeq.Present(), "spans of a corrupt header block are dropped")
		assert.False(t, m.HasTransport())
		assert.Equal(t, strings.Index(string(buf), "Transport"), m.End)
	})

	t.Run("header block ends with payload", func(t *testing.T) {
		buf := []byte("SETUP rtsp://10.0.0.5/a RTSP/1.0\r\nCSeq: 1\r\n")
		m, ok := ParseMessage(buf, 0)
		require.True(t, ok)
		assert.True(t, m.CSeq.Present())
		assert.Equal(t, len(buf), m.End)
	})
}

func TestParseMessageIdempotent(t *testing.T) {
	buf := []byte(setupRequest + "TEARDOWN rtsp://10.0.0.5/stream RTSP/1.0\r\nCSeq: 4\r\n\r\n")

	first := ParseMessages(buf)
	second := ParseMessages(buf)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, KindTeardown, first[1].Kind)

	ts1, ok1 := ParseTransport(first[0].Transport.Bytes(buf), ClientPortParam, 208)
	ts2, ok2 := ParseTransport(second[0].Transport.Bytes(buf), ClientPortParam, 208)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, ts1, ts2)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindSetup, classify([]byte("SETUP rtsp://a RTSP/1.0")))
	assert.Equal(t, KindTeardown, classify([]byte("TEARDOWN rtsp://a RTSP/1.0")))
	assert.Equal(t, KindReply, classify([]byte("RTSP/1.0 200 OK")))
	assert.Equal(t, KindOther, classify([]byte("PLAY rtsp://a RTSP/1.0")))
	assert.Equal(t, KindOther, classify([]byte("setup rtsp://a RTSP/1.0")))
	assert.Equal(t, "TEARDOWN", KindTeardown.String())
}
