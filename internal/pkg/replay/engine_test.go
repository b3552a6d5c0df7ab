package replay

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/endorses/rtsphelper/internal/pkg/helper"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clientAddr = netip.MustParseAddr("10.1.2.3")
	serverAddr = netip.MustParseAddr("192.0.2.10")
	epoch      = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

const (
	clientPort = 40000
	clientISN  = 100
	serverISN  = 500
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

type tcpSeg struct {
	src, dst     netip.Addr
	sport, dport uint16
	seq, ack     uint32
	syn, ackFlag bool
	payload      string
}

func frame(t *testing.T, src, dst netip.Addr, proto layers.IPProtocol, l4 gopacket.SerializableLayer, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x02, 0, 0, 0, 0, 1},
		DstMAC:       []byte{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	switch l := l4.(type) {
	case *layers.TCP:
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.UDP:
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload(payload)))
	return append([]byte(nil), buf.Bytes()...)
}

func (s tcpSeg) frame(t *testing.T) []byte {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.sport),
		DstPort: layers.TCPPort(s.dport),
		Seq:     s.seq,
		Ack:     s.ack,
		SYN:     s.syn,
		ACK:     s.ackFlag,
		PSH:     s.payload != "",
		Window:  65535,
	}
	return frame(t, s.src, s.dst, layers.IPProtocolTCP, tcp, []byte(s.payload))
}

func udpFrame(t *testing.T, src netip.Addr, sport uint16, dst netip.Addr, dport uint16, payload string) []byte {
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	return frame(t, src, dst, layers.IPProtocolUDP, udp, []byte(payload))
}

func out(seq, ack uint32, payload string) tcpSeg {
	return tcpSeg{src: clientAddr, dst: serverAddr, sport: clientPort, dport: 554, seq: seq, ack: ack, ackFlag: true, payload: payload}
}

func in(seq, ack uint32, payload string) tcpSeg {
	return tcpSeg{src: serverAddr, dst: clientAddr, sport: 554, dport: clientPort, seq: seq, ack: ack, ackFlag: true, payload: payload}
}

// handshake returns the three frames opening the control connection
func handshake(t *testing.T) [][]byte {
	syn := out(clientISN, 0, "")
	syn.syn, syn.ackFlag = true, false
	synAck := in(serverISN, clientISN+1, "")
	synAck.syn = true
	return [][]byte{
		syn.frame(t),
		synAck.frame(t),
		out(clientISN+1, serverISN+1, "").frame(t),
	}
}

func writeCapture(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func readCapture(t *testing.T, path string) []gopacket.Packet {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	var pkts []gopacket.Packet
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		pkts = append(pkts, gopacket.NewPacket(data, r.LinkType(), gopacket.Default))
	}
	return pkts
}

func tcpOf(t *testing.T, pkt gopacket.Packet) *layers.TCP {
	t.Helper()
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	return tcp
}

func TestReplayTranslated(t *testing.T) {
	setup := crlf(
		"SETUP rtsp://192.0.2.10:554/stream/track1 RTSP/1.0",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=9900-9901",
		"",
	)
	reply := crlf(
		"RTSP/1.0 200 OK",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=10108-10109;server_port=6970-6971",
		"Session: 12345678",
		"",
	)
	setupEnd := uint32(clientISN + 1 + len(setup))
	replyEnd := uint32(serverISN + 1 + len(reply))

	frames := handshake(t)
	frames = append(frames,
		out(clientISN+1, serverISN+1, setup).frame(t),
		// The server saw a SETUP two bytes longer
		in(serverISN+1, setupEnd+2, reply).frame(t),
		// The client saw a reply two bytes shorter
		out(setupEnd, replyEnd-2, "").frame(t),
		udpFrame(t, serverAddr, 6970, clientAddr, 10108, "rtp"),
	)
	input := writeCapture(t, frames)
	output := filepath.Join(t.TempDir(), "out.pcap")

	cfg := helper.DefaultConfig()
	cfg.NAT = true

	summary, err := ReplayFile(context.Background(), cfg, input, output)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), summary.Packets.Packets)
	assert.Equal(t, uint64(7), summary.Packets.Written)
	assert.Equal(t, uint64(6), summary.Packets.Control)
	assert.Equal(t, uint64(2), summary.Packets.Rewritten)
	assert.Equal(t, uint64(1), summary.Packets.Translated)
	assert.Equal(t, uint64(1), summary.Packets.Related)
	assert.Equal(t, int64(2), summary.Helper.Expectations)

	pkts := readCapture(t, output)
	require.Len(t, pkts, 7)

	gotSetup := tcpOf(t, pkts[3])
	assert.Contains(t, string(gotSetup.Payload), "client_port=10108-10109\r\n")
	assert.Equal(t, uint32(clientISN+1), gotSetup.Seq)

	gotReply := tcpOf(t, pkts[4])
	assert.Contains(t, string(gotReply.Payload), "client_port=9900-9901;server_port=6970-6971")
	assert.Equal(t, uint32(serverISN+1), gotReply.Seq)
	assert.Equal(t, setupEnd, gotReply.Ack, "ack mapped back into the client's stream")

	gotAck := tcpOf(t, pkts[5])
	assert.Equal(t, setupEnd+2, gotAck.Seq, "seq shifted past the longer SETUP")
	assert.Equal(t, replyEnd, gotAck.Ack, "ack mapped back into the server's stream")

	udp, ok := pkts[6].Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(9900), udp.DstPort)
	assert.Equal(t, "rtp", string(udp.Payload))

	// Server port expectation is still pending
	require.Len(t, summary.Pending, 1)
	assert.Equal(t, "6970", summary.Pending[0].Ports)
	assert.Equal(t, clientAddr.String(), summary.Pending[0].Src)
}

func TestReplayUntranslated(t *testing.T) {
	setup := crlf(
		"SETUP rtsp://192.0.2.10:554/stream/track1 RTSP/1.0",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=5000-5001",
		"",
	)
	reply := crlf(
		"RTSP/1.0 200 OK",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=5000-5001;server_port=6970-6971",
		"",
	)
	setupEnd := uint32(clientISN + 1 + len(setup))

	frames := handshake(t)
	frames = append(frames,
		out(clientISN+1, serverISN+1, setup).frame(t),
		in(serverISN+1, setupEnd, reply).frame(t),
	)
	input := writeCapture(t, frames)
	output := filepath.Join(t.TempDir(), "out.pcap")

	summary, err := ReplayFile(context.Background(), helper.DefaultConfig(), input, output)
	require.NoError(t, err)

	assert.Zero(t, summary.Packets.Rewritten)
	assert.Equal(t, uint64(5), summary.Packets.Written)

	var ports []string
	for _, p := range summary.Pending {
		ports = append(ports, p.Ports)
	}
	assert.ElementsMatch(t, []string{"5208-5209", "6970"}, ports)

	pkts := readCapture(t, output)
	require.Len(t, pkts, len(frames))
	for i, pkt := range pkts {
		assert.Equal(t, frames[i], pkt.Data(), "packet %d unchanged", i)
	}
}

func TestReplayTeardown(t *testing.T) {
	setup := crlf(
		"SETUP rtsp://192.0.2.10:554/stream/track1 RTSP/1.0",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=5000-5001",
		"",
	)
	teardown := crlf(
		"TEARDOWN rtsp://192.0.2.10:554/stream RTSP/1.0",
		"CSeq: 4",
		"",
	)
	setupEnd := uint32(clientISN + 1 + len(setup))

	frames := handshake(t)
	frames = append(frames,
		out(clientISN+1, serverISN+1, setup).frame(t),
		out(setupEnd, serverISN+1, teardown).frame(t),
	)

	summary, err := ReplayFile(context.Background(), helper.DefaultConfig(), writeCapture(t, frames), "")
	require.NoError(t, err)

	assert.Empty(t, summary.Pending)
	assert.Equal(t, int64(1), summary.Helper.Teardowns)
	assert.Zero(t, summary.Packets.Written, "no sink configured")
}

func TestReplayDropOnExhaustedTable(t *testing.T) {
	setup := crlf(
		"SETUP rtsp://192.0.2.10:554/stream/track1 RTSP/1.0",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=5000-5001",
		"",
	)
	reply := crlf(
		"RTSP/1.0 200 OK",
		"CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=5000-5001;server_port=6970-6971",
		"",
	)
	setupEnd := uint32(clientISN + 1 + len(setup))

	frames := handshake(t)
	frames = append(frames,
		out(clientISN+1, serverISN+1, setup).frame(t),
		in(serverISN+1, setupEnd, reply).frame(t),
	)
	output := filepath.Join(t.TempDir(), "out.pcap")

	cfg := helper.DefaultConfig()
	cfg.MaxExpectations = 1

	summary, err := ReplayFile(context.Background(), cfg, writeCapture(t, frames), output)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), summary.Packets.Dropped)
	assert.Equal(t, uint64(4), summary.Packets.Written)
	assert.Len(t, readCapture(t, output), 4)
}

func TestProcessSkipsNonIP(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 1, 2, 3},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 1, 2, 1},
	}
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x02, 0, 0, 0, 0, 1},
		DstMAC:       []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))

	data := buf.Bytes()
	got, v := e.Process(data, gopacket.CaptureInfo{Timestamp: epoch}, layers.LinkTypeEthernet)
	assert.Equal(t, helper.Accept, v)
	assert.Equal(t, data, got)
	assert.Equal(t, uint64(1), e.Stats().Skipped)
}

func TestReplayCancelled(t *testing.T) {
	input := writeCapture(t, handshake(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReplayFile(ctx, helper.DefaultConfig(), input, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayInvalidInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture file"), 0o644))

	_, err := ReplayFile(context.Background(), helper.DefaultConfig(), path, "")
	assert.Error(t, err)

	_, err = ReplayFile(context.Background(), helper.DefaultConfig(), filepath.Join(t.TempDir(), "missing.pcap"), "")
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := helper.DefaultConfig()
	cfg.Ports = nil
	_, err := New(cfg)
	assert.ErrorIs(t, err, helper.ErrInvalidConfig)
}
