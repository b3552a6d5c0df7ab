package inspect

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/endorses/rtsphelper/internal/pkg/rtsp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var InspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Show how the helper reads an RTSP payload",
	Long: `Parse an RTSP payload (a file, or stdin when no file is given) and print
every message the helper locates, the ports its Transport header negotiates
and the rewrite a translated client would see.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

var (
	direction string
	source    string
)

func init() {
	InspectCmd.Flags().StringVarP(&direction, "direction", "d", "out", "payload direction: out (client to server) or in (server to client)")
	InspectCmd.Flags().StringVarP(&source, "source", "s", "", "client address that opened the control connection, used for the port offset")
}

// Report is the result of inspecting one payload
type Report struct {
	Direction  string          `yaml:"direction"`
	Source     string          `yaml:"source,omitempty"`
	PortOffset uint16          `yaml:"port_offset"`
	Messages   []MessageReport `yaml:"messages"`
}

// MessageReport describes one located message
type MessageReport struct {
	Kind         rtsp.Kind           `yaml:"kind"`
	Command      string              `yaml:"command"`
	Offset       int                 `yaml:"offset"`
	End          int                 `yaml:"end"`
	CSeq         string              `yaml:"cseq,omitempty"`
	Transport    string              `yaml:"transport,omitempty"`
	ClientPorts  *rtsp.TransportSpec `yaml:"client_ports,omitempty"`
	ServerPort   uint16              `yaml:"server_port,omitempty"`
	RequestHost  string              `yaml:"request_host,omitempty"`
	Location     string              `yaml:"location,omitempty"`
	LocationHost string              `yaml:"location_host,omitempty"`
	Rewritten    string              `yaml:"rewritten_transport,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	var (
		buf []byte
		err error
	)
	if len(args) == 1 {
		buf, err = os.ReadFile(args[0])
	} else {
		buf, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	var src netip.Addr
	if source != "" {
		src, err = netip.ParseAddr(source)
		if err != nil {
			return fmt.Errorf("invalid --source: %w", err)
		}
	}

	report, err := Inspect(buf, direction, src)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}

// Inspect parses payload as sent in dir ("out" or "in") on a control
// connection opened by src. src may be the zero Addr, which disables the
// port offset.
func Inspect(payload []byte, dir string, src netip.Addr) (*Report, error) {
	if dir != "out" && dir != "in" {
		return nil, fmt.Errorf("direction must be out or in, got %q", dir)
	}

	offset := rtsp.PortOffset(src)
	report := &Report{Direction: dir, PortOffset: offset}
	if src.IsValid() {
		report.Source = src.String()
	}

	for _, msg := range rtsp.ParseMessages(payload) {
		mr := MessageReport{
			Kind:    msg.Kind,
			Command: text(payload, msg.Command),
			Offset:  msg.Command.Off,
			End:     msg.End,
			CSeq:    value(payload, msg.CSeq),
		}

		if msg.HasTransport() {
			mr.Transport = value(payload, msg.Transport)
			hdr := msg.Transport.Bytes(payload)
			if spec, ok := rtsp.ParseTransport(hdr, rtsp.ClientPortParam, 0); ok && spec.Found() {
				mr.ClientPorts = &spec
			}
			if msg.HasServerPort(payload) {
				mr.ServerPort, _ = rtsp.ParseServerPort(hdr)
			}
			mr.Rewritten = rewritten(payload, &msg, dir, offset)
		}
		if host := msg.RequestHost(payload); host.IsValid() {
			mr.RequestHost = host.String()
		}
		if msg.HasLocation() {
			mr.Location = value(payload, msg.Location)
			if host, ok := msg.LocationHost(payload); ok && host.IsValid() {
				mr.LocationHost = host.String()
			}
		}
		report.Messages = append(report.Messages, mr)
	}
	return report, nil
}

// rewritten renders the Transport header the way a translated connection
// would carry it: SETUP gains the offset, replies lose it.
func rewritten(payload []byte, msg *rtsp.Message, dir string, offset uint16) string {
	if offset == 0 {
		return ""
	}
	var adjust rtsp.PortAdjuster
	switch {
	case dir == "out" && msg.Kind == rtsp.KindSetup:
		adjust = rtsp.AddOffset(offset)
	case dir == "in" && msg.Kind == rtsp.KindReply:
		adjust = rtsp.StripOffset(offset)
	default:
		return ""
	}
	e, ok := rtsp.RewriteClientPorts(payload, msg.Transport, adjust)
	if !ok {
		return ""
	}
	out := rtsp.ApplyEdits(payload, []rtsp.Edit{e})
	tr := rtsp.Span{Off: msg.Transport.Off, Len: msg.Transport.Len + e.Delta()}
	return value(out, tr)
}

func text(buf []byte, s rtsp.Span) string {
	if !s.Present() {
		return ""
	}
	return strings.TrimRight(string(s.Bytes(buf)), "\r\n")
}

// value returns the header value without its name
func value(buf []byte, s rtsp.Span) string {
	line := text(buf, s)
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
