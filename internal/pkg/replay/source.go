package replay

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Source yields captured packets. Both pcapgo readers satisfy it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// OpenFile opens a pcap or pcapng capture. The returned closer releases the
// file.
func OpenFile(path string) (Source, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture: %w", err)
	}

	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, f, nil
	}

	if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to rewind capture: %w", seekErr)
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s is neither pcap (%v) nor pcapng: %w", path, err, ngErr)
	}
	return ng, f, nil
}
