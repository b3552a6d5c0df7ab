// Package constants provides shared defaults used across rtsphelper components.
package constants

import "time"

// RTSP helper defaults
const (
	// DefaultRTSPPort is the control port inspected when no ports are configured
	DefaultRTSPPort = 554

	// MaxPorts is the number of control ports the helper can be attached to
	MaxPorts = 8

	// DefaultMaxOutstanding is the number of not yet answered SETUP requests
	// allowed per RTSP session
	DefaultMaxOutstanding = 8

	// DefaultSetupTimeout is how long an expected data channel stays pending
	DefaultSetupTimeout = 300 * time.Second
)

// Connection tracking defaults
const (
	// DefaultMaxExpectations caps the expectation table across all masters
	DefaultMaxExpectations = 4096

	// DefaultConnTimeout expires idle tracked connections
	DefaultConnTimeout = 10 * time.Minute

	// DefaultJanitorInterval is how often the janitor sweeps expired entries
	DefaultJanitorInterval = 10 * time.Second
)

// Buffer sizes
const (
	// ScratchBufferSize is the payload copy size borrowed per inspected packet.
	// Larger payloads get a dedicated allocation.
	ScratchBufferSize = 65536

	// PcapSnapLen is the snapshot length written to pcap file headers
	PcapSnapLen = 65536

	// PcapWriterQueueBuffer is the async pcap writer channel size
	PcapWriterQueueBuffer = 1000

	// PcapSyncInterval is how often the pcap writer flushes to disk
	PcapSyncInterval = 5 * time.Second
)

// Process lifecycle
const (
	// SignalChannelBuffer is the buffer of the shutdown signal channel
	SignalChannelBuffer = 1
)
