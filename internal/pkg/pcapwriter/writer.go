// Package pcapwriter writes replayed packets to a pcap file from a single
// background goroutine.
package pcapwriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/rtsphelper/internal/pkg/constants"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrClosed is returned when writing to a closed writer
var ErrClosed = errors.New("pcap writer is closed")

// Record is one packet to write
type Record struct {
	CaptureInfo gopacket.CaptureInfo
	Data        []byte
}

// Writer writes records to a pcap file
type Writer struct {
	filePath     string
	file         *os.File
	writer       *pcapgo.Writer
	records      chan Record
	wg           sync.WaitGroup
	mu           sync.Mutex
	sendMu       sync.RWMutex
	closed       atomic.Bool
	syncTicker   *time.Ticker
	packetCount  atomic.Int64
	bytesWritten atomic.Int64
	failures     atomic.Int64
}

// Config for the pcap writer
type Config struct {
	FilePath     string          // Path to PCAP file
	LinkType     layers.LinkType // Link type of every record
	SnapLen      uint32          // Snapshot length in the file header
	BufferSize   int             // Channel buffer size
	SyncInterval time.Duration   // How often to sync to disk
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		LinkType:     layers.LinkTypeEthernet,
		SnapLen:      constants.PcapSnapLen,
		BufferSize:   constants.PcapWriterQueueBuffer,
		SyncInterval: constants.PcapSyncInterval,
	}
}

// New creates the file, writes the pcap header and starts the write loop
func New(config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	def := DefaultConfig()
	if config.SnapLen == 0 {
		config.SnapLen = def.SnapLen
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}

	file, err := os.Create(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create PCAP file: %w", err)
	}

	pw := pcapgo.NewWriter(file)
	if err := pw.WriteFileHeader(config.SnapLen, config.LinkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}

	w := &Writer{
		filePath:   config.FilePath,
		file:       file,
		writer:     pw,
		records:    make(chan Record, config.BufferSize),
		syncTicker: time.NewTicker(config.SyncInterval),
	}

	w.wg.Add(1)
	go w.writeLoop()

	logger.Info("Created PCAP writer",
		"file", config.FilePath,
		"link_type", config.LinkType.String(),
		"buffer_size", config.BufferSize)

	return w, nil
}

// WriteWait queues a record, waiting for room until ctx is done
func (w *Writer) WriteWait(ctx context.Context, rec Record) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed.Load() {
		return ErrClosed
	}

	select {
	case w.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the packet writing goroutine. It exits once the queue is
// closed and drained.
func (w *Writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				return
			}
			if err := w.writeRecord(rec); err != nil {
				w.failures.Add(1)
				logger.Error("Failed to write packet", "error", err, "file", w.filePath)
			}

		case <-w.syncTicker.C:
			w.mu.Lock()
			if w.file != nil {
				if err := w.file.Sync(); err != nil {
					logger.Warn("Failed to sync PCAP file", "error", err, "file", w.filePath)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *Writer) writeRecord(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ci := rec.CaptureInfo
	ci.CaptureLength = len(rec.Data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if err := w.writer.WritePacket(ci, rec.Data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	w.packetCount.Add(1)
	w.bytesWritten.Add(int64(len(rec.Data)))
	return nil
}

// Close flushes every queued record and closes the file
func (w *Writer) Close() error {
	w.sendMu.Lock()
	if w.closed.Swap(true) {
		w.sendMu.Unlock()
		return nil
	}
	close(w.records)
	w.sendMu.Unlock()

	w.wg.Wait()
	w.syncTicker.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		logger.Warn("Failed to sync PCAP file", "error", err, "file", w.filePath)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close PCAP file: %w", err)
	}
	w.file = nil

	logger.Info("Closed PCAP writer",
		"file", w.filePath,
		"packets", w.packetCount.Load(),
		"bytes", w.bytesWritten.Load())

	return nil
}

// Stats returns current writer statistics
func (w *Writer) Stats() (packetCount, bytesWritten int64) {
	return w.packetCount.Load(), w.bytesWritten.Load()
}

// Failures returns how many records could not be written
func (w *Writer) Failures() int64 {
	return w.failures.Load()
}

// FilePath returns the file path being written to
func (w *Writer) FilePath() string {
	return w.filePath
}
