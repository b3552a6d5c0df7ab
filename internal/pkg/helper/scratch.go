package helper

import (
	"sync"
	"sync/atomic"

	"github.com/endorses/rtsphelper/internal/pkg/constants"
)

// ScratchStats counts scratch buffer pool usage
type ScratchStats struct {
	Gets     int64 `yaml:"gets"`
	Allocs   int64 `yaml:"allocs"`
	Discards int64 `yaml:"discards"`
}

type scratchMetrics struct {
	gets     atomic.Int64
	allocs   atomic.Int64
	discards atomic.Int64
}

var (
	scratchPool = sync.Pool{
		New: func() any {
			metrics.allocs.Add(1)
			b := make([]byte, 0, constants.ScratchBufferSize)
			return &b
		},
	}
	metrics scratchMetrics
)

// getScratch returns a pooled copy of payload. The copy must be handed back
// with putScratch once the call is done with it.
func getScratch(payload []byte) *[]byte {
	metrics.gets.Add(1)
	bp := scratchPool.Get().(*[]byte)
	*bp = append((*bp)[:0], payload...)
	return bp
}

func putScratch(bp *[]byte) {
	// Oversized buffers grown for jumbo payloads are not kept
	if cap(*bp) > constants.ScratchBufferSize {
		metrics.discards.Add(1)
		return
	}
	*bp = (*bp)[:0]
	scratchPool.Put(bp)
}

// GetScratchStats returns a snapshot of the scratch pool counters
func GetScratchStats() ScratchStats {
	return ScratchStats{
		Gets:     metrics.gets.Load(),
		Allocs:   metrics.allocs.Load(),
		Discards: metrics.discards.Load(),
	}
}
