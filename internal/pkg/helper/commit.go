package helper

import (
	"errors"
	"fmt"
	"sort"

	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/endorses/rtsphelper/internal/pkg/rtsp"
)

// ErrBadEdit is returned for edits outside the payload or overlapping each other
var ErrBadEdit = errors.New("invalid payload edit")

// Commit applies edits to the segment payload and records the resulting
// length change for sequence adjustment. Edits are given against the current
// payload. Either every edit and the adjustment take effect or the payload is
// left as it was.
func Commit(seg Segment, edits []rtsp.Edit) error {
	if len(edits) == 0 {
		return nil
	}

	sorted := append([]rtsp.Edit(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Off < sorted[j].Off })

	size := len(seg.Payload())
	prevEnd := 0
	delta := 0
	for _, e := range sorted {
		if e.Off < prevEnd || e.Len < 0 || e.Off+e.Len > size {
			return fmt.Errorf("edit %d+%d of %d byte payload: %w", e.Off, e.Len, size, ErrBadEdit)
		}
		prevEnd = e.Off + e.Len
		delta += e.Delta()
	}

	// Back to front, so earlier offsets stay valid
	undo := make([]rtsp.Edit, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		e := sorted[i]
		orig := append([]byte(nil), seg.Payload()[e.Off:e.Off+e.Len]...)
		if err := seg.Mangle(e.Off, e.Len, e.Repl); err != nil {
			revert(seg, undo)
			return fmt.Errorf("mangle at %d: %w", e.Off, err)
		}
		undo = append(undo, rtsp.Edit{Off: e.Off, Len: len(e.Repl), Repl: orig})
	}

	if delta != 0 {
		if err := seg.AdjustSeq(delta); err != nil {
			revert(seg, undo)
			return fmt.Errorf("adjust sequence by %d: %w", delta, err)
		}
	}
	return nil
}

// revert undoes applied edits, most recent first
func revert(seg Segment, undo []rtsp.Edit) {
	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		if err := seg.Mangle(e.Off, e.Len, e.Repl); err != nil {
			logger.Error("Failed to revert payload edit", "off", e.Off, "error", err)
			return
		}
	}
}
