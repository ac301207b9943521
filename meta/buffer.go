// Package meta provides the buffer and frameset types shared by the muxer,
// the wire codec and the demuxer, together with the title-tag attachment
// capability used to recover which stream a buffer came from.
//
// Tagging contract:
//
//	Every buffer inside a frameset carries a title tag equal to the name of the
//	stream (channel) that produced it. The primary buffer is tagged too. A
//	demuxer recovers the stream mapping from the tags alone, so tags MUST be
//	unique within one frameset.
package meta

import (
	"fmt"
	"time"
)

// Canonical stream names, in priority order.
const (
	StreamDepth  = "depth"
	StreamInfra1 = "infra1"
	StreamInfra2 = "infra2"
	StreamColor  = "color"

	// StreamCameraMeta is the reserved tag for calibration metadata.
	// Its payload is opaque to the muxer.
	StreamCameraMeta = "camerameta"
)

// ClockTimeNone marks an unknown timestamp or duration.
const ClockTimeNone time.Duration = -1

// Flags describe how downstream should treat a buffer.
type Flags uint8

const (
	// FlagGap marks a buffer that carries no media (a placeholder).
	FlagGap Flags = 1 << iota
	// FlagDroppable marks a buffer downstream may discard without harm.
	FlagDroppable
)

// Has reports whether all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) String() string {
	switch {
	case f == 0:
		return "none"
	case f.Has(FlagGap | FlagDroppable):
		return "gap|droppable"
	case f.Has(FlagGap):
		return "gap"
	case f.Has(FlagDroppable):
		return "droppable"
	default:
		return fmt.Sprintf("flags(%d)", uint8(f))
	}
}

// Buffer is one elementary payload with its presentation timestamp.
//
// Ownership: a producer MUST NOT modify Data after pushing the buffer into a
// channel. After a frameset is emitted the consumer owns every buffer in it.
type Buffer struct {
	// PTS is the presentation timestamp in running time (ClockTimeNone if unknown).
	PTS time.Duration

	// Duration of the payload (ClockTimeNone if unknown).
	Duration time.Duration

	// Flags set on the buffer.
	Flags Flags

	// Data is the raw payload. Empty for gap placeholders.
	Data []byte

	// Title is the stream tag. Set by TagBuffer.
	Title string
}

// NewBuffer creates a buffer with the given payload and PTS.
func NewBuffer(pts time.Duration, data []byte) *Buffer {
	return &Buffer{
		PTS:      pts,
		Duration: ClockTimeNone,
		Data:     data,
	}
}

// NewGapBuffer creates an empty buffer flagged GAP|DROPPABLE and tagged with
// the given stream name.
func NewGapBuffer(stream string) *Buffer {
	b := &Buffer{
		PTS:      ClockTimeNone,
		Duration: ClockTimeNone,
		Flags:    FlagGap | FlagDroppable,
	}
	TagBuffer(b, stream)
	return b
}

// TagBuffer sets the title tag of b.
func TagBuffer(b *Buffer, title string) {
	b.Title = title
}

// HasPTS reports whether the buffer timestamp is known.
func (b *Buffer) HasPTS() bool {
	return b.PTS >= 0
}

// IsGap reports whether b is a gap placeholder.
func (b *Buffer) IsGap() bool {
	return b.Flags.Has(FlagGap)
}

// Size returns the payload length in bytes.
func (b *Buffer) Size() int {
	return len(b.Data)
}
