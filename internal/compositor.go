package internal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-rgbd/meta"
)

// composition is the result of one compose call.
type composition struct {
	frameset *meta.Frameset

	// anchor is the PTS recorded as previous timestamp: the primary PTS, or
	// the first attachment with a known PTS when the primary has none.
	anchor time.Duration

	// placeholders counts the GAP buffers substituted for empty slots.
	placeholders int
}

// compose builds one frameset from the pending slots and consumes all of them.
//
// Algorithm:
//  1. Primary = highest-priority channel (GAP placeholder + WARN if empty)
//  2. Every other channel, in priority order, is attached under its name
//     (GAP placeholder if empty)
//
// Must be called with the muxer lock and every slot lock held.
func compose(channels []*Channel) (composition, error) {
	if len(channels) == 0 {
		return composition{}, ErrNotNegotiated
	}

	var out composition
	out.anchor = meta.ClockTimeNone

	primaryChannel := channels[0]
	primary := primaryChannel.slot.popLocked()
	if primary == nil {
		slog.Warn("rgbdmux: primary stream has no buffer, substituting GAP placeholder",
			"stream", primaryChannel.name,
		)
		primary = meta.NewGapBuffer(primaryChannel.name)
		out.placeholders++
	} else {
		meta.TagBuffer(primary, primaryChannel.name)
		if primary.HasPTS() {
			out.anchor = primary.PTS
		}
	}

	fs := meta.NewFrameset(uuid.NewString(), primary)

	// Consume every slot even if an attach fails below.
	aux := make([]*meta.Buffer, len(channels)-1)
	for i, c := range channels[1:] {
		aux[i] = c.slot.popLocked()
	}

	for i, c := range channels[1:] {
		b := aux[i]
		if b == nil {
			slog.Debug("rgbdmux: stream has no buffer, attaching GAP placeholder",
				"stream", c.name,
			)
			b = meta.NewGapBuffer(c.name)
			out.placeholders++
		} else if out.anchor < 0 && b.HasPTS() {
			out.anchor = b.PTS
		}

		if _, err := fs.Attach(c.name, b); err != nil {
			return composition{}, fmt.Errorf("%w: attach %q to frameset: %v", ErrResource, c.name, err)
		}
	}

	fs.Seal()
	out.frameset = fs
	return out, nil
}
