package internal

import (
	"log/slog"
	"sort"
	"time"

	"github.com/e7canasta/orion-rgbd/meta"
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventFrameset carries one composed frameset.
	EventFrameset EventKind = iota
	// EventGap signals that data is missing after Timestamp (unknown duration).
	EventGap
	// EventDescriptor advertises a new composite descriptor. It always
	// precedes the first frameset composed under that descriptor.
	EventDescriptor
	// EventEOS is terminal: every channel ended and was drained.
	EventEOS
)

func (k EventKind) String() string {
	switch k {
	case EventFrameset:
		return "frameset"
	case EventGap:
		return "gap"
	case EventDescriptor:
		return "descriptor"
	case EventEOS:
		return "eos"
	default:
		return "unknown"
	}
}

// Event is one item of the muxer output.
type Event struct {
	Kind EventKind

	// Frameset is set for EventFrameset. The consumer owns it.
	Frameset *meta.Frameset

	// Timestamp is the frameset anchor (EventFrameset) or the gap anchor (EventGap).
	Timestamp time.Duration

	// Descriptor is set for EventDescriptor.
	Descriptor CompositeDescriptor
}

// cycleResult is the outcome of one aggregation cycle.
type cycleResult struct {
	events []Event
	done   bool // EOS emitted, the loop must exit
}

// pendingTimestamp is a channel's pending PTS, unknown PTS counting as 0.
type pendingTimestamp struct {
	channel *Channel
	pts     time.Duration
}

// aggregateLocked runs one aggregation cycle.
//
// Algorithm:
//  1. Termination: every channel drained → EventEOS, done
//  2. drop_if_missing: nothing pending → abort silently; some channel
//     missing → discard ALL pending buffers, gap once, previous = unknown, abort
//  3. drop_to_synchronise: 2*(max-min) < frame duration → proceed; else
//     discard every buffer with PTS < max (ties kept), gap once,
//     previous = unknown, abort. One discard pass per cycle.
//  4. Compose, previous = anchor, gap flag cleared, emit
//
// Failures never stop the loop: the cycle produces nothing and the next
// trigger starts a fresh one.
//
// Must be called with m.mu and every slot lock held.
func (m *muxer) aggregateLocked() cycleResult {
	var res cycleResult
	channels := m.registry.channels
	if len(channels) == 0 {
		return res
	}

	if allDrainedLocked(channels) {
		slog.Info("rgbdmux: all channels reached end of stream")
		res.events = append(res.events, Event{Kind: EventEOS, Timestamp: m.clock.PreviousTimestamp()})
		res.done = true
		return res
	}

	pending := pendingLocked(channels)
	if len(pending) == 0 {
		return res
	}

	if m.settings.DropIfMissing && len(pending) < len(channels) {
		for _, c := range channels {
			if !c.slot.hasBufferLocked() {
				slog.Warn("rgbdmux: no buffer queued, dropping a buffer on all other channels",
					"missing", c.name,
				)
				break
			}
		}
		for _, c := range channels {
			c.slot.dropLocked()
		}
		m.counters.missingAborts++
		m.abortLocked(&res)
		return res
	}

	if m.settings.DropToSynchronise {
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].pts < pending[j].pts
		})
		minTS, maxTS := pending[0].pts, pending[len(pending)-1].pts

		if !m.clock.IsSynchronised(minTS, maxTS) {
			for _, p := range pending {
				if p.pts >= maxTS {
					break
				}
				p.channel.slot.dropLocked()
			}
			slog.Warn("rgbdmux: timestamps do not match, dropped lagging buffers to synchronise",
				"min_pts", minTS,
				"max_pts", maxTS,
				"frame_duration", m.clock.FrameDuration(),
			)
			m.counters.desyncAborts++
			m.abortLocked(&res)
			return res
		}
	}

	comp, err := compose(channels)
	if err != nil {
		slog.Error("rgbdmux: failed to compose frameset", "error", err)
		m.counters.composeFailures++
		return res
	}

	m.clock.MarkEmitted(comp.anchor)
	m.counters.framesetsMuxed++
	m.counters.placeholders += uint64(comp.placeholders)

	slog.Debug("rgbdmux: frameset muxed",
		"id", comp.frameset.ID,
		"pts", comp.anchor,
		"buffers", comp.frameset.Len(),
	)
	res.events = append(res.events, Event{
		Kind:      EventFrameset,
		Frameset:  comp.frameset,
		Timestamp: comp.anchor,
	})
	return res
}

// abortLocked finishes an aborted cycle: gap once (if enabled), then forget
// the previous timestamp.
func (m *muxer) abortLocked(res *cycleResult) {
	if m.settings.SendGapEvents {
		alreadySent := m.clock.GapSent()
		anchor, ok := m.clock.SendGapOnce()
		switch {
		case ok:
			res.events = append(res.events, Event{Kind: EventGap, Timestamp: anchor})
			m.counters.gapEvents++
		case !alreadySent:
			slog.Error("rgbdmux: gap event not sent, previous frameset timestamp is unknown")
		}
	}
	m.clock.ResetPrevious()
}

func pendingLocked(channels []*Channel) []pendingTimestamp {
	pending := make([]pendingTimestamp, 0, len(channels))
	for _, c := range channels {
		b := c.slot.peekLocked()
		if b == nil {
			continue
		}
		pts := b.PTS
		if !b.HasPTS() {
			pts = 0
		}
		pending = append(pending, pendingTimestamp{channel: c, pts: pts})
	}
	return pending
}

func allDrainedLocked(channels []*Channel) bool {
	for _, c := range channels {
		if !c.slot.drainedLocked() {
			return false
		}
	}
	return true
}

func allReadyLocked(channels []*Channel) bool {
	for _, c := range channels {
		if !c.slot.readyLocked() {
			return false
		}
	}
	return true
}
