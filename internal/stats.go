package internal

import "time"

// counters are the cycle outcome counters. Guarded by the muxer lock.
type counters struct {
	framesetsMuxed  uint64
	gapEvents       uint64
	missingAborts   uint64
	desyncAborts    uint64
	placeholders    uint64
	composeFailures uint64
}

// ChannelStats is a per-channel snapshot.
type ChannelStats struct {
	Name        string
	Kind        ChannelKind
	Priority    int
	Received    uint64 // buffers accepted by Push
	Overwritten uint64 // unread buffers replaced by a newer one
	Discarded   uint64 // buffers dropped by drop_if_missing / drop_to_synchronise
	Pending     bool
	EOS         bool
}

// DropRate returns the share of received buffers that never reached a
// frameset (0.0 to 1.0). Returns 0.0 if nothing was received.
func (s ChannelStats) DropRate() float64 {
	if s.Received == 0 {
		return 0.0
	}
	return float64(s.Overwritten+s.Discarded) / float64(s.Received)
}

// Stats is an operational snapshot of the muxer.
//
// Semantics:
//   - Non-blocking snapshot, not a live view
//   - Channels is ordered by priority
type Stats struct {
	Running bool

	FramesetsMuxed  uint64 // framesets emitted
	GapEvents       uint64 // gap events emitted
	MissingAborts   uint64 // cycles aborted by drop_if_missing
	DesyncAborts    uint64 // cycles aborted by drop_to_synchronise
	GapPlaceholders uint64 // GAP buffers placed into emitted framesets
	ComposeFailures uint64 // cycles that failed while composing

	Framerate         Fraction
	FrameDuration     time.Duration
	DeadlineDuration  time.Duration
	PreviousTimestamp time.Duration
	GapSent           bool

	Channels []ChannelStats
}

// Channel returns the stats of the named channel.
func (s Stats) Channel(name string) (ChannelStats, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelStats{}, false
}

// TotalDiscarded sums Discarded over all channels.
func (s Stats) TotalDiscarded() uint64 {
	var total uint64
	for _, c := range s.Channels {
		total += c.Discarded
	}
	return total
}

// Stats returns the current snapshot.
//
// Thread-safety: takes the muxer lock then each slot lock, the cycle order.
func (m *muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Running:           m.started,
		FramesetsMuxed:    m.counters.framesetsMuxed,
		GapEvents:         m.counters.gapEvents,
		MissingAborts:     m.counters.missingAborts,
		DesyncAborts:      m.counters.desyncAborts,
		GapPlaceholders:   m.counters.placeholders,
		ComposeFailures:   m.counters.composeFailures,
		Framerate:         m.clock.Framerate(),
		FrameDuration:     m.clock.FrameDuration(),
		DeadlineDuration:  m.clock.DeadlineDuration(),
		PreviousTimestamp: m.clock.PreviousTimestamp(),
		GapSent:           m.clock.GapSent(),
		Channels:          make([]ChannelStats, 0, m.registry.len()),
	}

	for _, c := range m.registry.channels {
		ss := c.slot.stats()
		s.Channels = append(s.Channels, ChannelStats{
			Name:        c.name,
			Kind:        c.kind,
			Priority:    StreamPriority(c.name),
			Received:    ss.received,
			Overwritten: ss.overwritten,
			Discarded:   ss.discarded,
			Pending:     ss.pending,
			EOS:         ss.eos,
		})
	}
	return s
}
