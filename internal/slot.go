package internal

import (
	"sync"

	"github.com/e7canasta/orion-rgbd/meta"
)

// slot is the per-channel single-slot mailbox.
//
// Architecture:
//   - Single-slot buffer (buf *meta.Buffer)
//   - Overwrite policy (new buffer replaces an unread one, latest wins)
//   - Non-blocking put, the aggregator reads under the same mutex
//   - Drop tracking (overwritten, discarded)
//
// Thread-safety:
//   - All fields protected by mu
//   - put: called by the channel producer (single writer)
//   - *Locked methods: called by the aggregation cycle (single reader) with mu held
type slot struct {
	mu sync.Mutex

	// --- Mailbox State ---

	buf *meta.Buffer // nil = consumed, non-nil = pending
	eos bool         // producer signalled end of stream

	// --- Operational Stats ---

	received    uint64 // buffers accepted by put
	overwritten uint64 // unread buffers replaced by a newer one
	discarded   uint64 // pending buffers dropped by a drop policy
}

// put stores b, replacing an unread buffer. Returns false after EOS.
func (s *slot) put(b *meta.Buffer) (accepted, overwrote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eos {
		return false, false
	}

	if s.buf != nil {
		s.overwritten++
		overwrote = true
	}
	s.buf = b
	s.received++
	return true, overwrote
}

// markEOS flags end of stream. A pending buffer stays queued.
func (s *slot) markEOS() {
	s.mu.Lock()
	s.eos = true
	s.mu.Unlock()
}

// reset clears the mailbox and the EOS flag. Stats are kept.
func (s *slot) reset() {
	s.mu.Lock()
	s.buf = nil
	s.eos = false
	s.mu.Unlock()
}

func (s *slot) hasBufferLocked() bool {
	return s.buf != nil
}

// drainedLocked reports EOS with nothing left to aggregate.
func (s *slot) drainedLocked() bool {
	return s.eos && s.buf == nil
}

// readyLocked reports whether the slot no longer blocks an aggregation cycle.
func (s *slot) readyLocked() bool {
	return s.buf != nil || s.eos
}

func (s *slot) peekLocked() *meta.Buffer {
	return s.buf
}

// popLocked consumes the pending buffer (nil if empty).
func (s *slot) popLocked() *meta.Buffer {
	b := s.buf
	s.buf = nil
	return b
}

// dropLocked discards the pending buffer. Returns false if the slot was empty.
func (s *slot) dropLocked() bool {
	if s.buf == nil {
		return false
	}
	s.buf = nil
	s.discarded++
	return true
}

type slotStats struct {
	received    uint64
	overwritten uint64
	discarded   uint64
	pending     bool
	eos         bool
}

func (s *slot) stats() slotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slotStats{
		received:    s.received,
		overwritten: s.overwritten,
		discarded:   s.discarded,
		pending:     s.buf != nil,
		eos:         s.eos,
	}
}
