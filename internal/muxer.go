package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-rgbd/meta"
)

// muxer is the concrete implementation of rgbdmux.Muxer.
//
// Goroutine topology:
//   - 1 fixed: aggregation loop (spawned by Start, stopped by Stop)
//   - N external: one producer per channel calling Push/EndOfStream
//
// Locking:
//   - mu guards settings, registry, clock, negotiator, descriptor, counters
//   - a cycle holds mu plus every slot lock (registry order), so it observes
//     one consistent snapshot and excludes control operations
//   - producers only take their own slot lock, never mu
//
// Thread-safety: All public methods safe for concurrent use.
type muxer struct {
	mu sync.Mutex

	// --- Internals (guarded by mu) ---

	settings   Settings
	registry   registry
	clock      Clock
	negotiator negotiator
	counters   counters

	descriptor        CompositeDescriptor
	negotiated        bool
	descriptorPending bool // advertise descriptor before the next frameset

	firedDeadline time.Duration // deadline the timer already fired for (no busy loop)

	// --- Loop wakeup ---

	wake chan struct{} // cap 1, coalesces notifications

	// --- Running time ---

	start atomic.Pointer[time.Time]

	// --- Lifecycle ---

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool // guarded by mu
}

// NewMuxer creates a muxer (called by public New() in parent package).
// Exported to allow parent package to construct, but returns unexported *muxer type.
func NewMuxer(settings Settings) (*muxer, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &muxer{
		settings:      settings,
		clock:         NewClock(),
		firedDeadline: meta.ClockTimeNone,
		wake:          make(chan struct{}, 1),
	}, nil
}

// Start spawns the aggregation loop and returns its event channel.
//
// The channel is closed when the loop exits: on Stop, on ctx cancellation,
// or right after EventEOS.
func (m *muxer) Start(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil, ErrAlreadyStarted
	}

	now := time.Now()
	m.start.Store(&now)

	if err := m.renegotiateLocked(); err != nil && !errors.Is(err, ErrNotNegotiated) {
		slog.Warn("rgbdmux: negotiation failed at start", "error", err)
	}
	m.descriptorPending = m.negotiated

	out := make(chan Event, m.settings.OutputBuffer)
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(1)
	go m.run(m.ctx, out)

	slog.Info("rgbdmux: muxer started",
		"channels", m.registry.orderedNames(),
		"drop_if_missing", m.settings.DropIfMissing,
		"drop_to_synchronise", m.settings.DropToSynchronise,
		"deadline_multiplier", m.settings.DeadlineMultiplier,
		"send_gap_events", m.settings.SendGapEvents,
	)
	return out, nil
}

// Stop cancels the loop, waits for it, then resets clock state and every
// pending slot. Settings and channels are kept.
//
// Idempotent: safe to call multiple times.
func (m *muxer) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock = NewClock()
	m.firedDeadline = meta.ClockTimeNone
	for _, c := range m.registry.channels {
		c.slot.reset()
	}
	m.started = false
	m.start.Store(nil)

	slog.Info("rgbdmux: muxer stopped")
	return nil
}

// RunningTime returns the time elapsed since Start (0 when not started).
// Producers stamp PTS with it so deadlines and timestamps share one clock.
func (m *muxer) RunningTime() time.Duration {
	start := m.start.Load()
	if start == nil {
		return 0
	}
	return time.Since(*start)
}

func (m *muxer) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// stepResult is what one loop iteration hands back to run.
type stepResult struct {
	events   []Event
	done     bool
	wait     time.Duration
	hasTimer bool
}

// run is the aggregation loop.
//
// Algorithm:
//  1. step: advertise a pending descriptor, run a cycle if triggered
//  2. Emit events outside the lock (ctx aware)
//  3. Arm the deadline timer if drop_if_missing has a deadline
//  4. Wait for wake, deadline or ctx.Done
//
// Exits on: ctx.Done(), Stop() or after EventEOS.
func (m *muxer) run(ctx context.Context, out chan<- Event) {
	defer m.wg.Done()
	defer close(out)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		res := m.step(m.RunningTime())

		for _, ev := range res.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if res.done {
			return
		}

		var deadline <-chan time.Time
		if res.hasTimer {
			timer.Reset(res.wait)
			deadline = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-deadline:
		}
		timer.Stop()
	}
}

// step runs one loop iteration under the lock.
//
// A cycle is triggered when every channel is ready (pending buffer or EOS)
// or when the drop_if_missing deadline expired. An expired deadline stays
// expired until the previous timestamp changes, so every arrival after it
// runs a cycle. The timer is armed at most once per deadline value.
func (m *muxer) step(now time.Duration) stepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res stepResult
	if m.descriptorPending {
		res.events = append(res.events, Event{Kind: EventDescriptor, Descriptor: m.descriptor})
		m.descriptorPending = false
	}

	channels := m.registry.channels
	if len(channels) == 0 {
		return res
	}

	m.registry.lockSlots()
	defer m.registry.unlockSlots()

	deadline, hasDeadline := m.deadlineLocked()
	expired := hasDeadline && now >= deadline
	if expired {
		m.firedDeadline = deadline
	}

	if expired || allReadyLocked(channels) {
		cycle := m.aggregateLocked()
		res.events = append(res.events, cycle.events...)
		res.done = cycle.done
	}

	if deadline, ok := m.deadlineLocked(); ok && deadline != m.firedDeadline {
		res.hasTimer = true
		res.wait = max(deadline-now, 0)
	}
	return res
}

// deadlineLocked returns the drop_if_missing deadline, expired or not.
func (m *muxer) deadlineLocked() (time.Duration, bool) {
	if !m.settings.DropIfMissing {
		return 0, false
	}
	return m.clock.Deadline()
}

// Add registers a channel and renegotiates.
func (m *muxer) Add(name string) (*Channel, error) {
	m.mu.Lock()
	c, err := m.registry.add(name, m)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.renegotiateLocked(); err != nil {
		slog.Warn("rgbdmux: renegotiation failed", "error", err)
	}
	order := m.registry.orderedNames()
	m.mu.Unlock()

	slog.Info("rgbdmux: channel added",
		"channel", name,
		"kind", c.kind,
		"order", order,
	)
	m.notify()
	return c, nil
}

// Remove releases a channel and renegotiates. Its pending buffer is discarded.
func (m *muxer) Remove(c *Channel) error {
	if c == nil {
		return fmt.Errorf("%w: nil channel", ErrUnknownChannel)
	}

	m.mu.Lock()
	if err := m.registry.remove(c); err != nil {
		m.mu.Unlock()
		return err
	}
	c.removed.Store(true)
	c.slot.reset()
	if err := m.renegotiateLocked(); err != nil && !errors.Is(err, ErrNotNegotiated) {
		slog.Warn("rgbdmux: renegotiation failed", "error", err)
	}
	order := m.registry.orderedNames()
	m.mu.Unlock()

	slog.Info("rgbdmux: channel removed",
		"channel", c.name,
		"order", order,
	)
	m.notify()
	return nil
}

// OrderedNames returns the channel names in priority order.
func (m *muxer) OrderedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.orderedNames()
}

// Lookup returns the channel registered under name.
func (m *muxer) Lookup(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.registry.lookup(name)
	return c, c != nil
}

// Settings returns the current settings.
func (m *muxer) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings validates and applies s. The deadline duration is
// recomputed from the new multiplier.
func (m *muxer) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = s
	m.clock.SetDeadlineMultiplier(s.DeadlineMultiplier)
	m.mu.Unlock()

	slog.Info("rgbdmux: settings updated",
		"drop_if_missing", s.DropIfMissing,
		"drop_to_synchronise", s.DropToSynchronise,
		"deadline_multiplier", s.DeadlineMultiplier,
		"send_gap_events", s.SendGapEvents,
	)
	m.notify()
	return nil
}

// SetSupportedFramerates sets the framerates downstream accepts and
// renegotiates. An empty list accepts any framerate.
func (m *muxer) SetSupportedFramerates(framerates []Fraction) error {
	for _, fr := range framerates {
		if fr.Num <= 0 || fr.Den <= 0 {
			return fmt.Errorf("%w: unsupported framerate %s", ErrStructural, fr)
		}
	}

	m.mu.Lock()
	m.negotiator.setSupported(framerates)
	err := m.renegotiateLocked()
	m.mu.Unlock()

	m.notify()
	if errors.Is(err, ErrNotNegotiated) {
		return nil
	}
	return err
}

// Descriptor returns the composite descriptor.
// Returns ErrNotNegotiated while no channel is registered.
func (m *muxer) Descriptor() (CompositeDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.negotiated {
		return CompositeDescriptor{}, ErrNotNegotiated
	}
	return m.descriptor, nil
}

// HandleDownstreamFormatRequest records format as the preferred format of
// channel name and notifies its OnFormatRequest callback. Unknown names are
// ignored (returns false).
func (m *muxer) HandleDownstreamFormatRequest(name, format string) bool {
	m.mu.Lock()
	c := m.registry.lookup(name)
	if c == nil {
		m.mu.Unlock()
		slog.Debug("rgbdmux: ignoring format request for unknown stream",
			"stream", name,
			"format", format,
		)
		return false
	}
	c.preferredFormat = format
	fn := c.onFormat
	m.mu.Unlock()

	slog.Debug("rgbdmux: downstream requested format",
		"stream", name,
		"format", format,
	)
	if fn != nil {
		fn(format)
	}
	return true
}

// HandleDownstreamFields applies every {stream}_format field of a downstream
// field map. Returns how many channels were updated.
func (m *muxer) HandleDownstreamFields(fields map[string]string) int {
	applied := 0
	for stream, format := range ExtractFormats(fields) {
		if m.HandleDownstreamFormatRequest(stream, format) {
			applied++
		}
	}
	return applied
}

// setDescriptor is Channel.SetDescriptor.
func (m *muxer) setDescriptor(c *Channel, d Descriptor) error {
	m.mu.Lock()
	if m.registry.lookup(c.name) != c {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownChannel, c.name)
	}
	c.descriptor = d
	err := m.renegotiateLocked()
	m.mu.Unlock()

	m.notify()
	return err
}

// renegotiateLocked recomputes the composite descriptor and, when a channel
// declares a framerate, the clock durations. A changed descriptor is queued
// for advertisement.
func (m *muxer) renegotiateLocked() error {
	desc, declared, err := m.negotiator.compute(m.registry.channels)
	if err != nil {
		m.negotiated = false
		m.descriptor = CompositeDescriptor{}
		m.descriptorPending = false
		return err
	}

	if declared {
		if err := m.clock.UpdateFromFramerate(desc.Framerate, m.settings.DeadlineMultiplier); err != nil {
			slog.Warn("rgbdmux: invalid framerate, using default", "error", err)
			desc.Framerate = m.clock.Framerate()
		}
	}

	if m.negotiated && desc.Equal(m.descriptor) {
		return nil
	}
	m.descriptor = desc
	m.negotiated = true
	m.descriptorPending = true

	slog.Info("rgbdmux: composite descriptor updated", "descriptor", desc.String())
	return nil
}
