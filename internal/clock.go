package internal

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/e7canasta/orion-rgbd/meta"
)

// DefaultFramerate is the nominal framerate used until one is negotiated and
// as the fallback for non-finite framerates.
const DefaultFramerate = 30

// Fraction is a rational framerate (frames per Den seconds).
type Fraction struct {
	Num int
	Den int
}

// NewFraction returns num/den.
func NewFraction(num, den int) Fraction {
	return Fraction{Num: num, Den: den}
}

// ParseFraction parses "30/1" or "30".
func ParseFraction(s string) (Fraction, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Fraction{}, fmt.Errorf("%w: invalid fraction %q", ErrStructural, s)
	}
	d := 1
	if found {
		d, err = strconv.Atoi(strings.TrimSpace(den))
		if err != nil {
			return Fraction{}, fmt.Errorf("%w: invalid fraction %q", ErrStructural, s)
		}
	}
	return Fraction{Num: n, Den: d}, nil
}

// IsZero reports whether the fraction is unset.
func (f Fraction) IsZero() bool {
	return f.Num == 0 && f.Den == 0
}

// Float returns Num/Den (may be Inf or NaN).
func (f Fraction) Float() float64 {
	return float64(f.Num) / float64(f.Den)
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Clock tracks framerate, frame/deadline durations, the last emitted
// timestamp and the gap debounce flag.
//
// Transitions:
//   - UpdateFromFramerate: recompute durations (established = true)
//   - MarkEmitted: previous = pts, gapSent = false (the ONLY reset of gapSent)
//   - ResetPrevious: previous = unknown (after any discard)
//   - SendGapOnce: gapSent = true, returns the anchor on the first call only
//
// Not safe for concurrent use: guarded by the muxer lock.
type Clock struct {
	framerate         Fraction
	frameDuration     time.Duration
	deadlineDuration  time.Duration
	established       bool
	previousTimestamp time.Duration
	gapSent           bool
}

// NewClock returns a clock with the nominal framerate and no durations.
func NewClock() Clock {
	return Clock{
		framerate:         NewFraction(DefaultFramerate, 1),
		previousTimestamp: meta.ClockTimeNone,
	}
}

// UpdateFromFramerate recomputes frame and deadline durations.
//
// A non-finite or non-positive frame duration falls back to DefaultFramerate.
// The fallback still updates the clock; the returned ErrTiming only reports it.
func (c *Clock) UpdateFromFramerate(fr Fraction, deadlineMultiplier float64) error {
	seconds := float64(fr.Den) / float64(fr.Num)
	var err error
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		err = fmt.Errorf("%w: non-finite frame duration for framerate %s, using %d/1",
			ErrTiming, fr, DefaultFramerate)
		fr = NewFraction(DefaultFramerate, 1)
		seconds = 1.0 / DefaultFramerate
	}

	c.framerate = fr
	c.frameDuration = time.Duration(seconds * float64(time.Second))
	c.established = true
	c.SetDeadlineMultiplier(deadlineMultiplier)
	return err
}

// SetDeadlineMultiplier recomputes the deadline duration.
func (c *Clock) SetDeadlineMultiplier(multiplier float64) {
	if !c.established {
		return
	}
	c.deadlineDuration = time.Duration(float64(c.frameDuration) * multiplier)
}

// Framerate returns the current framerate (nominal until negotiated).
func (c *Clock) Framerate() Fraction {
	return c.framerate
}

// FrameDuration returns the frame duration used for synchronisation.
// Before negotiation this is the nominal DefaultFramerate duration.
func (c *Clock) FrameDuration() time.Duration {
	if !c.established {
		return time.Second / DefaultFramerate
	}
	return c.frameDuration
}

// DeadlineDuration returns the deadline duration (zero before negotiation).
func (c *Clock) DeadlineDuration() time.Duration {
	return c.deadlineDuration
}

// Established reports whether a framerate was negotiated.
func (c *Clock) Established() bool {
	return c.established
}

// IsSynchronised reports whether max-min lies within half a frame duration.
func (c *Clock) IsSynchronised(minTS, maxTS time.Duration) bool {
	return 2*(maxTS-minTS) < c.FrameDuration()
}

// Deadline returns previous + deadline duration.
// ok is false while no frame duration is established or no timestamp is known.
func (c *Clock) Deadline() (deadline time.Duration, ok bool) {
	if !c.established || c.deadlineDuration <= 0 || c.previousTimestamp < 0 {
		return 0, false
	}
	return c.previousTimestamp + c.deadlineDuration, true
}

// PreviousTimestamp returns the last emitted timestamp (ClockTimeNone if unknown).
func (c *Clock) PreviousTimestamp() time.Duration {
	return c.previousTimestamp
}

// GapSent reports whether a gap was signalled since the last emission.
func (c *Clock) GapSent() bool {
	return c.gapSent
}

// SendGapOnce returns the gap anchor the first time it is called after an
// emission. Later calls are no-ops until MarkEmitted.
// ok is false when the flag was already set or the anchor is unknown;
// the flag is set in both cases.
func (c *Clock) SendGapOnce() (anchor time.Duration, ok bool) {
	if c.gapSent {
		return 0, false
	}
	c.gapSent = true

	if c.previousTimestamp < 0 {
		return 0, false
	}
	return c.previousTimestamp, true
}

// MarkEmitted records a successful emission.
func (c *Clock) MarkEmitted(pts time.Duration) {
	c.previousTimestamp = pts
	c.gapSent = false
}

// ResetPrevious forgets the last emitted timestamp.
func (c *Clock) ResetPrevious() {
	c.previousTimestamp = meta.ClockTimeNone
}
