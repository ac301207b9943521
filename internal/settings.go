package internal

import (
	"fmt"
	"math"
)

// Settings are the muxer policies. All fields can be changed at runtime with
// UpdateSettings except OutputBuffer, which applies from the next Start.
type Settings struct {
	// DropIfMissing discards every pending buffer when at least one channel
	// has none, and enables deadline-based aggregation.
	DropIfMissing bool

	// DropToSynchronise discards buffers that lag behind the newest pending
	// buffer by half a frame duration or more.
	DropToSynchronise bool

	// DeadlineMultiplier scales the frame duration into the deadline duration.
	DeadlineMultiplier float64

	// SendGapEvents emits one gap event per consecutive run of aborted cycles.
	SendGapEvents bool

	// OutputBuffer is the capacity of the event channel returned by Start.
	OutputBuffer int
}

// Default settings.
const (
	DefaultDeadlineMultiplier = 2.5
	DefaultOutputBuffer       = 4
)

// DefaultSettings returns drop_to_synchronise on, everything else off.
func DefaultSettings() Settings {
	return Settings{
		DropIfMissing:      false,
		DropToSynchronise:  true,
		DeadlineMultiplier: DefaultDeadlineMultiplier,
		SendGapEvents:      false,
		OutputBuffer:       DefaultOutputBuffer,
	}
}

// Validate checks DeadlineMultiplier > 0 (finite) and OutputBuffer >= 0.
func (s Settings) Validate() error {
	if math.IsNaN(s.DeadlineMultiplier) || math.IsInf(s.DeadlineMultiplier, 0) || s.DeadlineMultiplier <= 0 {
		return fmt.Errorf("%w: deadline multiplier must be a finite value > 0, got %v",
			ErrInvalidSettings, s.DeadlineMultiplier)
	}
	if s.OutputBuffer < 0 {
		return fmt.Errorf("%w: output buffer must be >= 0, got %d", ErrInvalidSettings, s.OutputBuffer)
	}
	return nil
}
