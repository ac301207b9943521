// Package rgbdmux implements a synchronizing multiplexer for RGB-D cameras.
//
// Philosophy: "Emit complete, synchronised framesets or nothing."
//
// Design:
//   - One single-slot mailbox per channel (latest wins, non-blocking Push)
//   - One aggregation loop woken by producers or by a deadline timer
//   - One coarse lock per cycle: control operations never interleave with it
//   - Framesets carry the highest-priority stream as primary buffer and every
//     other stream as an attachment tagged with the stream name
//
// Priority: depth < infra1 < infra2 < color < any other name (by registration).
//
// Lifecycle: New() → Add() channels → Start() → Push()/events → Stop()
package rgbdmux

import (
	"context"
	"time"

	"github.com/e7canasta/orion-rgbd/internal"
)

// Channel is a registered input. See internal/registry.go.
type Channel = internal.Channel

// ChannelKind is the capability of a channel, resolved at Add.
type ChannelKind = internal.ChannelKind

const (
	ElementaryChannel = internal.ElementaryChannel
	MetadataChannel   = internal.MetadataChannel
)

// Settings are the muxer policies. See internal/settings.go.
type Settings = internal.Settings

// DefaultSettings returns drop_to_synchronise on, everything else off,
// deadline multiplier 2.5.
func DefaultSettings() Settings {
	return internal.DefaultSettings()
}

// Event is one item of the muxer output.
type Event = internal.Event

// EventKind identifies what an Event carries.
type EventKind = internal.EventKind

const (
	EventFrameset   = internal.EventFrameset
	EventGap        = internal.EventGap
	EventDescriptor = internal.EventDescriptor
	EventEOS        = internal.EventEOS
)

// Descriptor is the format description of one elementary channel.
type Descriptor = internal.Descriptor

// CompositeDescriptor describes the muxed video/rgbd stream.
type CompositeDescriptor = internal.CompositeDescriptor

// Fraction is a rational framerate.
type Fraction = internal.Fraction

// Stats is an operational snapshot. ChannelStats is its per-channel part.
type (
	Stats        = internal.Stats
	ChannelStats = internal.ChannelStats
)

// Media types.
const (
	MediaRaw  = internal.MediaRaw
	MediaJPEG = internal.MediaJPEG
	MediaKLV  = internal.MediaKLV
	MediaRGBD = internal.MediaRGBD
)

// Errors. Check with errors.Is.
var (
	ErrStructural      = internal.ErrStructural
	ErrTiming          = internal.ErrTiming
	ErrResource        = internal.ErrResource
	ErrEndOfStream     = internal.ErrEndOfStream
	ErrNotNegotiated   = internal.ErrNotNegotiated
	ErrUnknownChannel  = internal.ErrUnknownChannel
	ErrAlreadyStarted  = internal.ErrAlreadyStarted
	ErrMuxerStopped    = internal.ErrMuxerStopped
	ErrInvalidSettings = internal.ErrInvalidSettings
)

// Muxer is the public interface of the multiplexer.
//
// Implementation is in internal/muxer.go (hidden from clients).
type Muxer interface {
	// Start spawns the aggregation loop and returns its event channel.
	//
	// The channel is closed when the loop exits (Stop, ctx cancelled, or
	// right after EventEOS). An EventDescriptor always precedes the first
	// frameset composed under a new composite descriptor.
	//
	// Returns ErrAlreadyStarted if called twice without Stop.
	Start(ctx context.Context) (<-chan Event, error)

	// Stop cancels the loop and blocks until it exits, then resets clock
	// state and every pending slot. Settings and channels are kept.
	//
	// Idempotent: safe to call multiple times.
	Stop() error

	// Add registers a channel and renegotiates the composite descriptor.
	//
	// Name must match ^[a-z][a-z0-9]*$ and be unique (ErrStructural).
	// "camerameta" registers a metadata channel.
	Add(name string) (*Channel, error)

	// Remove releases a channel and renegotiates. Its pending buffer is
	// discarded and the handle rejects further pushes.
	Remove(c *Channel) error

	// Lookup returns the channel registered under name.
	Lookup(name string) (*Channel, bool)

	// OrderedNames returns channel names in priority order.
	OrderedNames() []string

	// Descriptor returns the composite descriptor, or ErrNotNegotiated while
	// no channel is registered (retry later).
	Descriptor() (CompositeDescriptor, error)

	// SetSupportedFramerates restricts the composite framerate to the
	// nearest of framerates. Empty accepts any.
	SetSupportedFramerates(framerates []Fraction) error

	// HandleDownstreamFormatRequest reverse-propagates a downstream format to
	// the named channel. Unknown names are ignored (false).
	HandleDownstreamFormatRequest(name, format string) bool

	// HandleDownstreamFields applies every {stream}_format field of a
	// downstream composite field map. Returns how many channels matched.
	HandleDownstreamFields(fields map[string]string) int

	// Settings returns the current settings.
	Settings() Settings

	// UpdateSettings validates and applies s between two cycles.
	UpdateSettings(s Settings) error

	// RunningTime returns the time elapsed since Start. Producers stamp
	// PTS with it so deadlines and timestamps share one clock.
	RunningTime() time.Duration

	// Stats returns an operational snapshot. It waits for a running cycle
	// to finish.
	Stats() Stats
}

// New creates a muxer with the given settings.
//
// Returns ErrInvalidSettings if DeadlineMultiplier is not a finite value > 0.
func New(settings Settings) (Muxer, error) {
	m, err := internal.NewMuxer(settings)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewFraction returns num/den.
func NewFraction(num, den int) Fraction {
	return internal.NewFraction(num, den)
}

// ParseFraction parses "30/1" or "30".
func ParseFraction(s string) (Fraction, error) {
	return internal.ParseFraction(s)
}

// ParseDescriptor parses a caps-like elementary descriptor such as
// "video/x-raw,format=GRAY16_LE,width=1280,height=720,framerate=30/1".
func ParseDescriptor(s string) (Descriptor, error) {
	return internal.ParseDescriptor(s)
}

// ParseCompositeDescriptor parses a rendered video/rgbd descriptor.
func ParseCompositeDescriptor(s string) (CompositeDescriptor, error) {
	return internal.ParseCompositeDescriptor(s)
}

// ExtractFormats reduces a downstream field map to {stream: format}.
func ExtractFormats(fields map[string]string) map[string]string {
	return internal.ExtractFormats(fields)
}

// StreamPriority returns the priority rank of a stream name (lower first).
func StreamPriority(name string) int {
	return internal.StreamPriority(name)
}
