package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/e7canasta/orion-rgbd/meta"
)

// channelNamePattern keeps names usable as {name}_format field prefixes and
// as entries of the comma-joined streams field.
var channelNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// otherStreamPriority ranks every non-canonical stream after color.
const otherStreamPriority = 4

// StreamPriority returns the rank of a stream name: depth < infra1 < infra2 < color < others.
func StreamPriority(name string) int {
	switch name {
	case meta.StreamDepth:
		return 0
	case meta.StreamInfra1:
		return 1
	case meta.StreamInfra2:
		return 2
	case meta.StreamColor:
		return 3
	default:
		return otherStreamPriority
	}
}

// ChannelKind is the capability of a channel, resolved once at registration.
type ChannelKind int

const (
	// ElementaryChannel carries media (depth, infra, color, jpeg...).
	ElementaryChannel ChannelKind = iota
	// MetadataChannel carries opaque calibration metadata.
	MetadataChannel
)

func (k ChannelKind) String() string {
	switch k {
	case ElementaryChannel:
		return "elementary"
	case MetadataChannel:
		return "metadata"
	default:
		return "unknown"
	}
}

func kindForName(name string) ChannelKind {
	if name == meta.StreamCameraMeta {
		return MetadataChannel
	}
	return ElementaryChannel
}

// Channel is a registered input of the muxer. It is the handle returned by Add.
//
// Thread-safety:
//   - Push/EndOfStream: single producer goroutine per channel
//   - other methods: safe for concurrent use
type Channel struct {
	name  string
	kind  ChannelKind
	seq   uint64
	owner *muxer
	slot  slot

	removed atomic.Bool

	// Guarded by owner.mu.
	descriptor      Descriptor
	preferredFormat string
	onFormat        func(format string)
}

// Name returns the registered channel name (also its frameset tag).
func (c *Channel) Name() string {
	return c.name
}

// Kind returns the channel capability.
func (c *Channel) Kind() ChannelKind {
	return c.kind
}

// Push stores b as the channel's pending buffer (latest wins) and wakes the
// aggregation loop. Non-blocking.
//
// Contract: b.Data MUST NOT be modified after Push.
func (c *Channel) Push(b *meta.Buffer) error {
	if c.removed.Load() {
		return fmt.Errorf("%w: %q was removed", ErrUnknownChannel, c.name)
	}

	accepted, overwrote := c.slot.put(b)
	if !accepted {
		return fmt.Errorf("%w: channel %q", ErrEndOfStream, c.name)
	}
	if overwrote {
		slog.Debug("rgbdmux: unread buffer overwritten",
			"channel", c.name,
			"pts", b.PTS,
		)
	}

	c.owner.notify()
	return nil
}

// EndOfStream signals that the producer will push no more buffers.
func (c *Channel) EndOfStream() {
	c.slot.markEOS()
	slog.Debug("rgbdmux: channel reached end of stream", "channel", c.name)
	c.owner.notify()
}

// SetDescriptor updates the channel's own format and renegotiates.
func (c *Channel) SetDescriptor(d Descriptor) error {
	return c.owner.setDescriptor(c, d)
}

// Descriptor returns the channel's own format.
func (c *Channel) Descriptor() Descriptor {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.descriptor
}

// PreferredFormat returns the format requested by downstream ("" if none).
func (c *Channel) PreferredFormat() string {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.preferredFormat
}

// OnFormatRequest registers fn, called when downstream requests a format for
// this channel. fn runs without the muxer lock held.
func (c *Channel) OnFormatRequest(fn func(format string)) {
	c.owner.mu.Lock()
	c.onFormat = fn
	c.owner.mu.Unlock()
}

// QueryFormat returns proposed with the downstream-requested format applied.
func (c *Channel) QueryFormat(proposed Descriptor) Descriptor {
	if format := c.PreferredFormat(); format != "" {
		proposed.Format = format
	}
	return proposed
}

// registry keeps the active channels sorted by priority.
//
// Not safe for concurrent use: guarded by the muxer lock.
type registry struct {
	channels []*Channel
	nextSeq  uint64
}

// add validates name, inserts a channel and re-sorts.
func (r *registry) add(name string, owner *muxer) (*Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: channel name is empty", ErrStructural)
	}
	if !channelNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: channel name %q must match %s",
			ErrStructural, name, channelNamePattern.String())
	}
	if r.lookup(name) != nil {
		return nil, fmt.Errorf("%w: channel %q already registered", ErrStructural, name)
	}

	c := &Channel{
		name:  name,
		kind:  kindForName(name),
		seq:   r.nextSeq,
		owner: owner,
	}
	r.nextSeq++

	r.channels = append(r.channels, c)
	r.sort()
	return c, nil
}

// remove deletes c and re-sorts the remaining channels.
func (r *registry) remove(c *Channel) error {
	for i, existing := range r.channels {
		if existing == c {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			r.sort()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownChannel, c.name)
}

func (r *registry) sort() {
	sort.SliceStable(r.channels, func(i, j int) bool {
		a, b := r.channels[i], r.channels[j]
		pa, pb := StreamPriority(a.name), StreamPriority(b.name)
		if pa != pb {
			return pa < pb
		}
		return a.seq < b.seq
	})
}

func (r *registry) lookup(name string) *Channel {
	for _, c := range r.channels {
		if c.name == name {
			return c
		}
	}
	return nil
}

// orderedNames returns a snapshot of channel names in priority order.
func (r *registry) orderedNames() []string {
	names := make([]string, len(r.channels))
	for i, c := range r.channels {
		names[i] = c.name
	}
	return names
}

func (r *registry) len() int {
	return len(r.channels)
}

// lockSlots locks every slot in priority order so a cycle observes one
// consistent snapshot. Producers only ever hold a single slot lock.
func (r *registry) lockSlots() {
	for _, c := range r.channels {
		c.slot.mu.Lock()
	}
}

func (r *registry) unlockSlots() {
	for _, c := range r.channels {
		c.slot.mu.Unlock()
	}
}
