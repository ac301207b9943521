// Package wire encodes muxer output for transport.
//
// A frameset travels as its primary buffer plus the ordered list of
// (tag, payload) attachments. Tags are the stream names, so a demuxer on the
// other side recovers the exact mapping. Gap, descriptor and EOS events share
// the same envelope.
//
// Encoding: MsgPack (raw []byte payloads, no base64).
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/meta"
)

// Version of the envelope layout.
const Version = 1

// ErrMalformed is returned for envelopes that decode but break the layout.
var ErrMalformed = errors.New("wire: malformed message")

// Kind mirrors rgbdmux.EventKind on the wire.
type Kind string

const (
	KindFrameset   Kind = "frameset"
	KindGap        Kind = "gap"
	KindDescriptor Kind = "descriptor"
	KindEOS        Kind = "eos"
)

// Buffer is one tagged payload.
type Buffer struct {
	Tag      string `msgpack:"tag"`
	PTS      int64  `msgpack:"pts"`      // nanoseconds, -1 unknown
	Duration int64  `msgpack:"duration"` // nanoseconds, -1 unknown
	Flags    uint8  `msgpack:"flags"`
	Data     []byte `msgpack:"data"`
}

// Frameset is a primary buffer plus ordered attachments.
type Frameset struct {
	ID          string   `msgpack:"id"`
	Primary     Buffer   `msgpack:"primary"`
	Attachments []Buffer `msgpack:"attachments"`
}

// Message is the envelope for every muxer event.
type Message struct {
	Version    int       `msgpack:"v"`
	Kind       Kind      `msgpack:"kind"`
	Timestamp  int64     `msgpack:"ts"` // nanoseconds, -1 unknown
	Descriptor string    `msgpack:"descriptor,omitempty"`
	Frameset   *Frameset `msgpack:"frameset,omitempty"`
}

// FromEvent converts a muxer event into an envelope.
func FromEvent(ev rgbdmux.Event) (Message, error) {
	msg := Message{
		Version:   Version,
		Timestamp: int64(ev.Timestamp),
	}

	switch ev.Kind {
	case rgbdmux.EventFrameset:
		if ev.Frameset == nil || ev.Frameset.Primary == nil {
			return Message{}, fmt.Errorf("%w: frameset event without primary buffer", ErrMalformed)
		}
		msg.Kind = KindFrameset
		msg.Frameset = fromFrameset(ev.Frameset)
	case rgbdmux.EventGap:
		msg.Kind = KindGap
	case rgbdmux.EventDescriptor:
		msg.Kind = KindDescriptor
		msg.Descriptor = ev.Descriptor.String()
	case rgbdmux.EventEOS:
		msg.Kind = KindEOS
	default:
		return Message{}, fmt.Errorf("%w: unknown event kind %d", ErrMalformed, ev.Kind)
	}
	return msg, nil
}

// EncodeEvent converts and marshals ev in one step.
func EncodeEvent(ev rgbdmux.Event) ([]byte, error) {
	msg, err := FromEvent(ev)
	if err != nil {
		return nil, err
	}
	return Encode(msg)
}

// Encode marshals msg to MsgPack.
func Encode(msg Message) ([]byte, error) {
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates an envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	if msg.Version != Version {
		return Message{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, msg.Version)
	}

	switch msg.Kind {
	case KindFrameset:
		if msg.Frameset == nil {
			return Message{}, fmt.Errorf("%w: frameset message without frameset", ErrMalformed)
		}
		if err := msg.Frameset.validate(); err != nil {
			return Message{}, err
		}
	case KindGap, KindDescriptor, KindEOS:
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, msg.Kind)
	}
	return msg, nil
}

// ToMeta rebuilds the frameset with its attachments in wire order.
func (f *Frameset) ToMeta() (*meta.Frameset, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	fs := meta.NewFrameset(f.ID, f.Primary.toMeta())
	for _, a := range f.Attachments {
		if _, err := fs.Attach(a.Tag, a.toMeta()); err != nil {
			return nil, fmt.Errorf("%w: attachment %q: %v", ErrMalformed, a.Tag, err)
		}
	}
	fs.Seal()
	return fs, nil
}

// TimestampDuration returns Timestamp as a duration.
func (m Message) TimestampDuration() time.Duration {
	return time.Duration(m.Timestamp)
}

func (f *Frameset) validate() error {
	if f.Primary.Tag == "" {
		return fmt.Errorf("%w: primary buffer has no tag", ErrMalformed)
	}
	seen := map[string]bool{f.Primary.Tag: true}
	for _, a := range f.Attachments {
		if a.Tag == "" {
			return fmt.Errorf("%w: attachment without tag", ErrMalformed)
		}
		if seen[a.Tag] {
			return fmt.Errorf("%w: duplicate tag %q", ErrMalformed, a.Tag)
		}
		seen[a.Tag] = true
	}
	return nil
}

func fromFrameset(fs *meta.Frameset) *Frameset {
	out := &Frameset{
		ID:      fs.ID,
		Primary: fromBuffer(fs.Primary.Title, fs.Primary),
	}
	for _, a := range fs.Attachments() {
		out.Attachments = append(out.Attachments, fromBuffer(a.Tag, a.Buffer))
	}
	return out
}

func fromBuffer(tag string, b *meta.Buffer) Buffer {
	return Buffer{
		Tag:      tag,
		PTS:      int64(b.PTS),
		Duration: int64(b.Duration),
		Flags:    uint8(b.Flags),
		Data:     b.Data,
	}
}

func (b Buffer) toMeta() *meta.Buffer {
	out := &meta.Buffer{
		PTS:      time.Duration(b.PTS),
		Duration: time.Duration(b.Duration),
		Flags:    meta.Flags(b.Flags),
		Data:     b.Data,
	}
	meta.TagBuffer(out, b.Tag)
	return out
}
