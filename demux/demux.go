// Package demux splits framesets back into elementary streams.
//
// It is the peer of the muxer: it relies only on the tagging contract (every
// buffer is titled with its stream name) and on the video/rgbd composite
// descriptor (streams list and {stream}_format fields).
package demux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/meta"
)

var (
	// ErrUnknownStream is returned when a frameset carries a tag the
	// descriptor does not list.
	ErrUnknownStream = errors.New("demux: unknown stream")

	// ErrMissingStream is returned when a listed stream is absent from a frameset.
	ErrMissingStream = errors.New("demux: missing stream")

	// ErrUntagged is returned for buffers without a title tag.
	ErrUntagged = errors.New("demux: untagged buffer")
)

// Output is one elementary buffer recovered from a frameset.
type Output struct {
	Stream string
	Format string // from {stream}_format, "" if not advertised
	Buffer *meta.Buffer
}

// Stats counts demuxed output.
type Stats struct {
	Framesets uint64
	Buffers   uint64
	Gaps      uint64 // GAP placeholders seen (and skipped if SkipGaps)
}

// Demuxer maps tagged buffers to the streams of a composite descriptor.
//
// Thread-safety: safe for concurrent use. Update may race with Split; each
// Split observes one descriptor.
type Demuxer struct {
	mu       sync.RWMutex
	streams  []string
	formats  map[string]string
	skipGaps bool
	stats    Stats
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// SkipGaps drops GAP placeholders from Split output.
func SkipGaps() Option {
	return func(d *Demuxer) {
		d.skipGaps = true
	}
}

// New creates a demuxer for desc.
func New(desc rgbdmux.CompositeDescriptor, opts ...Option) *Demuxer {
	d := &Demuxer{}
	for _, opt := range opts {
		opt(d)
	}
	d.Update(desc)
	return d
}

// Parse creates a demuxer from a rendered video/rgbd descriptor.
func Parse(descriptor string, opts ...Option) (*Demuxer, error) {
	desc, err := rgbdmux.ParseCompositeDescriptor(descriptor)
	if err != nil {
		return nil, fmt.Errorf("demux: %w", err)
	}
	return New(desc, opts...), nil
}

// Update switches to a new composite descriptor (renegotiation).
func (d *Demuxer) Update(desc rgbdmux.CompositeDescriptor) {
	formats := rgbdmux.ExtractFormats(desc.Fields())
	streams := append([]string(nil), desc.Streams...)

	d.mu.Lock()
	d.streams = streams
	d.formats = formats
	d.mu.Unlock()

	slog.Debug("demux: descriptor updated",
		"streams", streams,
		"formats", formats,
	)
}

// Streams returns the stream names in descriptor order.
func (d *Demuxer) Streams() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.streams...)
}

// Format returns the advertised format of stream.
func (d *Demuxer) Format(stream string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.formats[stream]
	return f, ok
}

// Split returns one Output per stream, in descriptor order.
//
// Every tag must be listed by the descriptor and every listed stream must
// be present (the muxer substitutes GAP placeholders, so a complete
// frameset always carries all streams).
func (d *Demuxer) Split(fs *meta.Frameset) ([]Output, error) {
	tagged, err := Tagged(fs)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	streams := d.streams
	formats := d.formats
	skipGaps := d.skipGaps
	d.mu.RUnlock()

	listed := make(map[string]bool, len(streams))
	for _, s := range streams {
		listed[s] = true
	}
	for tag := range tagged {
		if !listed[tag] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStream, tag)
		}
	}

	out := make([]Output, 0, len(streams))
	var gaps uint64
	for _, s := range streams {
		b, ok := tagged[s]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingStream, s)
		}
		if b.IsGap() {
			gaps++
			if skipGaps {
				continue
			}
		}
		out = append(out, Output{Stream: s, Format: formats[s], Buffer: b})
	}

	d.mu.Lock()
	d.stats.Framesets++
	d.stats.Buffers += uint64(len(out))
	d.stats.Gaps += gaps
	d.mu.Unlock()
	return out, nil
}

// Stats returns a snapshot of the counters.
func (d *Demuxer) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// Tagged maps every buffer of fs (primary included) by its tag.
func Tagged(fs *meta.Frameset) (map[string]*meta.Buffer, error) {
	if fs == nil || fs.Primary == nil {
		return nil, fmt.Errorf("%w: frameset has no primary buffer", ErrUntagged)
	}
	if fs.Primary.Title == "" {
		return nil, fmt.Errorf("%w: primary buffer", ErrUntagged)
	}

	tagged := map[string]*meta.Buffer{fs.Primary.Title: fs.Primary}
	for _, a := range fs.Attachments() {
		if a.Tag == "" {
			return nil, fmt.Errorf("%w: attachment", ErrUntagged)
		}
		tagged[a.Tag] = a.Buffer
	}
	return tagged, nil
}
