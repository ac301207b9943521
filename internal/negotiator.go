package internal

import (
	"log/slog"
	"math"
	"strconv"
)

// negotiator merges per-channel descriptors into the composite descriptor.
//
// Not safe for concurrent use: guarded by the muxer lock.
type negotiator struct {
	// supported lists the framerates downstream accepts. Empty accepts any.
	supported []Fraction
}

// compute builds the composite descriptor for channels (priority order).
//
// declared reports whether some channel declared a framerate; only then the
// clock should adopt desc.Framerate. Returns ErrNotNegotiated when channels
// is empty.
func (n *negotiator) compute(channels []*Channel) (desc CompositeDescriptor, declared bool, err error) {
	if len(channels) == 0 {
		return CompositeDescriptor{}, false, ErrNotNegotiated
	}

	framerate := NewFraction(DefaultFramerate, 1)
	for _, c := range channels {
		desc.Streams = append(desc.Streams, c.name)

		if c.kind == MetadataChannel {
			continue
		}

		d := c.descriptor
		if d.MediaType == MediaJPEG {
			desc.set(c.name+"_format", "string", MediaJPEG)
		}
		if d.Format != "" {
			desc.set(c.name+"_format", "string", d.Format)
		}
		if d.Width != 0 {
			desc.set(c.name+"_width", "int", strconv.Itoa(d.Width))
		}
		if d.Height != 0 {
			desc.set(c.name+"_height", "int", strconv.Itoa(d.Height))
		}
		if !declared && !d.Framerate.IsZero() {
			framerate = d.Framerate
			declared = true
		}
		for field := range d.Extra {
			slog.Info("rgbdmux: ignored descriptor field",
				"field", field,
				"stream", c.name,
			)
		}
	}

	// an undeclared framerate stays nominal so it matches the clock
	if declared {
		framerate = n.fixate(framerate)
	}
	desc.Framerate = framerate
	return desc, declared, nil
}

// fixate returns the supported framerate nearest to want (want itself when
// nothing is supported or want is not a finite rate).
func (n *negotiator) fixate(want Fraction) Fraction {
	target := want.Float()
	if len(n.supported) == 0 || math.IsNaN(target) || math.IsInf(target, 0) {
		return want
	}

	best := n.supported[0]
	bestDist := math.Abs(best.Float() - target)
	for _, fr := range n.supported[1:] {
		if dist := math.Abs(fr.Float() - target); dist < bestDist {
			best, bestDist = fr, dist
		}
	}
	return best
}

func (n *negotiator) setSupported(framerates []Fraction) {
	n.supported = append([]Fraction(nil), framerates...)
}
