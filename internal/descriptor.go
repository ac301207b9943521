package internal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Media types understood by the negotiator.
const (
	MediaRaw  = "video/x-raw"
	MediaJPEG = "image/jpeg"
	MediaKLV  = "meta/x-klv"
	MediaRGBD = "video/rgbd"
)

// Field is one typed entry of a descriptor structure.
type Field struct {
	Name  string
	Type  string // "string", "int", "fraction" or "" when untyped
	Value string
}

// Descriptor is the format description of one elementary channel.
type Descriptor struct {
	MediaType string
	Format    string
	Width     int
	Height    int
	Framerate Fraction

	// Extra holds fields the negotiator does not map (logged, then ignored).
	Extra map[string]string
}

// IsZero reports whether nothing was described.
func (d Descriptor) IsZero() bool {
	return d.MediaType == "" && d.Format == "" && d.Width == 0 && d.Height == 0 &&
		d.Framerate.IsZero() && len(d.Extra) == 0
}

// ParseDescriptor parses a caps-like string such as
//
//	video/x-raw,format=GRAY16_LE,width=1280,height=720,framerate=30/1
//
// Values may carry a GStreamer type prefix ("width=(int)1280") and may be quoted.
func ParseDescriptor(s string) (Descriptor, error) {
	name, fields, err := parseStructure(s)
	if err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{MediaType: name}
	for _, f := range fields {
		switch f.Name {
		case "format":
			d.Format = f.Value
		case "width":
			if d.Width, err = strconv.Atoi(f.Value); err != nil {
				return Descriptor{}, fmt.Errorf("%w: invalid width %q", ErrStructural, f.Value)
			}
		case "height":
			if d.Height, err = strconv.Atoi(f.Value); err != nil {
				return Descriptor{}, fmt.Errorf("%w: invalid height %q", ErrStructural, f.Value)
			}
		case "framerate":
			if d.Framerate, err = ParseFraction(f.Value); err != nil {
				return Descriptor{}, err
			}
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]string)
			}
			d.Extra[f.Name] = f.Value
		}
	}
	return d, nil
}

// String renders the descriptor in caps-like syntax.
func (d Descriptor) String() string {
	var fields []Field
	if d.Format != "" {
		fields = append(fields, Field{Name: "format", Type: "string", Value: d.Format})
	}
	if d.Width != 0 {
		fields = append(fields, Field{Name: "width", Type: "int", Value: strconv.Itoa(d.Width)})
	}
	if d.Height != 0 {
		fields = append(fields, Field{Name: "height", Type: "int", Value: strconv.Itoa(d.Height)})
	}
	if !d.Framerate.IsZero() {
		fields = append(fields, Field{Name: "framerate", Type: "fraction", Value: d.Framerate.String()})
	}
	extra := make([]string, 0, len(d.Extra))
	for k := range d.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		fields = append(fields, Field{Name: k, Value: d.Extra[k]})
	}
	return renderStructure(d.MediaType, fields)
}

// CompositeDescriptor describes the muxed video/rgbd stream.
type CompositeDescriptor struct {
	// Streams lists channel names in priority order.
	Streams []string

	// Framerate is the single shared framerate.
	Framerate Fraction

	// fields holds the {name}_format/_width/_height entries in channel order.
	fields []Field
}

// StreamsField returns the comma-joined stream list.
func (c CompositeDescriptor) StreamsField() string {
	return strings.Join(c.Streams, ",")
}

// Field returns the value of a per-stream field (e.g. "depth_format").
func (c CompositeDescriptor) Field(name string) (string, bool) {
	switch name {
	case "streams":
		return c.StreamsField(), true
	case "framerate":
		return c.Framerate.String(), true
	}
	for _, f := range c.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Fields returns all fields as a flat map, streams and framerate included.
func (c CompositeDescriptor) Fields() map[string]string {
	out := make(map[string]string, len(c.fields)+2)
	out["streams"] = c.StreamsField()
	out["framerate"] = c.Framerate.String()
	for _, f := range c.fields {
		out[f.Name] = f.Value
	}
	return out
}

// Equal reports whether both descriptors advertise the same fields.
func (c CompositeDescriptor) Equal(other CompositeDescriptor) bool {
	return c.String() == other.String()
}

// String renders the descriptor in caps-like syntax.
func (c CompositeDescriptor) String() string {
	fields := []Field{
		{Name: "streams", Type: "string", Value: c.StreamsField()},
		{Name: "framerate", Type: "fraction", Value: c.Framerate.String()},
	}
	fields = append(fields, c.fields...)
	return renderStructure(MediaRGBD, fields)
}

func (c *CompositeDescriptor) set(name, typ, value string) {
	for i := range c.fields {
		if c.fields[i].Name == name {
			c.fields[i] = Field{Name: name, Type: typ, Value: value}
			return
		}
	}
	c.fields = append(c.fields, Field{Name: name, Type: typ, Value: value})
}

// ParseCompositeDescriptor parses a rendered video/rgbd descriptor.
func ParseCompositeDescriptor(s string) (CompositeDescriptor, error) {
	name, fields, err := parseStructure(s)
	if err != nil {
		return CompositeDescriptor{}, err
	}
	if name != MediaRGBD {
		return CompositeDescriptor{}, fmt.Errorf("%w: expected %s, got %q", ErrStructural, MediaRGBD, name)
	}

	var c CompositeDescriptor
	for _, f := range fields {
		switch f.Name {
		case "streams":
			if f.Value != "" {
				c.Streams = strings.Split(f.Value, ",")
			}
		case "framerate":
			if c.Framerate, err = ParseFraction(f.Value); err != nil {
				return CompositeDescriptor{}, err
			}
		default:
			c.set(f.Name, f.Type, f.Value)
		}
	}
	return c, nil
}

// ExtractFormats reduces a downstream field map to {stream: format} using the
// {stream}_format fields.
func ExtractFormats(fields map[string]string) map[string]string {
	formats := make(map[string]string)
	for name, value := range fields {
		stream, ok := strings.CutSuffix(name, "_format")
		if !ok || stream == "" {
			continue
		}
		formats[stream] = value
	}
	return formats
}

// parseStructure splits "name,key=value,..." honoring quotes.
func parseStructure(s string) (string, []Field, error) {
	parts, err := splitTopLevel(s)
	if err != nil {
		return "", nil, err
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return "", nil, fmt.Errorf("%w: descriptor %q has no media type", ErrStructural, s)
	}

	fields := make([]Field, 0, len(parts)-1)
	for _, p := range parts[1:] {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return "", nil, fmt.Errorf("%w: malformed field %q", ErrStructural, p)
		}
		raw = strings.TrimSpace(raw)

		var typ string
		if strings.HasPrefix(raw, "(") {
			end := strings.Index(raw, ")")
			if end < 0 {
				return "", nil, fmt.Errorf("%w: malformed type in %q", ErrStructural, p)
			}
			typ = raw[1:end]
			raw = strings.TrimSpace(raw[end+1:])
		}
		if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
			raw = raw[1 : len(raw)-1]
		}
		fields = append(fields, Field{Name: key, Type: typ, Value: raw})
	}
	return name, fields, nil
}

func splitTopLevel(s string) ([]string, error) {
	var (
		parts   []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote in %q", ErrStructural, s)
	}
	parts = append(parts, current.String())
	return parts, nil
}

func renderStructure(name string, fields []Field) string {
	var b strings.Builder
	b.WriteString(name)
	for _, f := range fields {
		b.WriteString(", ")
		b.WriteString(f.Name)
		b.WriteString("=")
		if f.Type != "" {
			b.WriteString("(" + f.Type + ")")
		}
		if strings.ContainsAny(f.Value, ", ") {
			b.WriteString(strconv.Quote(f.Value))
		} else {
			b.WriteString(f.Value)
		}
	}
	return b.String()
}
