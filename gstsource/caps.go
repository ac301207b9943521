package gstsource

import (
	"fmt"
	"strings"

	rgbdmux "github.com/e7canasta/orion-rgbd"
)

// DescriptorFromCaps converts a GStreamer caps string into a channel
// descriptor. Only the first structure of a caps list is used.
//
//	video/x-raw, format=(string)GRAY16_LE, width=(int)848, height=(int)480, framerate=(fraction)30/1
func DescriptorFromCaps(caps string) (rgbdmux.Descriptor, error) {
	first, _, _ := strings.Cut(caps, ";")
	first = strings.TrimSpace(first)
	if first == "" || first == "ANY" || first == "EMPTY" {
		return rgbdmux.Descriptor{}, fmt.Errorf("%w: caps %q are not fixed", rgbdmux.ErrStructural, caps)
	}
	// memory features, e.g. video/x-raw(memory:DMABuf)
	comma := strings.IndexByte(first, ',')
	if i := strings.IndexByte(first, '('); i >= 0 && (comma < 0 || i < comma) {
		end := strings.IndexByte(first, ')')
		if end < i {
			return rgbdmux.Descriptor{}, fmt.Errorf("%w: malformed caps features in %q", rgbdmux.ErrStructural, caps)
		}
		first = first[:i] + first[end+1:]
	}
	return rgbdmux.ParseDescriptor(first)
}

// ErrorCategory classifies pipeline errors for logging.
type ErrorCategory int

const (
	// ErrCategoryResource indicates device or file failures (open, read, busy)
	ErrCategoryResource ErrorCategory = iota
	// ErrCategoryNegotiation indicates caps negotiation or format failures
	ErrCategoryNegotiation
	// ErrCategoryNetwork indicates network-related failures
	ErrCategoryNetwork
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrCategoryNegotiation, []string{"not-negotiated", "not negotiated", "caps", "format", "could not decode"}},
	{ErrCategoryResource, []string{"no such file", "device", "busy", "permission", "could not open", "could not read"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "unreachable", "socket", "could not connect"}},
}

// ClassifyError categorizes a GStreamer error from its message and debug string.
//
// go-gst's GError does not expose the domain, so this relies on keywords.
// Negotiation is checked first: it is the most specific.
func ClassifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
