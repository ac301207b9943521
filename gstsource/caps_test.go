package gstsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rgbdmux "github.com/e7canasta/orion-rgbd"
)

func TestDescriptorFromCaps(t *testing.T) {
	d, err := DescriptorFromCaps("video/x-raw, format=(string)GRAY16_LE, width=(int)848, height=(int)480, framerate=(fraction)30/1, pixel-aspect-ratio=(fraction)1/1")
	require.NoError(t, err)

	assert.Equal(t, "video/x-raw", d.MediaType)
	assert.Equal(t, "GRAY16_LE", d.Format)
	assert.Equal(t, 848, d.Width)
	assert.Equal(t, 480, d.Height)
	assert.Equal(t, rgbdmux.NewFraction(30, 1), d.Framerate)
	assert.Equal(t, "1/1", d.Extra["pixel-aspect-ratio"])
}

func TestDescriptorFromCaps_FirstStructure(t *testing.T) {
	d, err := DescriptorFromCaps("image/jpeg, width=(int)1280, height=(int)720; video/x-raw, format=(string)RGB")
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", d.MediaType)
	assert.Equal(t, 1280, d.Width)
	assert.Empty(t, d.Format)
}

func TestDescriptorFromCaps_MemoryFeatures(t *testing.T) {
	d, err := DescriptorFromCaps("video/x-raw(memory:DMABuf), format=(string)NV12, width=(int)640")
	require.NoError(t, err)

	assert.Equal(t, "video/x-raw", d.MediaType)
	assert.Equal(t, "NV12", d.Format)
	assert.Equal(t, 640, d.Width)
}

func TestDescriptorFromCaps_Invalid(t *testing.T) {
	tests := []string{
		"",
		"ANY",
		"EMPTY",
		"video/x-raw, width=(int)wide",
		"video/x-raw, framerate=(fraction)thirty",
	}
	for _, caps := range tests {
		_, err := DescriptorFromCaps(caps)
		assert.ErrorIs(t, err, rgbdmux.ErrStructural, "caps %q", caps)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		message string
		debug   string
		want    ErrorCategory
	}{
		{"Internal data stream error.", "streaming stopped, reason not-negotiated (-4)", ErrCategoryNegotiation},
		{"Could not open device '/dev/video4' for reading and writing.", "", ErrCategoryResource},
		{"Could not connect to server", "", ErrCategoryNetwork},
		{"Something odd happened", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		got := ClassifyError(tt.message, tt.debug)
		assert.Equal(t, tt.want, got, tt.message)
		assert.NotEmpty(t, got.String())
	}
}

func TestNew_RequiresPipeline(t *testing.T) {
	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
}
