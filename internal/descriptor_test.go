package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor("video/x-raw,format=GRAY16_LE,width=1280,height=(int)720,framerate=(fraction)30/1,interlace-mode=progressive")
	require.NoError(t, err)

	assert.Equal(t, MediaRaw, d.MediaType)
	assert.Equal(t, "GRAY16_LE", d.Format)
	assert.Equal(t, 1280, d.Width)
	assert.Equal(t, 720, d.Height)
	assert.Equal(t, NewFraction(30, 1), d.Framerate)
	assert.Equal(t, map[string]string{"interlace-mode": "progressive"}, d.Extra)
}

func TestParseDescriptor_RoundTrip(t *testing.T) {
	in := Descriptor{
		MediaType: MediaRaw,
		Format:    "RGB",
		Width:     640,
		Height:    480,
		Framerate: NewFraction(15, 1),
	}

	out, err := ParseDescriptor(in.String())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseDescriptor_Errors(t *testing.T) {
	for _, s := range []string{
		"",
		"video/x-raw,width=abc",
		"video/x-raw,format",
		`video/x-raw,format="RGB`,
		"video/x-raw,framerate=x/1",
	} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseDescriptor(s)
			assert.True(t, errors.Is(err, ErrStructural), "got %v", err)
		})
	}
}

func TestCompositeDescriptor_RenderAndParse(t *testing.T) {
	var c CompositeDescriptor
	c.Streams = []string{"depth", "infra1", "color"}
	c.Framerate = NewFraction(30, 1)
	c.set("depth_format", "string", "GRAY16_LE")
	c.set("depth_width", "int", "1280")
	c.set("color_format", "string", "image/jpeg")

	s := c.String()
	assert.Equal(t,
		`video/rgbd, streams=(string)"depth,infra1,color", framerate=(fraction)30/1, depth_format=(string)GRAY16_LE, depth_width=(int)1280, color_format=(string)image/jpeg`,
		s)

	parsed, err := ParseCompositeDescriptor(s)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(c))

	v, ok := parsed.Field("depth_width")
	require.True(t, ok)
	assert.Equal(t, "1280", v)

	v, ok = parsed.Field("streams")
	require.True(t, ok)
	assert.Equal(t, "depth,infra1,color", v)

	_, ok = parsed.Field("infra1_format")
	assert.False(t, ok)
}

func TestParseCompositeDescriptor_WrongMediaType(t *testing.T) {
	_, err := ParseCompositeDescriptor("video/x-raw,format=RGB")
	assert.True(t, errors.Is(err, ErrStructural))
}

func TestExtractFormats(t *testing.T) {
	got := ExtractFormats(map[string]string{
		"streams":       "depth,color",
		"framerate":     "30/1",
		"depth_format":  "GRAY16_LE",
		"color_format":  "RGB",
		"color_width":   "1280",
		"_format":       "ignored",
		"infra1_format": "GRAY8",
	})

	assert.Equal(t, map[string]string{
		"depth":  "GRAY16_LE",
		"color":  "RGB",
		"infra1": "GRAY8",
	}, got)
}
